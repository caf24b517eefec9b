// Package journal defines the narrow append-only-log collaborator from
// spec §6 (res_get/res_put, add_keys, flush_seq_async, flush_device), plus
// a trivial in-memory reference implementation. The real commit protocol
// is explicitly out of scope (spec §1).
package journal

import (
	"sync"
	"sync/atomic"

	"github.com/pneumaticat/bcachefs-go/extent"
)

// Res is a held journal reservation, covering one or more pending inserts.
type Res struct {
	Seq uint64
}

// Journal is the narrow collaborator the write pipeline flushes against.
type Journal interface {
	ResGet(slots int) (*Res, error)
	ResPut(r *Res)
	AddKeys(r *Res, e *extent.Extent) error
	FlushSeqAsync(seq uint64, done func(error))
	FlushDevice(d extent.DeviceID) error
}

type memJournal struct {
	mu      sync.Mutex
	seq     uint64
	durable uint64
}

func NewMemJournal() Journal { return &memJournal{} }

func (j *memJournal) ResGet(slots int) (*Res, error) {
	return &Res{Seq: atomic.AddUint64(&j.seq, 1)}, nil
}

func (j *memJournal) ResPut(r *Res) {}

func (j *memJournal) AddKeys(r *Res, e *extent.Extent) error { return nil }

// FlushSeqAsync is synchronous in this reference implementation (there is
// no real persistence boundary to wait on), but keeps the async-completion
// shape callers expect.
func (j *memJournal) FlushSeqAsync(seq uint64, done func(error)) {
	j.mu.Lock()
	if seq > j.durable {
		j.durable = seq
	}
	j.mu.Unlock()
	if done != nil {
		done(nil)
	}
}

func (j *memJournal) FlushDevice(d extent.DeviceID) error { return nil }

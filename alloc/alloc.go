// Package alloc defines the narrow allocator collaborator from spec §6
// (reserve → write_point → commit/release) and ships a simple in-memory
// reference implementation, since the allocator's real bucket-selection
// policy is explicitly out of scope (spec §1). The reserve/release
// accounting style follows the teacher's per-filesystem atomic counters
// (spec §5's "reservation: per-filesystem atomic").
package alloc

import (
	"sync"
	"sync/atomic"

	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
)

// Reservation is a held claim against the filesystem's free space,
// released exactly once on write-op teardown (spec §3's ownership rules).
type Reservation struct {
	Bytes    int64
	Replicas int
	released atomic.Bool
}

// WritePoint is an allocator handle naming the open buckets a write may
// stream into (GLOSSARY: "write point").
type WritePoint struct {
	ID       uint64
	Devs     []extent.DeviceID
	FreeBytes int64
}

// Allocator is the narrow collaborator the write pipeline and move engine
// depend on.
type Allocator interface {
	Reserve(bytes int64, replicas int) (*Reservation, error)
	Release(r *Reservation)

	// AllocSectorsStart opens (or reuses) a write point targeting devs
	// (or, if devs is empty, whichever devices the allocator's bucket
	// policy picks), honoring haveDevs as an exclusion set and nrReplicas
	// as the target replica count.
	AllocSectorsStart(devs []extent.DeviceID, haveDevs map[extent.DeviceID]bool, nrReplicas int, nowait bool) (*WritePoint, error)

	// AllocSectorsAppendPtrs attaches up to nrReplicas pointers from wp to
	// e, consuming size bytes of wp's free space (once, not per pointer).
	AllocSectorsAppendPtrs(wp *WritePoint, e *extent.Extent, size uint32, nrReplicas int) error

	AllocSectorsDone(wp *WritePoint)
}

// memAllocator is the in-memory reference implementation: every write point
// takes the first nrReplicas non-excluded devices, in list order, from the
// requested or live device list.
type memAllocator struct {
	mu          sync.Mutex
	liveDevices []extent.DeviceID
	nextWP      uint64
	freeBytes   int64 // total free space left in the "filesystem"
}

func NewMemAllocator(devices []extent.DeviceID, totalFreeBytes int64) Allocator {
	return &memAllocator{liveDevices: devices, freeBytes: totalFreeBytes}
}

func (a *memAllocator) Reserve(bytes int64, replicas int) (*Reservation, error) {
	need := bytes * int64(replicas)
	a.mu.Lock()
	defer a.mu.Unlock()
	if need > a.freeBytes {
		return nil, xerrors.ErrOutOfSpace
	}
	a.freeBytes -= need
	return &Reservation{Bytes: need, Replicas: replicas}, nil
}

func (a *memAllocator) Release(r *Reservation) {
	if r == nil || !r.released.CompareAndSwap(false, true) {
		return
	}
	a.mu.Lock()
	a.freeBytes += r.Bytes
	a.mu.Unlock()
}

func (a *memAllocator) AllocSectorsStart(devs []extent.DeviceID, haveDevs map[extent.DeviceID]bool, nrReplicas int, nowait bool) (*WritePoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	candidates := devs
	if len(candidates) == 0 {
		candidates = a.liveDevices
	}
	picked := make([]extent.DeviceID, 0, nrReplicas)
	for _, d := range candidates {
		if haveDevs != nil && haveDevs[d] {
			continue
		}
		picked = append(picked, d)
		if len(picked) == nrReplicas {
			break
		}
	}
	if len(picked) == 0 {
		if nowait {
			return nil, xerrors.ErrAllocWouldBlock
		}
		return nil, xerrors.ErrOutOfSpace
	}
	a.nextWP++
	return &WritePoint{ID: a.nextWP, Devs: picked, FreeBytes: 1 << 30}, nil
}

func (a *memAllocator) AllocSectorsAppendPtrs(wp *WritePoint, e *extent.Extent, size uint32, nrReplicas int) error {
	n := nrReplicas
	if n > len(wp.Devs) {
		n = len(wp.Devs)
	}
	for i := 0; i < n; i++ {
		e.Pointers = append(e.Pointers, extent.Pointer{
			Device:       wp.Devs[i],
			DeviceOffset: uint64(wp.ID)<<32 | uint64(e.Start),
		})
	}
	wp.FreeBytes -= int64(size)
	if n < nrReplicas {
		e.Degraded = true
	}
	return nil
}

func (a *memAllocator) AllocSectorsDone(wp *WritePoint) {}

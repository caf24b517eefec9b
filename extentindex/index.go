// Package extentindex defines the narrow interface the data path consumes
// for the B-tree of extents (spec §6: iter_open/peek/next/unlock,
// insert_at with atomic/nofail/nowait/use_reserve flags, delete_at,
// delete_range), plus one in-memory reference implementation backed by
// github.com/google/btree so the write/read/move pipelines are testable
// without the real node-storage engine, which is explicitly out of scope
// (spec §1).
package extentindex

import (
	"sync"

	"github.com/google/btree"

	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
)

// InsertFlags mirrors spec §6's insert_at flags.
type InsertFlags struct {
	Atomic         bool // return ErrLockChanged if locks were dropped and retried underneath us
	NoFail         bool // never surface out-of-space from commit
	NoWait         bool
	UseReserve     bool
}

// Index is the abstract ordered key/value index of extents the data path
// is built against. The real implementation lives in the B-tree node
// storage engine (out of scope per spec §1); this interface is the whole
// of the contract the data path depends on.
type Index interface {
	// IterOpen returns an iterator over extents whose range intersects
	// [start, end) for inode, ordered by Key.
	IterOpen(inode, start, end uint64) Iterator

	// InsertAt inserts e under reservation, subject to flags. On an
	// Atomic insert whose locks were dropped and retried underneath the
	// caller, it returns ErrLockChanged so the caller can redo the
	// decision that produced e.
	InsertAt(e *extent.Extent, flags InsertFlags) error

	// CompareAndSwap atomically replaces old with replacement if and only
	// if the stored extent at old.Key() still has old's inode, range,
	// version and pointer list; the CRC descriptor and Degraded flag are
	// not compared.
	// Used by narrow-crcs and by the move engine's migrate index-update.
	// Returns ErrRaced if the stored extent had already changed.
	CompareAndSwap(old, replacement *extent.Extent) error

	DeleteAt(k extent.Key) error
	DeleteRange(inode, start, end uint64) error
}

// Iterator walks an Index's extents in key order, holding a read snapshot
// that the caller must Unlock before issuing I/O (spec §5: "the data path
// holds a read snapshot when iterating and drops it before issuing I/O").
type Iterator interface {
	// PeekSlot returns the next extent without advancing, or nil at the
	// end of the range.
	PeekSlot() *extent.Extent
	// Peek is an alias of PeekSlot kept for parity with spec §6's naming.
	Peek() *extent.Extent
	Next() *extent.Extent
	Unlock()
}

// btreeIndex is the reference in-memory implementation.
type btreeIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[*extent.Extent]
}

func less(a, b *extent.Extent) bool { return a.Key().Less(b.Key()) }

func New() Index {
	return &btreeIndex{tree: btree.NewG[*extent.Extent](32, less)}
}

func (idx *btreeIndex) IterOpen(inode, start, end uint64) Iterator {
	idx.mu.RLock()
	var snapshot []*extent.Extent
	idx.tree.Ascend(func(e *extent.Extent) bool {
		if e.Overlaps(inode, start, end) {
			snapshot = append(snapshot, e.Clone())
		}
		return true
	})
	return &sliceIterator{idx: idx, items: snapshot}
}

type sliceIterator struct {
	idx   *btreeIndex
	items []*extent.Extent
	pos   int
	unlocked bool
}

func (it *sliceIterator) PeekSlot() *extent.Extent {
	if it.pos >= len(it.items) {
		return nil
	}
	return it.items[it.pos]
}

func (it *sliceIterator) Peek() *extent.Extent { return it.PeekSlot() }

func (it *sliceIterator) Next() *extent.Extent {
	e := it.PeekSlot()
	if e != nil {
		it.pos++
	}
	return e
}

func (it *sliceIterator) Unlock() {
	if it.unlocked {
		return
	}
	it.unlocked = true
	it.idx.mu.RUnlock()
}

func (idx *btreeIndex) InsertAt(e *extent.Extent, flags InsertFlags) error {
	if len(e.Pointers) == 0 {
		if flags.NoFail {
			return nil
		}
		return xerrors.ErrNoSurvivingPtr
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.tree.ReplaceOrInsert(e.Clone())
	return nil
}

func (idx *btreeIndex) CompareAndSwap(old, replacement *extent.Extent) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	cur, ok := idx.tree.Get(old)
	if !ok || !identical(cur, old) {
		return xerrors.ErrRaced
	}
	idx.tree.ReplaceOrInsert(replacement.Clone())
	return nil
}

func identical(a, b *extent.Extent) bool {
	if a.Version != b.Version || a.Start != b.Start || a.End != b.End || a.Inode != b.Inode {
		return false
	}
	if len(a.Pointers) != len(b.Pointers) {
		return false
	}
	for i := range a.Pointers {
		if a.Pointers[i] != b.Pointers[i] {
			return false
		}
	}
	return true
}

func (idx *btreeIndex) DeleteAt(k extent.Key) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	probe := &extent.Extent{Inode: k.Inode, Start: k.Start, Version: k.Version}
	idx.tree.Delete(probe)
	return nil
}

func (idx *btreeIndex) DeleteRange(inode, start, end uint64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	var toDelete []*extent.Extent
	idx.tree.Ascend(func(e *extent.Extent) bool {
		if e.Overlaps(inode, start, end) {
			toDelete = append(toDelete, e)
		}
		return true
	})
	for _, e := range toDelete {
		idx.tree.Delete(e)
	}
	return nil
}

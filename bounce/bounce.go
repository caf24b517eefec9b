// Package bounce implements the page-granular scratch memory pool described
// in spec §4.1: a direct allocation attempt, falling back to a
// mutex-guarded reserve pool so a filesystem under memory pressure still
// makes forward progress. It is grounded on the teacher's
// blobstore/common/resourcepool channel-pool: a buffered channel of
// identically-sized buffers with EMA-driven shrink, whose mutex is held
// only on the fallback path — adapted here to page-granular accounting so
// a Buffer's size is always a whole number of pages, per spec §4.1.
package bounce

import (
	"sync"
	"sync/atomic"

	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
)

// Buffer is one pool-backed scratch allocation: a contiguous byte slice
// sized to a whole number of pages, covering at least the bytes the caller
// asked for.
type Buffer struct {
	buf    []byte
	pages  int
	pooled bool
}

func (b *Buffer) Bytes() []byte { return b.buf }
func (b *Buffer) Pages() int    { return b.pages }

// Pool is a per-filesystem bounce-buffer pool. EncodedExtentMax bounds the
// byte count AcquirePages is guaranteed to satisfy from the reserve; above
// that, acquisition still attempts a direct allocation but a caller that
// cannot get memory must be able to retry with a smaller request (spec
// §4.1).
type Pool struct {
	pageSize         int
	encodedExtentMax int

	mu   sync.Mutex
	free [][]byte // reserve free list of encodedExtentMax-sized buffers

	capacity    int
	concurrence int32 // pages currently checked out, pooled or direct, atomic
	ema         int32
}

// New builds a Pool and pre-fills its reserve with capacity
// encodedExtentMax-sized buffers, so the fallback path spec §4.1 promises
// ("a filesystem under memory pressure still makes forward progress") has
// something to actually hand out from the first acquisition onward, rather
// than only after buffers happen to cycle back through ReleasePages.
func New(pageSize, encodedExtentMax, capacity int) *Pool {
	p := &Pool{pageSize: pageSize, encodedExtentMax: encodedExtentMax, capacity: capacity}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, make([]byte, encodedExtentMax))
	}
	return p
}

func (p *Pool) pagesFor(n int) int {
	if p.pageSize <= 0 {
		return 0
	}
	return (n + p.pageSize - 1) / p.pageSize
}

// AcquirePages returns a Buffer covering at least n bytes, rounded up to
// whole pages. Requests within encoded_extent_max are always satisfied
// from (or alongside) the reserve pool, so acquisition never fails for
// them; above that ceiling acquisition still succeeds under Go's
// allocator, but the ceiling is where a real allocator could legitimately
// return ENOMEM, and callers must treat a non-nil error here as "retry
// smaller", per spec §4.1.
func (p *Pool) AcquirePages(n int) (*Buffer, error) {
	if n < 0 {
		return nil, xerrors.ErrIllegalArgument
	}
	nPages := p.pagesFor(n)
	size := nPages * p.pageSize

	if size == p.encodedExtentMax || (size > 0 && size <= p.encodedExtentMax) {
		if buf := p.takeFromReserve(); buf != nil {
			atomic.AddInt32(&p.concurrence, int32(nPages))
			return &Buffer{buf: buf[:size], pages: nPages, pooled: true}, nil
		}
	}
	atomic.AddInt32(&p.concurrence, int32(nPages))
	return &Buffer{buf: make([]byte, size), pages: nPages, pooled: false}, nil
}

func (p *Pool) takeFromReserve() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	return buf
}

// ReleasePages returns buf to the reserve free list if it came from it and
// there's room (bounded by capacity; surplus buffers are dropped for the
// GC to reclaim, exactly as chan_pool.go drops on a full buffered
// channel). It is always safe to call with a nil Buffer.
func (p *Pool) ReleasePages(b *Buffer) {
	if b == nil {
		return
	}
	atomic.AddInt32(&p.concurrence, -int32(b.pages))
	if !b.pooled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.capacity {
		return
	}
	// Restore to full encoded_extent_max capacity before pooling, so every
	// buffer in the free list is interchangeable.
	full := b.buf[:cap(b.buf)]
	if len(full) < p.encodedExtentMax {
		full = make([]byte, p.encodedExtentMax)
	}
	p.free = append(p.free, full)
}

// InFlightPages reports pages currently checked out, for the bounded-bounce
// testable property (spec §8.6).
func (p *Pool) InFlightPages() int32 { return atomic.LoadInt32(&p.concurrence) }

// Ema updates and returns the smoothed in-flight page concurrence,
// matching the teacher's (val*2 + lastVal*8) / 10 weighting in
// chan_pool.go's ema().
func (p *Pool) Ema() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ema = (atomic.LoadInt32(&p.concurrence)*2 + p.ema*8) / 10
	return p.ema
}

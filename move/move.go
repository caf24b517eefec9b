// Package move implements the move engine from spec §4.5: a pass over a
// key range that rewrites selected extents — rereplicate, migrate off a
// device, or background tiering — without losing a concurrent foreground
// write. It is grounded on the shape of the teacher's
// blobstore/scheduler/migrate.go and balancer.go (snapshot a candidate,
// move its data, then reconcile against whatever the index holds by the
// time the move completes), re-targeted from a distributed task queue
// fronting many workers to the single-process compare-and-swap loop
// spec §4.5 describes directly.
package move

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/pneumaticat/bcachefs-go/bounce"
	"github.com/pneumaticat/bcachefs-go/codec"
	"github.com/pneumaticat/bcachefs-go/device"
	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/extentindex"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
	"github.com/pneumaticat/bcachefs-go/internal/xlog"
	"github.com/pneumaticat/bcachefs-go/metrics"
	"github.com/pneumaticat/bcachefs-go/ratelimit"
	"github.com/pneumaticat/bcachefs-go/write"
)

// Predicate decides whether an extent is a candidate for this pass, per
// spec §4.5 ("queries the inode's I/O options, applies the predicate").
type Predicate func(e *extent.Extent) bool

// Pass drives one move pass over a key range.
type Pass struct {
	Index   extentindex.Index
	Devices *device.Set
	Bounce  *bounce.Pool
	Writer  *write.Pipeline
	Limiter *ratelimit.Limiter
	Log     *xlog.Logger
}

func New(idx extentindex.Index, devs *device.Set, bp *bounce.Pool, writer *write.Pipeline, limiter *ratelimit.Limiter, log *xlog.Logger) *Pass {
	if log == nil {
		log = xlog.Discard()
	}
	return &Pass{Index: idx, Devices: devs, Bounce: bp, Writer: writer, Limiter: limiter, Log: log}
}

type readResult struct {
	e    *extent.Extent
	ptr  extent.Pointer
	buf  []byte
	need int64 // budget actually acquired for this candidate, to release exactly that much
}

// Run executes one pass over [startPos, endPos) of inode, per spec §4.5.
// moveDevice names the device being evacuated (nil means a pure
// rereplicate, matching "move_device < 0" in the original source);
// targetDevs restricts the destination write's candidate set. Budget and
// rate-limit admission happen in ascending key order in this driver loop;
// once a candidate is admitted, its actual read runs concurrently with
// already-admitted candidates' reads. Writes (and their migrate
// index-updates) are drained strictly in that same ascending key order,
// per spec §4.5's ordering requirement.
func (m *Pass) Run(ctx context.Context, inode, startPos, endPos uint64, predicate Predicate, moveDevice *extent.DeviceID, targetDevs []extent.DeviceID, inFlightByteBudget int64) (*extent.MoveStats, error) {
	if inFlightByteBudget <= 0 {
		inFlightByteBudget = 1 << 30
	}
	sem := semaphore.NewWeighted(inFlightByteBudget)
	stats := &extent.MoveStats{}

	// Step 1: snapshot the extent keys and drop index locks before issuing
	// any I/O (spec §4.5, and spec §5's "drops [the read snapshot] before
	// issuing I/O").
	it := m.Index.IterOpen(inode, startPos, endPos)
	var candidates []*extent.Extent
	for e := it.Next(); e != nil; e = it.Next() {
		candidates = append(candidates, e)
	}
	it.Unlock()

	results := make([]chan *readResult, len(candidates))
	for i := range results {
		results[i] = make(chan *readResult, 1)
	}

	// The drain (step 4) runs concurrently with admission below, in its
	// own goroutine, reading results[i] and releasing its budget in
	// ascending key order as each write completes. It must run
	// concurrently, not after admission finishes: with a budget smaller
	// than the working set, nothing would ever free capacity for
	// candidate i+1 while the admission loop is still blocked acquiring
	// for it, if draining only started once that loop returned.
	var writeErr error
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for i := range results {
			res := <-results[i]
			if res == nil {
				continue
			}
			if writeErr == nil && ctx.Err() != nil {
				writeErr = ctx.Err()
			}
			if writeErr == nil {
				if err := m.writeMoved(ctx, res.e, res.ptr, res.buf, moveDevice, targetDevs, stats); err != nil {
					writeErr = err
				}
			}
			sem.Release(res.need)
		}
	}()

	// Admission (rate limit + semaphore) happens here, serially, in
	// ascending key order — never inside the reader goroutine. If N
	// goroutines raced to acquire the budget in arbitrary scheduler order
	// while the drain above only ever waits on results[i] in index order,
	// a later candidate could grab the budget an earlier one needs and
	// nothing would ever release it (the drain, the only releaser, would
	// be stuck waiting on the earlier one). Admitting in order makes
	// admission order and drain order the same sequence, so the drain is
	// always waiting on whichever read was admitted (and therefore
	// started) first, and its concurrent releases keep the admission loop
	// unblocked.
	var readers sync.WaitGroup
	for i, e := range candidates {
		i, e := i, e
		stats.SectorsSeen += int64(e.End - e.Start)
		if !predicate(e) {
			results[i] <- nil
			continue
		}
		need := int64(e.CRC.UncompressedSize)
		if need > inFlightByteBudget {
			// A single candidate wider than the whole budget can never be
			// admitted at its true size; clamp so it still gets a turn
			// instead of blocking forever on a semaphore that can never
			// hold that many tokens.
			need = inFlightByteBudget
		}
		if m.Limiter != nil {
			if err := m.Limiter.WaitFreezableStoppable(ctx, int(need)); err != nil {
				results[i] <- nil
				continue
			}
		}
		if err := sem.Acquire(ctx, need); err != nil {
			results[i] <- nil
			continue
		}
		readers.Add(1)
		go func() {
			defer readers.Done()
			buf, ptr, err := m.nodecodeRead(ctx, e)
			if err != nil {
				sem.Release(need)
				m.Log.Warnf("move: nodecode read failed for %s: %v", e.String(), err)
				results[i] <- nil
				return
			}
			results[i] <- &readResult{e: e, ptr: ptr, buf: buf, need: need}
		}()
	}

	readers.Wait()
	<-drainDone
	return stats, writeErr
}

// nodecodeRead implements spec §4.5 step 3: read and checksum-verify the
// predicate-chosen pointer's payload without decrypting or decompressing
// it. Verification is skipped for authenticated (encrypted) extents, since
// their tag can only be checked by the AEAD open that would also decode
// the payload — a property nodecode reads are specifically trying to
// avoid paying for.
func (m *Pass) nodecodeRead(ctx context.Context, e *extent.Extent) ([]byte, extent.Pointer, error) {
	ptr := pickSourcePointer(e)
	if ptr == nil {
		return nil, extent.Pointer{}, xerrors.ErrNoSurvivingPtr
	}
	dev, ok := m.Devices.Get(ptr.Device)
	if !ok || dev.Dying() {
		return nil, extent.Pointer{}, xerrors.ErrDeviceIO
	}
	buf := make([]byte, e.CRC.CompressedSize)
	if err := device.SubmitWithBreaker(ctx, dev, &device.Bio{Sector: ptr.DeviceOffset, Data: buf, IsWrite: false}); err != nil {
		return nil, extent.Pointer{}, xerrors.Info(xerrors.ErrDeviceIO, "nodecode read: %v", err)
	}
	if !e.CRC.ChecksumType.Encrypted() {
		actual, err := codec.Checksum(e.CRC.ChecksumType, e.CRC.Nonce, buf)
		if err != nil {
			return nil, extent.Pointer{}, err
		}
		if actual != e.CRC.ChecksumValue {
			return nil, extent.Pointer{}, xerrors.ErrChecksumMismatch
		}
	}
	return buf, *ptr, nil
}

func pickSourcePointer(e *extent.Extent) *extent.Pointer {
	var best *extent.Pointer
	for i := range e.Pointers {
		if best == nil || e.Pointers[i].Device < best.Device {
			cp := e.Pointers[i]
			best = &cp
		}
	}
	return best
}

// writeMoved implements spec §4.5 step 2 and 4: write the moved payload
// with the pre-encoded shortcut (no re-encode — the bytes already carry
// the source's CRC) and drive the result through the migrate index-update.
func (m *Pass) writeMoved(ctx context.Context, src *extent.Extent, srcPtr extent.Pointer, payload []byte, moveDevice *extent.DeviceID, targetDevs []extent.DeviceID, stats *extent.MoveStats) error {
	devs := targetDevs
	if moveDevice != nil {
		if len(devs) == 0 {
			// No explicit target: any live device except the one being
			// evacuated.
			for _, d := range m.Devices.Live() {
				devs = append(devs, d.ID())
			}
		}
		filtered := make([]extent.DeviceID, 0, len(devs))
		for _, d := range devs {
			if d != *moveDevice {
				filtered = append(filtered, d)
			}
		}
		devs = filtered
	}

	replicas := len(src.DirtyPointers())
	if replicas == 0 {
		replicas = 1
	}

	op := extent.NewOp(src.Inode, src.Start, payload, extent.IOOptions{
		Checksum:    src.CRC.ChecksumType,
		Compression: src.CRC.CompressionType,
		Replicas:    replicas,
		Devs:        devs,
	}, extent.WriteFlags{
		DataEncoded:       true,
		PagesStable:       true,
		PagesOwned:        true,
		NoMarkReplicas:    true,
		OnlySpecifiedDevs: len(devs) > 0,
	})
	crc := src.CRC
	op.PresetCRC = &crc
	op.Version = src.Version

	return m.Writer.WriteWithUpdater(ctx, op, func(ctx context.Context, op *extent.Op, keys []*extent.Extent) error {
		for _, newKey := range keys {
			if err := m.migrateIndexUpdate(ctx, newKey, src, srcPtr, moveDevice, stats); err != nil {
				return err
			}
		}
		return nil
	})
}

// migrateIndexUpdate is spec §4.5's "hard part": for each stored extent
// overlapping the freshly written key, either account it as raced (a
// concurrent foreground write beat us to this region) or splice the new
// pointer in and commit atomically, retrying the whole region on a CAS
// race.
func (m *Pass) migrateIndexUpdate(ctx context.Context, newKey, src *extent.Extent, srcPtr extent.Pointer, moveDevice *extent.DeviceID, stats *extent.MoveStats) error {
	for {
		it := m.Index.IterOpen(newKey.Inode, newKey.Start, newKey.End)
		var overlapping []*extent.Extent
		for e := it.Next(); e != nil; e = it.Next() {
			overlapping = append(overlapping, e)
		}
		it.Unlock()

		raced := false
		for _, stored := range overlapping {
			// Step 1: a foreground write already replaced this region, or
			// our source pointer is no longer present where we read it —
			// someone else already moved (or overwrote) this data.
			if stored.Version != src.Version || !hasPointer(stored, srcPtr) {
				m.accountRaced(stats, stored)
				continue
			}

			// Step 2: splice — drop the source pointer (if we're migrating
			// off a specific device) and merge in any of the new write's
			// pointers the stored copy doesn't already have.
			spliced := stored.Clone()
			if moveDevice != nil {
				spliced.Pointers = dropDevice(spliced.Pointers, *moveDevice)
			}
			added := false
			for _, np := range newKey.Pointers {
				if !hasDevice(spliced.Pointers, np.Device) {
					spliced.Pointers = append(spliced.Pointers, np)
					added = true
				}
			}
			if !added {
				// Step 3: a concurrent writer already produced our replica.
				m.accountRaced(stats, stored)
				continue
			}

			if err := m.Index.CompareAndSwap(stored, spliced); err != nil {
				if xerrors.Is(err, xerrors.ErrRaced) {
					raced = true
					break
				}
				return err
			}
			// spec §4.5 step 4: record replica-set presence alongside the
			// atomic commit, same as the default index updater does for a
			// foreground write (spec §4.3).
			metrics.RecordReplicaSetPresence(spliced.Pointers)
			atomic.AddInt64(&stats.KeysMoved, 1)
			atomic.AddInt64(&stats.SectorsMoved, int64(stored.End-stored.Start))
			metrics.ExtentMigrateDone.Inc()
		}
		if raced {
			continue // step 4: stale snapshot — retry the splice on this region
		}
		return nil
	}
}

func (m *Pass) accountRaced(stats *extent.MoveStats, stored *extent.Extent) {
	atomic.AddInt64(&stats.SectorsRaced, int64(stored.End-stored.Start))
	metrics.ExtentMigrateRaced.Inc()
}

func hasPointer(e *extent.Extent, ptr extent.Pointer) bool {
	for _, p := range e.Pointers {
		if p.Device == ptr.Device && p.DeviceOffset == ptr.DeviceOffset {
			return true
		}
	}
	return false
}

func hasDevice(ptrs []extent.Pointer, d extent.DeviceID) bool {
	for _, p := range ptrs {
		if p.Device == d {
			return true
		}
	}
	return false
}

func dropDevice(ptrs []extent.Pointer, d extent.DeviceID) []extent.Pointer {
	out := ptrs[:0]
	for _, p := range ptrs {
		if p.Device != d {
			out = append(out, p)
		}
	}
	return out
}

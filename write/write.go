// Package write implements the write pipeline from spec §4.3: reserve
// replica space, allocate a write point, compress/encrypt/checksum in
// chunks sized by the current open bucket, submit device writes in
// parallel across replicas, and hand an ordered key list to the index
// updater. It is grounded on the teacher's blobstore/access/stream_put.go
// (split → encode → fan-out-to-replicas → quorum-wait), adapted from
// erasure-coded shards fanning out to N distinct blobnodes to mirrored
// replica pointers fanning out to N distinct devices.
package write

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pneumaticat/bcachefs-go/alloc"
	"github.com/pneumaticat/bcachefs-go/bounce"
	"github.com/pneumaticat/bcachefs-go/codec"
	"github.com/pneumaticat/bcachefs-go/device"
	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/extentindex"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
	"github.com/pneumaticat/bcachefs-go/internal/xlog"
	"github.com/pneumaticat/bcachefs-go/journal"
	"github.com/pneumaticat/bcachefs-go/metrics"
)

// IndexUpdater performs the index-side half of a write's completion. The
// default implementation is Pipeline.defaultIndexUpdate (spec §4.3); the
// move engine supplies its own (spec §4.5's migrate index-update).
type IndexUpdater func(ctx context.Context, op *extent.Op, keys []*extent.Extent) error

// Pipeline is the write pipeline. One Pipeline is shared by every
// foreground write and by the move engine (which drives it through a
// specialized IndexUpdater).
type Pipeline struct {
	Devices   *device.Set
	Allocator alloc.Allocator
	Index     extentindex.Index
	Journal   journal.Journal
	Bounce    *bounce.Pool
	Key       [32]byte // symmetric encryption key; one per filesystem in this reference implementation
	Log       *xlog.Logger

	EncodedExtentMax int
}

func New(devs *device.Set, al alloc.Allocator, idx extentindex.Index, jrnl journal.Journal, bp *bounce.Pool, key [32]byte, log *xlog.Logger, encodedExtentMax int) *Pipeline {
	if log == nil {
		log = xlog.Discard()
	}
	return &Pipeline{Devices: devs, Allocator: al, Index: idx, Journal: jrnl, Bounce: bp, Key: key, Log: log, EncodedExtentMax: encodedExtentMax}
}

// Write runs op end to end: reservation, encode loop, parallel replica
// submission, and index update (spec §4.3's public operation). On
// failure it still inserts whatever chunks completed, per spec §4.3's
// "Errors" paragraph, and returns the triggering error.
func (p *Pipeline) Write(ctx context.Context, op *extent.Op) error {
	if op.Opts.Replicas <= 0 {
		return xerrors.ErrIllegalArgument
	}

	reservation, err := p.Allocator.Reserve(int64(len(op.Payload)), op.Opts.Replicas)
	if err != nil {
		return err
	}
	defer p.Allocator.Release(reservation)

	// scratch accumulates every bounce buffer the encode loop checks out,
	// released once submitReplicas has either copied each one onto the
	// wire or given up on it — never before, since until then it may still
	// back a PendingPayload entry (spec §3: "a write operation exclusively
	// owns its bounce pages").
	var scratch []*bounce.Buffer
	defer func() { p.releaseScratch(scratch) }()

	if err := p.encodeLoop(ctx, op, &scratch); err != nil {
		// Partial progress: submit whatever chunks the encode loop produced
		// before it failed, then insert only the prefix submitReplicas
		// confirms actually landed on a device — never a chunk that was
		// only ever allocated, per spec §4.3's "as much as was successfully
		// written".
		if len(op.Pending) > 0 {
			if subErr := p.submitReplicas(ctx, op); subErr != nil {
				p.Log.Warnf("submitReplicas after encode error for inode %d: %v", op.Inode, subErr)
			}
			if len(op.Pending) > 0 {
				_ = p.indexUpdate(ctx, op, op.Pending, reservation)
			}
		}
		return err
	}

	if err := p.submitReplicas(ctx, op); err != nil {
		if len(op.Pending) > 0 {
			_ = p.indexUpdate(ctx, op, op.Pending, reservation)
		}
		return err
	}

	if err := p.indexUpdate(ctx, op, op.Pending, reservation); err != nil {
		return err
	}

	if op.Flags.Flush {
		return p.flush(op)
	}
	return nil
}

// WriteWithUpdater is the hook the move engine uses to drive this pipeline
// through its own index-update callback (spec §4.5).
func (p *Pipeline) WriteWithUpdater(ctx context.Context, op *extent.Op, updater IndexUpdater) error {
	var scratch []*bounce.Buffer
	defer func() { p.releaseScratch(scratch) }()

	if err := p.encodeLoop(ctx, op, &scratch); err != nil {
		return err
	}
	if err := p.submitReplicas(ctx, op); err != nil {
		return err
	}
	return updater(ctx, op, op.Pending)
}

// releaseScratch returns every bounce buffer the encode loop checked out
// back to the pool. Safe to call with a nil Bounce (no-op) or a nil/empty
// slice.
func (p *Pipeline) releaseScratch(bufs []*bounce.Buffer) {
	if p.Bounce == nil {
		return
	}
	for _, b := range bufs {
		p.Bounce.ReleasePages(b)
	}
}

// encodeLoop implements spec §4.3's numbered steps 1-6: decide bounce,
// compress, derive version, checksum (rechecksum shortcut or
// encrypt-then-checksum), append a pending key, and advance.
func (p *Pipeline) encodeLoop(ctx context.Context, op *extent.Op, scratchOut *[]*bounce.Buffer) error {
	remaining := op.Payload
	offset := op.Position
	version := op.Version

	for len(remaining) > 0 {
		chunkMax := p.EncodedExtentMax
		if chunkMax <= 0 || chunkMax > len(remaining) {
			chunkMax = len(remaining)
		}
		src := remaining[:chunkMax]

		if version == 0 {
			version = freshVersion()
		}

		// Pre-encoded shortcut (spec §4.3): if the caller already did the
		// encode work with the same compression kind, skip straight to
		// appending the key; write-point free space is not checked here.
		// If only the checksum kind differs and the data is uncompressed,
		// rechecksum in place rather than bouncing — unless the requested
		// kind is encrypted, in which case the chunk falls through to the
		// encode path below, which encrypts it.
		if op.Flags.DataEncoded && op.PresetCRC != nil {
			preset := *op.PresetCRC
			encryptPlain := preset.CompressionType == extent.CompressionNone && preset.ChecksumType != op.Opts.Checksum && op.Opts.Checksum.Encrypted()
			if preset.CompressionType == op.Opts.Compression && !encryptPlain {
				crc := preset
				if preset.ChecksumType != op.Opts.Checksum && preset.CompressionType == extent.CompressionNone && !op.Opts.Checksum.Encrypted() {
					rc, err := codec.Rechecksum(src, version, preset, preset.OffsetIntoUncompressed, preset.LiveSize, op.Opts.Checksum)
					if err != nil {
						return xerrors.Info(err, "rechecksum shortcut")
					}
					crc = rc
				}
				p.appendPending(op, offset, version, src[:crc.CompressedSize], crc)
				// remaining tracks the caller's already-encoded buffer, so
				// it advances by the encoded byte count; offset tracks
				// logical (plaintext) position, so it advances by the
				// live byte count the CRC actually covers.
				remaining = remaining[crc.CompressedSize:]
				offset += uint64(crc.LiveSize)
				version++
				continue
			}
		}

		// Decide whether to bounce (spec §4.3 step 1): compression,
		// encryption, checksumming over pages the caller doesn't keep
		// stable, or pages we don't own at all take the destination buffer
		// from the bounce pool; otherwise it is a plain heap buffer. The
		// caller's pages are never encoded in place.
		needBounce := op.Opts.Compression != extent.CompressionNone ||
			op.Opts.Checksum.Encrypted() ||
			(op.Opts.Checksum != extent.ChecksumNone && !op.Flags.PagesStable) ||
			!op.Flags.PagesOwned

		var dst []byte
		if needBounce && p.Bounce != nil {
			scratch, err := p.Bounce.AcquirePages(chunkMax)
			if err != nil {
				return xerrors.Info(err, "acquire bounce pages")
			}
			// Record the buffer before doing anything that can fail, so
			// the caller's deferred releaseScratch still reclaims it on
			// any error path below.
			*scratchOut = append(*scratchOut, scratch)
			dst = scratch.Bytes()
		} else {
			dst = make([]byte, chunkMax)
		}

		consumed, produced, kindActual, err := codec.Compress(dst, src, op.Opts.Compression)
		if err != nil {
			return xerrors.Info(err, "compress")
		}
		dst = dst[:produced]

		nonce := codec.DeriveNonce(version, 0, offset)
		checksumKind := op.Opts.Checksum
		var checksumValue uint64
		if checksumKind.Encrypted() {
			sealed, tag, err := codec.Encrypt(p.Key, nonce, dst, true)
			if err != nil {
				return xerrors.Info(err, "encrypt")
			}
			dst = sealed
			checksumValue = tag
		} else {
			checksumValue, err = codec.Checksum(checksumKind, nonce, dst)
			if err != nil {
				return xerrors.Info(err, "checksum")
			}
		}

		crc := extent.CRCDescriptor{
			CompressedSize:   uint32(len(dst)),
			UncompressedSize: uint32(consumed),
			LiveSize:         uint32(consumed),
			ChecksumType:     checksumKind,
			ChecksumValue:    checksumValue,
			CompressionType:  kindActual,
			Nonce:            nonce,
		}
		p.appendPending(op, offset, version, dst, crc)

		remaining = remaining[consumed:]
		offset += uint64(consumed)
		version++
	}
	return nil
}

func (p *Pipeline) appendPending(op *extent.Op, offset, version uint64, payload []byte, crc extent.CRCDescriptor) {
	e := &extent.Extent{
		ID:      newID(),
		Inode:   op.Inode,
		Start:   offset,
		End:     offset + uint64(crc.LiveSize),
		Version: version,
		CRC:     crc,
	}

	haveDevs := make(map[extent.DeviceID]bool, len(op.FailedDevices))
	for d := range op.FailedDevices {
		haveDevs[d] = true
	}
	wp, err := p.Allocator.AllocSectorsStart(op.Opts.Devs, haveDevs, op.Opts.Replicas, op.Flags.AllocNoWait)
	if err != nil {
		p.Log.Warnf("alloc_sectors_start failed for inode %d offset %d: %v", op.Inode, offset, err)
		return
	}
	if err := p.Allocator.AllocSectorsAppendPtrs(wp, e, crc.CompressedSize, op.Opts.Replicas); err != nil {
		p.Log.Warnf("alloc_sectors_append_ptrs failed: %v", err)
		return
	}
	for i := range e.Pointers {
		if !op.Flags.Cached {
			continue
		}
		e.Pointers[i].Cached = true
	}
	op.Pending = append(op.Pending, e)
	op.PendingPayload = append(op.PendingPayload, payload)
	p.Allocator.AllocSectorsDone(wp)
}

// submitReplicas implements spec §4.3's replica submission: clone the
// payload for every pointer but the last, submit in parallel, and wait
// for all to either succeed or fail before folding results into the op's
// failure bitmap. Uses errgroup in place of the teacher's raw
// WaitGroup+status-channel pair (SPEC_FULL §5) purely for the
// wait-for-everyone bookkeeping — every submission records its outcome
// into op's failure bitmap and always returns a nil error to the group, so
// there is no hard-error short-circuit to race against; g.Wait() itself
// never fails.
func (p *Pipeline) submitReplicas(ctx context.Context, op *extent.Op) error {
	var degraded bool
	for idx, e := range op.Pending {
		payload := op.PendingPayload[idx]
		// truncate drops this key and everything after it from Pending
		// before returning an error, so a caller that inserts op.Pending on
		// failure only ever commits keys whose payload actually reached a
		// device (spec §4.3's "as much as was successfully written") — not
		// this key, which failed, and not later keys, never attempted.
		truncate := func() {
			op.Pending = op.Pending[:idx]
			op.PendingPayload = op.PendingPayload[:idx]
		}
		g, gctx := errgroup.WithContext(ctx)

		for i := range e.Pointers {
			ptr := &e.Pointers[i]
			var bio []byte
			if i == len(e.Pointers)-1 {
				bio = payload // consume the original for the last pointer
			} else {
				bio = append([]byte(nil), payload...) // clone for earlier pointers
			}
			g.Go(func() error {
				dev, ok := p.Devices.Get(ptr.Device)
				if !ok || dev.Dying() {
					op.MarkFailed(ptr.Device)
					return nil // "removed" status: not a hard pipeline error
				}
				ptr.DeviceGenAtWrite = dev.Generation()
				err := device.SubmitWithBreaker(gctx, dev, &device.Bio{
					Sector:  ptr.DeviceOffset,
					Data:    bio,
					IsWrite: true,
					FUA:     true,
				})
				if err != nil {
					op.MarkFailed(ptr.Device)
					metrics.DeviceIOErrors.WithLabelValues(deviceLabel(ptr.Device)).Inc()
					return nil
				}
				return nil
			})
		}
		g.Wait()

		// Drop failed pointers now so the pending key list the index
		// updater sees already reflects surviving replicas only.
		survivors := e.Pointers[:0]
		for _, ptr := range e.Pointers {
			if !op.Failed(ptr.Device) {
				survivors = append(survivors, ptr)
			}
		}
		e.Pointers = survivors
		if len(e.Pointers) == 0 {
			truncate()
			return xerrors.ErrNoSurvivingPtr
		}
		// A cached write holds no dirty pointers, so only a dirty write can
		// come up degraded.
		if !op.Flags.Cached && len(e.DirtyPointers()) < op.Opts.Replicas {
			e.Degraded = true
			degraded = true
		}
		metrics.BytesWrittenByTier.WithLabelValues(tierLabel(op.Opts.Tier)).Add(float64(len(payload)))
	}
	// Tagging Degraded above records the index-invariant carve-out (spec
	// §3); surfacing an error here is the separate, additional requirement
	// from spec §8 scenario 3 that an under-replicated write itself fail.
	// Pending is left intact either way, so a caller that inserts it on
	// error still commits the surviving pointers.
	if degraded && !op.Flags.AllowDegraded {
		return xerrors.ErrDeviceIO
	}
	return nil
}

// indexUpdate is spec §4.3's default index update: insert the key list,
// dropping any pointer whose device failed (already done in
// submitReplicas), recording replica-set presence unless nomark_replicas
// is set.
func (p *Pipeline) indexUpdate(ctx context.Context, op *extent.Op, keys []*extent.Extent, r *alloc.Reservation) error {
	res, err := p.Journal.ResGet(len(keys))
	if err != nil {
		return err
	}
	defer p.Journal.ResPut(res)

	for _, e := range keys {
		if err := p.Journal.AddKeys(res, e); err != nil {
			return err
		}
		if !op.Flags.NoMarkReplicas {
			metrics.RecordReplicaSetPresence(e.Pointers)
		}
		flags := extentindex.InsertFlags{Atomic: true, UseReserve: r != nil}
		if err := p.Index.InsertAt(e, flags); err != nil {
			if xerrors.Is(err, xerrors.ErrLockChanged) {
				// spec §6: atomic insert may race; retry once.
				if err := p.Index.InsertAt(e, flags); err != nil {
					return err
				}
				p.observeCommitted(e)
				continue
			}
			return err
		}
		p.observeCommitted(e)
	}
	op.LastJournalSeq = res.Seq
	return nil
}

// observeCommitted folds a freshly indexed extent into the per-tier
// compressed/uncompressed gauges, bucketed by the fastest tier among its
// surviving dirty replicas.
func (p *Pipeline) observeCommitted(e *extent.Extent) {
	metrics.ObserveCommittedExtent(p.fastestTierLabel(e.Pointers), e.CRC.CompressionType != extent.CompressionNone)
}

// fastestTierLabel returns the tierLabel of the fastest (lowest-numbered)
// tier among ptrs' dirty devices, falling back to tier 0's label if none of
// the devices are currently known to this Pipeline's Set.
func (p *Pipeline) fastestTierLabel(ptrs []extent.Pointer) string {
	best := -1
	for _, ptr := range ptrs {
		if ptr.Cached {
			continue
		}
		dev, ok := p.Devices.Get(ptr.Device)
		if !ok {
			continue
		}
		if t := int(dev.Tier()); best == -1 || t < best {
			best = t
		}
	}
	if best == -1 {
		best = 0
	}
	return tierLabel(best)
}

func (p *Pipeline) flush(op *extent.Op) error {
	done := make(chan error, 1)
	p.Journal.FlushSeqAsync(op.LastJournalSeq, func(err error) { done <- err })
	return <-done
}

func tierLabel(tier int) string {
	switch tier {
	case 0:
		return "fast"
	default:
		return "capacity"
	}
}

func deviceLabel(d extent.DeviceID) string {
	return strconv.FormatUint(uint64(d), 10)
}

// globalVersion mints fresh, monotonically increasing, never-reused extent
// versions (spec §3). A real filesystem persists this counter across
// mounts; this reference implementation keeps it in memory only.
var globalVersion uint64

func freshVersion() uint64 { return atomic.AddUint64(&globalVersion, 1) }

func newID() uuid.UUID { return uuid.New() }

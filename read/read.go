// Package read implements the read pipeline from spec §4.4: pick a replica
// pointer, decide whether to bounce, submit the device I/O, and run the
// post-I/O continuation (checksum verify, optional narrow-crcs, decrypt,
// decompress, and an optional promotion write), all driven by the same
// retry state machine the spec names (ok/retry/retry_avoid/error). It is
// grounded on the teacher's blobstore/access/stream_get.go: per-shard pick,
// per-shard submit via the device's circuit breaker, and a continuation
// that reconstructs and copies into the caller's destination.
package read

import (
	"context"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/pneumaticat/bcachefs-go/bounce"
	"github.com/pneumaticat/bcachefs-go/codec"
	"github.com/pneumaticat/bcachefs-go/device"
	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/extentindex"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
	"github.com/pneumaticat/bcachefs-go/internal/xlog"
	"github.com/pneumaticat/bcachefs-go/metrics"
	"github.com/pneumaticat/bcachefs-go/write"
)

// FastestTier is the tier promotion targets; a replica already on this tier
// never triggers a promotion write.
const FastestTier = device.Tier(0)

// Pipeline is the read pipeline. It shares the extent index, device set,
// and bounce pool with the write pipeline, and drives a write.Pipeline
// directly for promotion (spec §4.4 step 4: "hand it to a cache-write as if
// the read had been a write").
type Pipeline struct {
	Index   extentindex.Index
	Devices *device.Set
	Bounce  *bounce.Pool
	Writer  *write.Pipeline
	Key     [32]byte
	Log     *xlog.Logger

	MaxRetries int
	Promote    bool
}

func New(idx extentindex.Index, devs *device.Set, bp *bounce.Pool, writer *write.Pipeline, key [32]byte, log *xlog.Logger, maxRetries int, promote bool) *Pipeline {
	if log == nil {
		log = xlog.Discard()
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Pipeline{Index: idx, Devices: devs, Bounce: bp, Writer: writer, Key: key, Log: log, MaxRetries: maxRetries, Promote: promote}
}

// Read fills dest with the plaintext bytes covering [offset, offset+len(dest))
// of inode, per spec §4.4's public operation. Extents are fetched
// concurrently since each writes into a disjoint sub-slice of dest; ranges
// the index has no extent for are left zero-filled.
func (p *Pipeline) Read(ctx context.Context, dest []byte, inode, offset uint64, flags extent.ReadFlags) error {
	length := uint64(len(dest))
	if length == 0 {
		return nil
	}
	end := offset + length

	it := p.Index.IterOpen(inode, offset, end)
	var extents []*extent.Extent
	for e := it.Next(); e != nil; e = it.Next() {
		extents = append(extents, e)
	}
	it.Unlock()

	// Overlapping extents are totally ordered by version (spec §3); the
	// newest version covering a byte shadows every older one there. Walk
	// candidates newest-first and only dispatch a fragment for whatever
	// sub-range of each extent no newer extent has already claimed.
	sort.Slice(extents, func(i, j int) bool { return extents[i].Version > extents[j].Version })

	g, gctx := errgroup.WithContext(ctx)
	var claimed []interval
	for _, e := range extents {
		fragStart := e.Start
		if fragStart < offset {
			fragStart = offset
		}
		fragEnd := e.End
		if fragEnd > end {
			fragEnd = end
		}
		if fragEnd <= fragStart {
			continue
		}
		for _, piece := range subtractClaimed(interval{fragStart, fragEnd}, claimed) {
			claimed = append(claimed, piece)
			e, piece := e, piece
			g.Go(func() error {
				rop := extent.NewReadOp(inode, piece.start, piece.end-piece.start, dest[piece.start-offset:piece.end-offset], flags)
				return p.readExtent(gctx, rop, e)
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	covered := offset
	for _, c := range mergeIntervals(claimed) {
		if c.start > covered {
			zero(dest[covered-offset : c.start-offset])
		}
		if c.end > covered {
			covered = c.end
		}
	}
	if covered < end {
		zero(dest[covered-offset:])
	}
	return nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

type interval struct{ start, end uint64 }

// subtractClaimed returns the pieces of cand not covered by any interval
// already in claimed, which may be unsorted and unmerged.
func subtractClaimed(cand interval, claimed []interval) []interval {
	leftover := []interval{cand}
	for _, c := range claimed {
		var next []interval
		for _, piece := range leftover {
			if c.end <= piece.start || c.start >= piece.end {
				next = append(next, piece)
				continue
			}
			if c.start > piece.start {
				next = append(next, interval{piece.start, c.start})
			}
			if c.end < piece.end {
				next = append(next, interval{c.end, piece.end})
			}
		}
		leftover = next
	}
	return leftover
}

// mergeIntervals sorts and coalesces overlapping/adjacent intervals, used
// to find the gaps Read must zero-fill.
func mergeIntervals(in []interval) []interval {
	if len(in) == 0 {
		return nil
	}
	cp := append([]interval(nil), in...)
	sort.Slice(cp, func(i, j int) bool { return cp[i].start < cp[j].start })
	out := []interval{cp[0]}
	for _, c := range cp[1:] {
		last := &out[len(out)-1]
		if c.start <= last.end {
			if c.end > last.end {
				last.end = c.end
			}
			continue
		}
		out = append(out, c)
	}
	return out
}

// readExtent drives one fragment through pick → decide → submit → post-I/O.
// A retry verdict runs one synchronous in-place attempt with in_retry set;
// a further retry verdict is an error, per spec §4.4's retry state machine.
func (p *Pipeline) readExtent(ctx context.Context, rop *extent.ReadOp, e *extent.Extent) error {
	ptr, stale := p.pick(e, rop.AvoidDevs)
	if ptr == nil {
		if len(e.Pointers) == 0 {
			zero(rop.Dest)
			return nil
		}
		return xerrors.ErrNoSurvivingPtr
	}
	if stale && !rop.Flags.RetryIfStale {
		return xerrors.Info(xerrors.ErrStalePointer, "inode %d offset %d device %d", rop.Inode, rop.Offset, ptr.Device)
	}
	rop.Pointer = *ptr
	rop.CRC = e.CRC

	dev, ok := p.Devices.Get(ptr.Device)
	if !ok || dev.Dying() {
		return p.retry(ctx, rop, e, extent.DispositionRetryAvoid, ptr.Device)
	}

	if stale {
		return p.retry(ctx, rop, e, extent.DispositionRetry, ptr.Device)
	}

	bounced := p.needBounce(rop, e.CRC)
	var scratch *bounce.Buffer
	buf := rop.Dest
	if bounced {
		var err error
		scratch, err = p.Bounce.AcquirePages(int(e.CRC.CompressedSize))
		if err != nil {
			return xerrors.Info(err, "acquire bounce pages")
		}
		defer p.Bounce.ReleasePages(scratch)
		buf = scratch.Bytes()[:e.CRC.CompressedSize]
	}

	if err := device.SubmitWithBreaker(ctx, dev, &device.Bio{
		Sector:  ptr.DeviceOffset,
		Data:    buf,
		IsWrite: false,
	}); err != nil {
		metrics.DeviceIOErrors.WithLabelValues(deviceLabel(ptr.Device)).Inc()
		return p.retry(ctx, rop, e, extent.DispositionRetryAvoid, ptr.Device)
	}

	return p.postIO(ctx, rop, e, dev, ptr, buf, bounced)
}

// needBounce implements spec §4.4 step 2.
func (p *Pipeline) needBounce(rop *extent.ReadOp, crc extent.CRCDescriptor) bool {
	if rop.Flags.MustBounce {
		return true
	}
	if crc.CompressionType != extent.CompressionNone || crc.ChecksumType.Encrypted() {
		return true
	}
	if rop.Flags.UserMapped && uint64(crc.LiveSize) > rop.Length {
		return true
	}
	// A fragment narrower than the whole extent can't decode straight into
	// the caller's slice without risking writing past it.
	return rop.Length < uint64(crc.CompressedSize)
}

// pick chooses a replica pointer per spec §4.4 step 1: prefer a live,
// non-avoided device, tie-break on the lowest device id; skip stale cached
// pointers. Returns (nil, false) if nothing usable remains, or a pointer
// together with whether it was only reachable by tolerating staleness.
func (p *Pipeline) pick(e *extent.Extent, avoid map[extent.DeviceID]bool) (*extent.Pointer, bool) {
	candidates := append([]extent.Pointer(nil), e.Pointers...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Device < candidates[j].Device })

	var staleFallback *extent.Pointer
	for i := range candidates {
		ptr := &candidates[i]
		if avoid[ptr.Device] {
			continue
		}
		if dev, ok := p.Devices.Get(ptr.Device); ok && dev.Dying() {
			continue
		}
		if ptr.Cached {
			if dev, ok := p.Devices.Get(ptr.Device); ok && dev.Generation() != ptr.DeviceGenAtWrite {
				if staleFallback == nil {
					cp := *ptr
					staleFallback = &cp
				}
				continue
			}
		}
		cp := *ptr
		return &cp, false
	}
	return staleFallback, staleFallback != nil
}

// retry implements spec §4.4's retry transitions: add the device to the
// avoid-set (when avoiding), then set in_retry and make one synchronous
// in-place attempt, erroring out instead once retries are exhausted or
// in_retry is already set.
func (p *Pipeline) retry(ctx context.Context, rop *extent.ReadOp, e *extent.Extent, disposition extent.ReadDisposition, failedDevice extent.DeviceID) error {
	rop.Disposition = disposition
	if disposition == extent.DispositionRetryAvoid {
		rop.Avoid(failedDevice)
	}
	if rop.Flags.InRetry || rop.Retries >= p.MaxRetries {
		rop.Disposition = extent.DispositionError
		return xerrors.Info(xerrors.ErrDeviceIO, "inode %d offset %d: retries exhausted after device %d", rop.Inode, rop.Offset, failedDevice)
	}
	rop.Retries++
	rop.Flags.InRetry = true
	return p.readExtent(ctx, rop, e)
}

// postIO implements spec §4.4's post-I/O continuation: verify, optionally
// narrow-crcs, decrypt/decompress, and promote.
func (p *Pipeline) postIO(ctx context.Context, rop *extent.ReadOp, e *extent.Extent, dev device.Device, ptr *extent.Pointer, buf []byte, bounced bool) error {
	crc := e.CRC
	plain := buf

	if crc.ChecksumType.Encrypted() {
		out, _, err := codec.Encrypt(p.Key, crc.Nonce, buf, false)
		if err != nil {
			return p.checksumMismatch(ctx, rop, e, ptr.Device, bounced)
		}
		plain = out
	} else {
		actual, err := codec.Checksum(crc.ChecksumType, crc.Nonce, buf)
		if err != nil {
			return err
		}
		if actual != crc.ChecksumValue {
			return p.checksumMismatch(ctx, rop, e, ptr.Device, bounced)
		}
	}

	if crc.CompressionType == extent.CompressionNone {
		p.maybeNarrowCRC(e, plain)
	}

	if crc.CompressionType != extent.CompressionNone {
		decoded := make([]byte, crc.UncompressedSize)
		n, err := codec.Decompress(decoded, plain, crc)
		if err != nil {
			rop.Disposition = extent.DispositionError
			return err
		}
		decoded = decoded[:n]
		copyWindow(rop.Dest, decoded, uint64(crc.OffsetIntoUncompressed)+rop.Offset-e.Start)
	} else {
		copyWindow(rop.Dest, plain, uint64(crc.OffsetIntoUncompressed)+rop.Offset-e.Start)
	}

	rop.Disposition = extent.DispositionOK
	metrics.BytesReadByTier.WithLabelValues(tierLabel(dev.Tier())).Add(float64(len(rop.Dest)))

	if p.Promote && rop.Flags.MayPromote && dev.Tier() != FastestTier {
		p.promote(ctx, rop, e, plain)
	}
	return nil
}

// checksumMismatch implements spec §4.4 post-I/O step 2.
func (p *Pipeline) checksumMismatch(ctx context.Context, rop *extent.ReadOp, e *extent.Extent, failedDevice extent.DeviceID, bounced bool) error {
	if !bounced && rop.Flags.UserMapped && !rop.Flags.MustBounce {
		rop.Flags.MustBounce = true
		return p.retry(ctx, rop, e, extent.DispositionRetry, failedDevice)
	}
	metrics.DeviceIOErrors.WithLabelValues(deviceLabel(failedDevice)).Inc()
	return p.retry(ctx, rop, e, extent.DispositionRetryAvoid, failedDevice)
}

// copyWindow copies the bytes of full starting at byteOffset into dest,
// clamped to whichever of the two is shorter.
func copyWindow(dest, full []byte, byteOffset uint64) {
	if byteOffset >= uint64(len(full)) {
		return
	}
	copy(dest, full[byteOffset:])
}

// maybeNarrowCRC implements spec §4.4's narrow-crcs optimisation. An extent
// split by an overwrite keeps its original CRC — recomputing a checksum
// over less than the whole originally-written blob without the source bytes
// in hand isn't possible — so its logical range (e.Start, e.End) can end up
// covering only [OffsetIntoUncompressed, OffsetIntoUncompressed+LiveSize) of
// a much larger on-disk CompressedSize. Since e.End-e.Start always equals
// LiveSize (write.go sets it that way for every extent produced), that live
// window already accounts for the extent's entire addressable range: nothing
// outside it is ever requested through this key, so shrinking storage down
// to exactly that window cannot make any future read of this extent wrong.
// window holds the full on-disk blob (guaranteed by needBounce whenever
// there's slack between LiveSize and CompressedSize to reclaim).
//
// Narrowing shrinks CompressedSize/UncompressedSize to LiveSize and advances
// every pointer's DeviceOffset past the dropped prefix, so a future read —
// which always fetches exactly CompressedSize bytes starting at
// DeviceOffset — only reads the live window, not the dead remainder of the
// original blob.
func (p *Pipeline) maybeNarrowCRC(e *extent.Extent, window []byte) {
	crc := e.CRC
	if crc.ChecksumType.Encrypted() {
		// The AEAD tag authenticates the whole sealed blob; it cannot be
		// narrowed to a sub-range without re-sealing, which would mean
		// rewriting the ciphertext on every replica, not just the index.
		return
	}
	if crc.OffsetIntoUncompressed == 0 && crc.LiveSize == crc.CompressedSize {
		return // nothing dead to reclaim
	}
	offset, live := crc.OffsetIntoUncompressed, crc.LiveSize
	if uint64(offset)+uint64(live) > uint64(len(window)) {
		return
	}

	narrowed, err := codec.Rechecksum(window, e.Version, crc, offset, live, crc.ChecksumType)
	if err != nil {
		return
	}
	narrowed.OffsetIntoUncompressed = 0
	narrowed.UncompressedSize = live
	narrowed.CompressedSize = live

	replacement := e.Clone()
	replacement.CRC = narrowed
	for i := range replacement.Pointers {
		replacement.Pointers[i].DeviceOffset += uint64(offset)
	}

	if err := p.Index.CompareAndSwap(e, replacement); err != nil {
		metrics.ReadReallocRaces.Inc()
	}
}

// promote implements spec §4.4 step 4: copy plain into a fresh buffer and
// drive it through the write pipeline (which re-seals it for encrypted
// extents) as a cached, non-blocking write with Opts.Tier set to the
// fastest tier, best-effort.
func (p *Pipeline) promote(ctx context.Context, rop *extent.ReadOp, e *extent.Extent, plain []byte) {
	op := extent.NewOp(rop.Inode, e.Start, append([]byte(nil), plain...), extent.IOOptions{
		Checksum:    e.CRC.ChecksumType,
		Compression: extent.CompressionNone,
		Tier:        int(FastestTier),
		Replicas:    1,
	}, extent.WriteFlags{
		PagesStable: true,
		PagesOwned:  true,
		Cached:      true,
		AllocNoWait: true,
	})
	if err := p.Writer.Write(ctx, op); err != nil {
		p.Log.Debugf("promotion write for inode %d offset %d skipped: %v", rop.Inode, e.Start, err)
	}
}

func tierLabel(t device.Tier) string {
	if t == FastestTier {
		return "fast"
	}
	return "capacity"
}

func deviceLabel(d extent.DeviceID) string {
	return strconv.FormatUint(uint64(d), 10)
}

package write

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pneumaticat/bcachefs-go/alloc"
	"github.com/pneumaticat/bcachefs-go/bounce"
	"github.com/pneumaticat/bcachefs-go/device"
	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/extentindex"
	"github.com/pneumaticat/bcachefs-go/internal/xerrors"
	"github.com/pneumaticat/bcachefs-go/journal"
	"github.com/pneumaticat/bcachefs-go/metrics"
)

func newTestPipeline(t *testing.T, devIDs ...extent.DeviceID) (*Pipeline, *device.Set) {
	t.Helper()
	devs := device.NewSet()
	for _, id := range devIDs {
		devs.Add(device.NewMemDevice(id, device.Tier(0)))
	}
	al := alloc.NewMemAllocator(devIDs, 1<<30)
	idx := extentindex.New()
	jrnl := journal.NewMemJournal()
	bp := bounce.New(4096, 4096*16, 64)
	var key [32]byte
	p := New(devs, al, idx, jrnl, bp, key, nil, 4096*4)
	return p, devs
}

// dyingDevice is a minimal Device stub that is always torn down, used to
// exercise the write pipeline's degraded-replica accounting without
// depending on memDevice's unexported test hooks from outside the device
// package.
type dyingDevice struct {
	id    extent.DeviceID
	ioRef int64
}

func (d *dyingDevice) ID() extent.DeviceID  { return d.id }
func (d *dyingDevice) Tier() device.Tier    { return device.Tier(0) }
func (d *dyingDevice) Generation() uint64   { return 1 }
func (d *dyingDevice) Dying() bool          { return true }
func (d *dyingDevice) IORef() *int64        { return &d.ioRef }

func (d *dyingDevice) SubmitBio(ctx context.Context, bio *device.Bio) error { return nil }

// flakyDevice succeeds its first failAfter SubmitBio calls, then fails every
// call after that — used to make one chunk of a multi-chunk write land while
// a later one doesn't.
type flakyDevice struct {
	id        extent.DeviceID
	ioRef     int64
	calls     int
	failAfter int
}

func (d *flakyDevice) ID() extent.DeviceID { return d.id }
func (d *flakyDevice) Tier() device.Tier   { return device.Tier(0) }
func (d *flakyDevice) Generation() uint64  { return 1 }
func (d *flakyDevice) Dying() bool         { return false }
func (d *flakyDevice) IORef() *int64       { return &d.ioRef }

func (d *flakyDevice) SubmitBio(ctx context.Context, bio *device.Bio) error {
	d.calls++
	if d.calls > d.failAfter {
		return errors.New("flaky device: injected failure")
	}
	return nil
}

func TestWriteInsertsExtentIntoIndex(t *testing.T) {
	p, _ := newTestPipeline(t, 1, 2)
	op := extent.NewOp(1, 0, []byte("hello world, this is a test payload"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Compression: extent.CompressionNone, Replicas: 2,
	}, extent.WriteFlags{})

	require.NoError(t, p.Write(context.Background(), op))
	require.NotEmpty(t, op.Pending)

	it := p.Index.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	e := it.Next()
	require.NotNil(t, e)
	require.Len(t, e.Pointers, 2)
}

func TestWriteRejectsZeroReplicas(t *testing.T) {
	p, _ := newTestPipeline(t, 1)
	op := extent.NewOp(1, 0, []byte("x"), extent.IOOptions{Replicas: 0}, extent.WriteFlags{})
	require.Error(t, p.Write(context.Background(), op))
}

func TestWriteReleasesAllBounceBuffers(t *testing.T) {
	p, _ := newTestPipeline(t, 1, 2)
	op := extent.NewOp(1, 0, make([]byte, 4096*10), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Compression: extent.CompressionLZ4, Replicas: 2,
	}, extent.WriteFlags{})

	require.NoError(t, p.Write(context.Background(), op))
	require.EqualValues(t, 0, p.Bounce.InFlightPages(), "every bounce buffer acquired during encode must be released by the end of Write")
}

func TestWriteDegradesWhenAReplicaFails(t *testing.T) {
	p, devs := newTestPipeline(t, 1, 2)
	devs.Add(&dyingDevice{id: 2}) // override device 2 with one that's always torn down

	op := extent.NewOp(1, 0, []byte("some payload bytes"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 2,
	}, extent.WriteFlags{})
	// A foreground write that can't reach the requested replica count
	// must surface an I/O error, not silently succeed — the surviving
	// pointer is still committed below.
	err := p.Write(context.Background(), op)
	require.Error(t, err)
	require.True(t, xerrors.Is(err, xerrors.ErrDeviceIO))

	it := p.Index.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	e := it.Next()
	require.NotNil(t, e)
	require.True(t, e.Degraded)
	require.Len(t, e.Pointers, 1)
}

func TestWriteAllowDegradedSuppressesTheErrorButStillTagsTheExtent(t *testing.T) {
	p, devs := newTestPipeline(t, 1, 2)
	devs.Add(&dyingDevice{id: 2})

	op := extent.NewOp(1, 0, []byte("some payload bytes"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 2,
	}, extent.WriteFlags{AllowDegraded: true})
	require.NoError(t, p.Write(context.Background(), op))

	it := p.Index.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	e := it.Next()
	require.NotNil(t, e)
	require.True(t, e.Degraded)
	require.Len(t, e.Pointers, 1)
}

func TestWriteRecordsReplicaSetPresenceAndCommittedExtentTier(t *testing.T) {
	p, _ := newTestPipeline(t, 101, 102)
	label := metrics.ReplicaSetLabel([]extent.Pointer{{Device: 101}, {Device: 102}})
	before := testutil.ToFloat64(metrics.ReplicaSetPresence.WithLabelValues(label))
	beforeUncompressed := testutil.ToFloat64(metrics.ExtentsByTierUncompressed.WithLabelValues("fast"))

	op := extent.NewOp(1, 0, []byte("replica set presence payload"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 2,
	}, extent.WriteFlags{})
	require.NoError(t, p.Write(context.Background(), op))

	require.Equal(t, before+1, testutil.ToFloat64(metrics.ReplicaSetPresence.WithLabelValues(label)))
	require.Equal(t, beforeUncompressed+1, testutil.ToFloat64(metrics.ExtentsByTierUncompressed.WithLabelValues("fast")))
}

func TestWriteNoMarkReplicasSuppressesPresenceRecording(t *testing.T) {
	p, _ := newTestPipeline(t, 103)
	label := metrics.ReplicaSetLabel([]extent.Pointer{{Device: 103}})
	before := testutil.ToFloat64(metrics.ReplicaSetPresence.WithLabelValues(label))

	op := extent.NewOp(1, 0, []byte("no mark replicas payload"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 1,
	}, extent.WriteFlags{NoMarkReplicas: true})
	require.NoError(t, p.Write(context.Background(), op))

	require.Equal(t, before, testutil.ToFloat64(metrics.ReplicaSetPresence.WithLabelValues(label)), "nomark_replicas must suppress replica-set presence recording")
}

func TestWriteOnSubmitFailurePartwayOnlyInsertsChunksThatActuallyLanded(t *testing.T) {
	p, _ := newTestPipeline(t, 2)
	p.Devices.Add(&flakyDevice{id: 2, failAfter: 1}) // second SubmitBio call onward fails
	p.EncodedExtentMax = 10                          // force two 10-byte chunks

	op := extent.NewOp(1, 0, make([]byte, 20), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 1, Devs: []extent.DeviceID{2},
	}, extent.WriteFlags{})

	err := p.Write(context.Background(), op)
	require.Error(t, err)

	it := p.Index.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	var keys []*extent.Extent
	for e := it.Next(); e != nil; e = it.Next() {
		keys = append(keys, e)
	}
	require.Len(t, keys, 1, "only the chunk whose replica write actually succeeded may be committed")
	require.EqualValues(t, 0, keys[0].Start)
	require.EqualValues(t, 10, keys[0].End)
}

func TestPreEncodedShortcutAdvancesByCompressedAndLiveSizesIndependently(t *testing.T) {
	p, _ := newTestPipeline(t, 1, 2)

	// A single pre-encoded chunk whose on-wire (compressed) size, full
	// uncompressed size, and live logical size are all different — the
	// shape the move engine's pre-encoded writes actually have.
	encoded := make([]byte, 10)
	op := extent.NewOp(1, 0, encoded, extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Compression: extent.CompressionLZ4, Replicas: 1,
	}, extent.WriteFlags{DataEncoded: true, PagesStable: true, PagesOwned: true})
	crc := extent.CRCDescriptor{
		CompressedSize: 10, UncompressedSize: 8, LiveSize: 4,
		ChecksumType: extent.ChecksumCRC32C, CompressionType: extent.CompressionLZ4,
	}
	op.PresetCRC = &crc
	op.Version = 1

	var scratch []*bounce.Buffer
	require.NoError(t, p.encodeLoop(context.Background(), op, &scratch))
	require.Len(t, op.Pending, 1, "the whole 10-byte encoded buffer must be consumed in one shortcut iteration")
	require.EqualValues(t, 0, op.Pending[0].Start)
	require.EqualValues(t, 4, op.Pending[0].End, "the extent's logical end must advance by live_size, not compressed_size or uncompressed_size")
}

package move

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pneumaticat/bcachefs-go/alloc"
	"github.com/pneumaticat/bcachefs-go/bounce"
	"github.com/pneumaticat/bcachefs-go/device"
	"github.com/pneumaticat/bcachefs-go/extent"
	"github.com/pneumaticat/bcachefs-go/extentindex"
	"github.com/pneumaticat/bcachefs-go/journal"
	"github.com/pneumaticat/bcachefs-go/ratelimit"
	"github.com/pneumaticat/bcachefs-go/write"
)

func newTestPass(t *testing.T, devIDs ...extent.DeviceID) (*write.Pipeline, *Pass, extentindex.Index) {
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
	wp := write.New(devs, al, idx, jrnl, bp, key, nil, 4096*4)
	lim := ratelimit.New(0)
	mp := New(idx, devs, bp, wp, lim, nil)
	return wp, mp, idx
}

func TestRunRereplicatesOntoNewDevice(t *testing.T) {
	wp, mp, idx := newTestPass(t, 1, 2)
	op := extent.NewOp(1, 0, []byte("payload that gets rereplicated"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 1, Devs: []extent.DeviceID{1},
	}, extent.WriteFlags{})
	require.NoError(t, wp.Write(context.Background(), op))

	// Target only device 2, distinct from the extent's current device 1,
	// so the write actually produces a new pointer to splice in rather
	// than reproducing the one already stored.
	stats, err := mp.Run(context.Background(), 1, 0, 1<<20, func(e *extent.Extent) bool { return true }, nil, []extent.DeviceID{2}, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.KeysMoved)
	require.Zero(t, stats.SectorsRaced)

	it := idx.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	e := it.Next()
	require.NotNil(t, e)
	require.GreaterOrEqual(t, len(e.Pointers), 2, "the move must have added at least one new replica")
}

func TestRunSkipsExtentsThePredicateRejects(t *testing.T) {
	wp, mp, idx := newTestPass(t, 1, 2)
	op := extent.NewOp(1, 0, []byte("should not move"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 1, Devs: []extent.DeviceID{1},
	}, extent.WriteFlags{})
	require.NoError(t, wp.Write(context.Background(), op))

	stats, err := mp.Run(context.Background(), 1, 0, 1<<20, func(e *extent.Extent) bool { return false }, nil, []extent.DeviceID{1, 2}, 0)
	require.NoError(t, err)
	require.Zero(t, stats.KeysMoved)

	it := idx.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	e := it.Next()
	require.Len(t, e.Pointers, 1, "an extent the predicate rejects must be left untouched")
}

func TestMigrateIndexUpdateAccountsRaceWhenSourcePointerGone(t *testing.T) {
	wp, mp, idx := newTestPass(t, 1, 2)
	op := extent.NewOp(1, 0, []byte("original"), extent.IOOptions{
		Checksum: extent.ChecksumCRC32C, Replicas: 1, Devs: []extent.DeviceID{1},
	}, extent.WriteFlags{})
	require.NoError(t, wp.Write(context.Background(), op))
	require.Len(t, op.Pending, 1)
	src := op.Pending[0]
	srcPtr := src.Pointers[0]

	// Simulate a concurrent foreground write that replaced this exact
	// key's pointers (same inode/start/version, so it lands on the same
	// tree entry) before the move's index-update runs: the source
	// pointer we read from is no longer present.
	raced := src.Clone()
	raced.Pointers = []extent.Pointer{{Device: 9, DeviceOffset: 12345}}
	require.NoError(t, idx.CompareAndSwap(src, raced))

	stats := &extent.MoveStats{}
	newKey := src.Clone()
	newKey.Pointers = []extent.Pointer{{Device: 2, DeviceOffset: 999}}
	require.NoError(t, mp.migrateIndexUpdate(context.Background(), newKey, src, srcPtr, nil, stats))

	require.Zero(t, stats.KeysMoved)
	require.NotZero(t, stats.SectorsRaced, "a concurrent foreground write replacing the source pointer must be accounted as raced, not silently dropped")
}

// TestRunWithBudgetSmallerThanWorkingSetDoesNotDeadlock exercises admission
// under a budget that cannot hold every candidate's read at once, including
// a budget smaller than any single candidate's own size — both cases that
// used to deadlock when admission and draining raced against each other in
// arbitrary goroutine-scheduling order instead of both proceeding in key
// order.
func TestRunWithBudgetSmallerThanWorkingSetDoesNotDeadlock(t *testing.T) {
	wp, mp, idx := newTestPass(t, 1, 2)
	for _, start := range []uint64{0, 100, 200, 300} {
		op := extent.NewOp(1, start, make([]byte, 20), extent.IOOptions{
			Checksum: extent.ChecksumCRC32C, Replicas: 1, Devs: []extent.DeviceID{1},
		}, extent.WriteFlags{})
		require.NoError(t, wp.Write(context.Background(), op))
	}

	// Budget of 8 bytes: smaller than any one candidate's 20-byte
	// UncompressedSize, and far smaller than the 80-byte working set.
	stats, err := mp.Run(context.Background(), 1, 0, 1<<20, func(e *extent.Extent) bool { return true }, nil, []extent.DeviceID{2}, 8)
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.KeysMoved, "every candidate must still be admitted and moved despite the tight budget")

	it := idx.IterOpen(1, 0, 1<<20)
	defer it.Unlock()
	var found int
	for e := it.Next(); e != nil; e = it.Next() {
		found++
		require.GreaterOrEqual(t, len(e.Pointers), 2, "every candidate must have been migrated onto device 2 despite the tight budget")
	}
	require.Equal(t, 4, found)
}

func TestHasPointerAndHasDevice(t *testing.T) {
	e := &extent.Extent{Pointers: []extent.Pointer{{Device: 1, DeviceOffset: 10}}}
	require.True(t, hasPointer(e, extent.Pointer{Device: 1, DeviceOffset: 10}))
	require.False(t, hasPointer(e, extent.Pointer{Device: 1, DeviceOffset: 11}))
	require.True(t, hasDevice(e.Pointers, 1))
	require.False(t, hasDevice(e.Pointers, 2))
}

func TestDropDevice(t *testing.T) {
	ptrs := []extent.Pointer{{Device: 1}, {Device: 2}, {Device: 3}}
	out := dropDevice(ptrs, 2)
	require.Len(t, out, 2)
	for _, p := range out {
		require.NotEqual(t, extent.DeviceID(2), p.Device)
	}
}

func TestPickSourcePointerChoosesLowestDeviceID(t *testing.T) {
	e := &extent.Extent{Pointers: []extent.Pointer{{Device: 5}, {Device: 2}, {Device: 9}}}
	p := pickSourcePointer(e)
	require.Equal(t, extent.DeviceID(2), p.Device)
}

func TestPickSourcePointerNilWhenNoPointers(t *testing.T) {
	require.Nil(t, pickSourcePointer(&extent.Extent{}))
}

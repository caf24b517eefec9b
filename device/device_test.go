package device

import (
	"context"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/pneumaticat/bcachefs-go/extent"
)

func TestMemDeviceWriteThenReadRoundTrip(t *testing.T) {
	d := NewMemDevice(1, Tier(0))
	payload := []byte("hello, sector")
	require.NoError(t, d.SubmitBio(context.Background(), &Bio{Sector: 10, Data: payload, IsWrite: true}))

	out := make([]byte, len(payload))
	require.NoError(t, d.SubmitBio(context.Background(), &Bio{Sector: 10, Data: out, IsWrite: false}))
	require.Equal(t, payload, out)
}

func TestMemDeviceWriteCopiesData(t *testing.T) {
	d := NewMemDevice(1, Tier(0))
	payload := []byte("original")
	require.NoError(t, d.SubmitBio(context.Background(), &Bio{Sector: 1, Data: payload, IsWrite: true}))

	// Mutating the caller's buffer after the write must not affect what
	// was stored — the device must have copied it.
	payload[0] = 'X'

	out := make([]byte, len("original"))
	require.NoError(t, d.SubmitBio(context.Background(), &Bio{Sector: 1, Data: out, IsWrite: false}))
	require.Equal(t, "original", string(out))
}

func TestMemDeviceDyingRejectsIO(t *testing.T) {
	d := NewMemDevice(1, Tier(0))
	d.SetDying(true)
	err := d.SubmitBio(context.Background(), &Bio{Sector: 0, Data: make([]byte, 4), IsWrite: true})
	require.ErrorIs(t, err, ErrDying)
}

func TestMemDeviceCorruptFlipsStoredByte(t *testing.T) {
	d := NewMemDevice(1, Tier(0))
	payload := []byte("abc")
	require.NoError(t, d.SubmitBio(context.Background(), &Bio{Sector: 0, Data: payload, IsWrite: true}))
	d.Corrupt(0)

	out := make([]byte, 3)
	require.NoError(t, d.SubmitBio(context.Background(), &Bio{Sector: 0, Data: out, IsWrite: false}))
	require.NotEqual(t, "abc", string(out))
}

func TestMemDeviceGenerationBump(t *testing.T) {
	d := NewMemDevice(1, Tier(0))
	gen0 := d.Generation()
	d.Bump()
	require.Greater(t, d.Generation(), gen0)
}

func TestLatencySampleConverges(t *testing.T) {
	clk := clock.NewMock()
	l := NewLatency(clk)
	require.Zero(t, l.Microseconds())

	l.Sample(1000)
	require.EqualValues(t, 1000, l.Microseconds())

	// A wildly different sample always updates (delta >= cur/2 bypasses
	// the probabilistic skip).
	l.Sample(100000)
	require.Greater(t, l.Microseconds(), int64(1000))
}

func TestSetLiveExcludesDying(t *testing.T) {
	s := NewSet()
	a := NewMemDevice(1, Tier(0))
	b := NewMemDevice(2, Tier(0))
	b.SetDying(true)
	s.Add(a)
	s.Add(b)

	live := s.Live()
	require.Len(t, live, 1)
	require.Equal(t, extent.DeviceID(1), live[0].ID())
}

func TestSubmitWithBreakerPropagatesDeviceError(t *testing.T) {
	d := NewMemDevice(42, Tier(0))
	d.FailNext()
	err := SubmitWithBreaker(context.Background(), d, &Bio{Sector: 0, Data: make([]byte, 1), IsWrite: true})
	require.Error(t, err)
}

func TestSubmitWithBreakerTracksIORef(t *testing.T) {
	d := NewMemDevice(7, Tier(0))
	require.NoError(t, SubmitWithBreaker(context.Background(), d, &Bio{Sector: 0, Data: []byte("x"), IsWrite: true}))
	require.EqualValues(t, 0, *d.IORef(), "IORef must be back to zero once the call returns")
}

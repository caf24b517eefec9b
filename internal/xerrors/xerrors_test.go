package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInfoPreservesSentinelIdentity(t *testing.T) {
	wrapped := Info(ErrChecksumMismatch, "device %d", 7)
	require.True(t, errors.Is(wrapped, ErrChecksumMismatch))
	require.Contains(t, wrapped.Error(), "device 7")
	require.Contains(t, wrapped.Error(), ErrChecksumMismatch.Error())
}

func TestInfoOnNilReturnsNil(t *testing.T) {
	require.Nil(t, Info(nil, "unreachable"))
}

func TestIsMatchesStandardErrorsIs(t *testing.T) {
	wrapped := Info(ErrRaced, "region %d-%d", 0, 10)
	require.True(t, Is(wrapped, ErrRaced))
	require.False(t, Is(wrapped, ErrOutOfSpace))
}

func TestDetailRendersMessage(t *testing.T) {
	wrapped := Info(ErrDeviceIO, "sector %d", 42)
	require.Equal(t, wrapped.Error(), Detail(wrapped))
	require.Equal(t, "", Detail(nil))
}

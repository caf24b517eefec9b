package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultProducesSaneTunables(t *testing.T) {
	c := Default()
	require.Equal(t, 7<<20, c.Bounce.EncodedExtentMax)
	require.Equal(t, 64, c.Bounce.PoolCapacity)
	require.Equal(t, 4096, c.Bounce.PageSize)
	require.Equal(t, 1, c.Write.ReplicationFactor)
	require.Equal(t, 3, c.Read.MaxRetries)
	require.True(t, c.Read.PromoteReads)
	require.True(t, c.Read.NarrowCRCs)
	require.Zero(t, c.Move.RateLimitBytesPerS)
	require.Equal(t, "info", c.LogLevel)
}

func TestLoadOverridesOnlySetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
write:
  replication_factor: 3
move:
  rate_limit_bytes_per_s: 1048576
`), 0644))

	c, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 3, c.Write.ReplicationFactor)
	require.Equal(t, float64(1048576), c.Move.RateLimitBytesPerS)

	// Untouched fields must still carry their defaults.
	require.Equal(t, 7<<20, c.Bounce.EncodedExtentMax)
	require.Equal(t, 3, c.Read.MaxRetries)
	require.Equal(t, "info", c.LogLevel)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

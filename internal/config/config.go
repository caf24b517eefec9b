// Package config decodes the data path's tunables, following the
// filesystem's own YAML-based module config style.
package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// Config holds every tunable the five components read at construction time.
// Fields are grouped by the component that owns them; none of this is
// persisted state (spec §6: "no persisted state is owned by the core").
type Config struct {
	Bounce struct {
		EncodedExtentMax int `yaml:"encoded_extent_max"` // bytes; pool-backed acquisition ceiling
		PoolCapacity     int `yaml:"pool_capacity"`      // buffers retained in the reserve pool
		PageSize         int `yaml:"page_size"`
	} `yaml:"bounce"`

	Write struct {
		ReplicationFactor int `yaml:"replication_factor"`
		MaxOpenExtent     int `yaml:"max_open_extent"` // bytes per chunk, bounded by write point free space
	} `yaml:"write"`

	Read struct {
		MaxRetries   int  `yaml:"max_retries"`
		PromoteReads bool `yaml:"promote_reads"`
		NarrowCRCs   bool `yaml:"narrow_crcs"`
	} `yaml:"read"`

	Move struct {
		InFlightByteBudget int64   `yaml:"in_flight_byte_budget"`
		RateLimitBytesPerS float64 `yaml:"rate_limit_bytes_per_s"`
	} `yaml:"move"`

	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration new filesystems are formatted with.
func Default() *Config {
	c := &Config{}
	c.Bounce.EncodedExtentMax = 7 << 20 // matches on-disk extent_max granularity
	c.Bounce.PoolCapacity = 64
	c.Bounce.PageSize = 4096
	c.Write.ReplicationFactor = 1
	c.Write.MaxOpenExtent = 1 << 20
	c.Read.MaxRetries = 3
	c.Read.PromoteReads = true
	c.Read.NarrowCRCs = true
	c.Move.InFlightByteBudget = 64 << 20
	c.Move.RateLimitBytesPerS = 0 // unlimited
	c.LogLevel = "info"
	return c
}

// Load reads and decodes a YAML config file, filling unset fields from
// Default.
func Load(path string) (*Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Package config loads the node's runtime configuration from an optional
// TOML file layered over built-in defaults, the way the teacher's repo
// layers datastore spec JSON over compiled-in defaults.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/dtn-radio/spore/pkg/wire"
)

// MaxMTU bounds the configurable MTU -- a link layer wider than this
// would no longer fit the chunk-sequence-number bookkeeping the chunker
// relies on.
const MaxMTU = 3 * 1024

// MinBlockSize is the smallest block size Config.Validate will accept;
// anything smaller spends more on per-block overhead than it carries.
const MinBlockSize = 128

// Config is the node's full runtime configuration. Every field can be
// set from a TOML file; any key the file omits keeps its Default value.
type Config struct {
	ListenAddress                string `toml:"listen_address"`
	RadioAddress                 string `toml:"radio_address"`
	StoragePath                  string `toml:"storage_path"`
	Datastore                    string `toml:"datastore"`
	MTU                          uint16 `toml:"mtu"`
	WindowSize                   uint32 `toml:"window_size"`
	BlockSize                    uint32 `toml:"block_size"`
	RetryTimeoutDurationMS       uint64 `toml:"retry_timeout_duration"`
	DiskUsageKiB                 uint64 `toml:"disk_usage"`
	ChatterMS                    uint32 `toml:"chatter_ms"`
	ShipperMaxRetries            uint8  `toml:"shipper_max_retries"`
	ShipperThrottlePacketDelayMS uint32 `toml:"shipper_throttle_packet_delay_ms"`
}

// Default returns the node's built-in configuration, matching what a
// node with no config file runs.
func Default() *Config {
	return &Config{
		ListenAddress:                "0.0.0.0:8001",
		StoragePath:                  "storage",
		Datastore:                    "filesystem",
		MTU:                          512,
		WindowSize:                   5,
		RetryTimeoutDurationMS:       120_000,
		DiskUsageKiB:                 1024 * 1024,
		ChatterMS:                    10_000,
		ShipperMaxRetries:            5,
		ShipperThrottlePacketDelayMS: 0,
	}
}

// Load builds a Config, starting from Default and overlaying path's TOML
// contents if path is non-empty. An empty BlockSize in the result is
// deduced from MTU and filled in, then the whole config is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.BlockSize == 0 {
		cfg.BlockSize = uint32(wire.FitSize(cfg.MTU))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the invariants Load relies on, so a hand-built Config
// (as tests do) gets the same guarantees a file-loaded one does.
func (c *Config) Validate() error {
	if c.MTU > MaxMTU {
		return fmt.Errorf("config: mtu %d exceeds maximum %d", c.MTU, MaxMTU)
	}
	if c.BlockSize < MinBlockSize {
		return fmt.Errorf("config: block_size %d below minimum %d", c.BlockSize, MinBlockSize)
	}
	if c.ChatterMS < 10 || c.ChatterMS > 3_600_000 {
		return fmt.Errorf("config: chatter_ms %d outside [10, 3600000]", c.ChatterMS)
	}
	switch c.Datastore {
	case "filesystem", "flatfs", "leveldb":
	default:
		return fmt.Errorf("config: unknown datastore %q", c.Datastore)
	}
	return nil
}

// DiskUsageBytes converts the configured disk budget from kiB to bytes,
// the unit store.Provider wants.
func (c *Config) DiskUsageBytes() uint64 {
	return c.DiskUsageKiB * 1024
}

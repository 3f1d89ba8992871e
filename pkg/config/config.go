package config

import (
	"encoding/hex"
	"fmt"
)

// Environment variable names for scanner configuration
const (
	EnvScannerBackend       = "LIGHTSCAN_BACKEND"
	EnvScannerDataDir       = "LIGHTSCAN_DATA_DIR"
	EnvScannerRedisAddress  = "LIGHTSCAN_REDIS_ADDRESS"
	EnvScannerRedisPassword = "LIGHTSCAN_REDIS_PASSWORD"
	EnvScannerRedisDB       = "LIGHTSCAN_REDIS_DB"
	EnvScannerSeed          = "LIGHTSCAN_VIEWING_SEED"
	EnvScannerAccounts      = "LIGHTSCAN_ACCOUNTS"
	EnvScannerPruneDepth    = "LIGHTSCAN_PRUNE_DEPTH"
	EnvScannerVerbose       = "LIGHTSCAN_VERBOSE"
)

// Backend selects the persistence implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendBadger Backend = "badger"
	BackendRedis  Backend = "redis"
)

func (b Backend) String() string {
	return string(b)
}

// ScannerConfig represents the complete configuration for the scanning
// process.
type ScannerConfig struct {
	// Persistence backend selection
	Backend Backend `json:"backend"`
	DataDir string  `json:"data_dir"` // badger only

	// Redis connection (redis backend only)
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password,omitempty"`
	RedisDB       int    `json:"redis_db"`

	// Key material
	SeedHex  string `json:"seed_hex"` // 32-byte hex seed the viewing keys derive from
	Accounts uint32 `json:"accounts"` // number of sequential accounts to track

	// Scanning behavior
	PruneDepth      uint64 `json:"prune_depth"`
	CheckInvariants bool   `json:"check_invariants"`

	// Operational settings
	Verbose bool `json:"verbose"`
}

// Seed decodes the configured hex seed.
func (c *ScannerConfig) Seed() ([32]byte, error) {
	var seed [32]byte
	raw, err := hex.DecodeString(c.SeedHex)
	if err != nil {
		return seed, fmt.Errorf("invalid viewing seed: %w", err)
	}
	if len(raw) != 32 {
		return seed, fmt.Errorf("viewing seed must be 32 bytes, got %d", len(raw))
	}
	copy(seed[:], raw)
	return seed, nil
}

// Validate validates the scanner configuration.
func (c *ScannerConfig) Validate() error {
	switch c.Backend {
	case BackendMemory:
	case BackendBadger:
		if c.DataDir == "" {
			return fmt.Errorf("data directory is required for the badger backend")
		}
	case BackendRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("redis address is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported backend: %s (expected: %s, %s or %s)",
			c.Backend, BackendMemory, BackendBadger, BackendRedis)
	}

	if c.Accounts == 0 {
		return fmt.Errorf("at least one account must be tracked")
	}
	if _, err := c.Seed(); err != nil {
		return err
	}
	return nil
}

package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *ScannerConfig {
	return &ScannerConfig{
		Backend:  BackendBadger,
		DataDir:  "/tmp/lightscan",
		SeedHex:  strings.Repeat("ab", 32),
		Accounts: 2,
	}
}

func TestScannerConfig_Validate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	memCfg := validConfig()
	memCfg.Backend = BackendMemory
	memCfg.DataDir = ""
	assert.NoError(t, memCfg.Validate())
}

func TestScannerConfig_Validate_Rejections(t *testing.T) {
	cfg := validConfig()
	cfg.Backend = "postgres"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.DataDir = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Backend = BackendRedis
	cfg.RedisAddress = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Accounts = 0
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.SeedHex = "abcd"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.SeedHex = "zz" + strings.Repeat("ab", 31)
	assert.Error(t, cfg.Validate())
}

func TestScannerConfig_Seed(t *testing.T) {
	cfg := validConfig()
	seed, err := cfg.Seed()
	require.NoError(t, err)
	assert.Equal(t, byte(0xab), seed[0])
	assert.Equal(t, byte(0xab), seed[31])
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	mutations := map[string]func(*Config){
		"empty dsn":         func(c *Config) { c.Database.DSN = "" },
		"zero open conns":   func(c *Config) { c.Database.MaxOpenConns = 0 },
		"empty listen":      func(c *Config) { c.API.ListenAddress = "" },
		"zero claim limit":  func(c *Config) { c.API.MaxClaimLimit = 0 },
		"zero return size":  func(c *Config) { c.API.MaxReturnSize = 0 },
		"zero heartbeat":    func(c *Config) { c.Heartbeat.Period = 0 },
		"zero max missed":   func(c *Config) { c.Heartbeat.MaxMissed = 0 },
		"zero service tick": func(c *Config) { c.Services.Period = 0 },
		"zero parallelism":  func(c *Config) { c.Services.MaxParallel = 0 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qcfabric.yaml")
	require.NoError(t, WriteDefault(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	// A second write must not clobber the existing file
	assert.Error(t, WriteDefault(path))
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qcfabric.yaml")
	content := []byte("api:\n  listen_address: \":9999\"\nheartbeat:\n  period: 1m\n  max_missed: 3\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.API.ListenAddress)
	assert.Equal(t, time.Minute, cfg.Heartbeat.Period)
	// Unset keys keep their defaults
	assert.Equal(t, Default().API.MaxClaimLimit, cfg.API.MaxClaimLimit)
}

func TestHeartbeatCutoff(t *testing.T) {
	cfg := &Config{Heartbeat: HeartbeatConfig{Period: 30 * time.Second, MaxMissed: 5}}
	assert.Equal(t, 150*time.Second, cfg.HeartbeatCutoff())
}

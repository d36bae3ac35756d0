package lwm2m

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 2*time.Second, cfg.AckTimeout)
	assert.Equal(t, 4, cfg.MaxRetransmit)
	assert.Equal(t, 247*time.Second, cfg.ExchangeLifetime)
	assert.Equal(t, uint32(1024), cfg.BlockSize)

	tc := cfg.transaction()
	assert.Equal(t, cfg.SeparateTimeout, tc.SeparateTimeout)
	assert.Equal(t, cfg.MaxPayload, tc.MaxPayload)
}

func TestConfigValidate(t *testing.T) {
	tests := []func(*Config){
		func(c *Config) { c.Scheme = "http" },
		func(c *Config) { c.AckTimeout = 0 },
		func(c *Config) { c.AckRandomFactor = 0.5 },
		func(c *Config) { c.MaxRetransmit = -1 },
		func(c *Config) { c.NonLifetime = 0 },
		func(c *Config) { c.BlockSize = 100 },
		func(c *Config) { c.MaxPayload = 16 },
		func(c *Config) { c.Observe.NotifyRate = -1 },
	}
	for i, f := range tests {
		cfg := DefaultConfig()
		f(&cfg)
		assert.Error(t, cfg.Validate(), "case%d", i)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lwm2m.yaml")
	data := []byte(`
ack_timeout: 3s
max_retransmit: 2
block_size: 256
observe:
  confirmable: true
  notify_rate: 5
log:
  level: debug
  rotate:
    mode: size
`)
	require.NoError(t, os.WriteFile(path, data, 0644))
	t.Setenv("LWM2M_BLOCK_SIZE", "512")
	t.Setenv("LWM2M_OBSERVE_NOTIFY_BURST", "3")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.AckTimeout)
	assert.Equal(t, 2, cfg.MaxRetransmit)
	assert.Equal(t, uint32(512), cfg.BlockSize)
	assert.True(t, cfg.Observe.Confirmable)
	assert.Equal(t, 5.0, cfg.Observe.NotifyRate)
	assert.Equal(t, 3, cfg.Observe.NotifyBurst)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "size", cfg.Log.Rotate.Mode)
	assert.Equal(t, 145*time.Second, cfg.NonLifetime)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("block_size: 100\n"), 0644))
	_, err = LoadConfig(path)
	assert.Error(t, err)

	t.Setenv("LWM2M_MAX_RETRANSMIT", "many")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

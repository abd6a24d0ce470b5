package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Runtime.StartTimeout.Std())
	assert.Equal(t, 2*time.Second, cfg.Runtime.MaxLoopExecuteTime.Std())
	assert.True(t, cfg.Metrics.Enabled)
	assert.False(t, cfg.Database.Enabled)
}

func TestRuntimeConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *RuntimeConfig)
	}{
		{"unknown log level", func(c *RuntimeConfig) { c.Runtime.LogLevel = "loud" }},
		{"negative pool size", func(c *RuntimeConfig) { c.Runtime.WorkerPoolSize = -1 }},
		{"negative shutdown timeout", func(c *RuntimeConfig) { c.Runtime.ShutdownTimeout = Duration(-time.Second) }},
		{"unknown exporter", func(c *RuntimeConfig) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "carrier-pigeon"
		}},
		{"sample rate above one", func(c *RuntimeConfig) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
		{"events without url", func(c *RuntimeConfig) {
			c.Events.Enabled = true
			c.Events.URL = ""
		}},
		{"database without dsn", func(c *RuntimeConfig) { c.Database.Enabled = true }},
		{"unknown driver", func(c *RuntimeConfig) {
			c.Database.Enabled = true
			c.Database.DSN = "file::memory:"
			c.Database.Driver = "oracle"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestRuntimeConfig_NegativePhaseTimeoutAllowed(t *testing.T) {
	cfg := Default()
	// negative disables the phase deadline
	cfg.Runtime.StartTimeout = Duration(-1)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRuntimeConfig(t *testing.T) {
	path := writeFile(t, "fluxor.yaml", `
runtime:
  log_level: debug
  start_timeout: 5s
http:
  enabled: true
  addr: ":8081"
database:
  enabled: true
  driver: sqlite3
  dsn: "file::memory:?cache=shared"
`)
	t.Setenv("FLUXOR_RUNTIME_STOP_TIMEOUT", "7s")
	t.Setenv("FLUXOR_INSPECTOR_ENABLED", "false")

	cfg, err := LoadRuntimeConfig(path, EnvPrefix)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Runtime.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.Runtime.StartTimeout.Std())
	assert.Equal(t, 7*time.Second, cfg.Runtime.StopTimeout.Std())
	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, ":8081", cfg.HTTP.Addr)
	assert.False(t, cfg.Inspector.Enabled)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	// untouched sections keep their defaults
	assert.Equal(t, 10, cfg.Runtime.WorkerPoolSize)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
}

func TestLoadRuntimeConfig_NoFile(t *testing.T) {
	t.Setenv("FLUXOR_HTTP_ENABLED", "true")

	cfg, err := LoadRuntimeConfig("", EnvPrefix)
	require.NoError(t, err)
	assert.True(t, cfg.HTTP.Enabled)
}

func TestLoadRuntimeConfig_Invalid(t *testing.T) {
	path := writeFile(t, "fluxor.yaml", "database:\n  enabled: true\n")
	_, err := LoadRuntimeConfig(path, EnvPrefix)
	assert.Error(t, err)

	_, err = LoadRuntimeConfig(filepath.Join(t.TempDir(), "nope.yaml"), EnvPrefix)
	assert.Error(t, err)
}

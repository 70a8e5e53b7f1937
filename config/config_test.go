package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		envListenAddr, envEnginePath, envLoadTimeout, envLogLevel, envLogFormat,
		envMemoryLimitPages, envDiskCache, envCacheDir, envMaxConnections,
		envAcceptRate, envAcceptBurst, envPingInterval, envReadLimit, envAllowedOrigins,
		envWriteTimeout, envShutdownTimeout,
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.LoadTimeout)
	assert.True(t, cfg.DiskCache)
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "psprelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: 127.0.0.1:9000
engine_path: /srv/engine.wasm
load_timeout: 5s
log_level: debug
log_format: console
memory_limit_pages: 1024
disk_cache: false
max_connections: 100
accept_rate: 20
accept_burst: 40
ping_interval: 15s
allowed_origins:
  - https://example.com
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, "/srv/engine.wasm", cfg.EnginePath)
	assert.Equal(t, 5*time.Second, cfg.LoadTimeout)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, uint32(1024), cfg.MemoryLimitPages)
	assert.False(t, cfg.DiskCache)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.Equal(t, 20.0, cfg.AcceptRate)
	assert.Equal(t, 40, cfg.AcceptBurst)
	assert.Equal(t, 15*time.Second, cfg.PingInterval)
	assert.Equal(t, []string{"https://example.com"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(defaultReadLimit), cfg.ReadLimit, "unset keys keep defaults")
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "psprelay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: :7000\nload_timeout: 5s\n"), 0o644))

	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envLoadTimeout, "250ms")
	t.Setenv(envDiskCache, "false")
	t.Setenv(envMemoryLimitPages, "256")
	t.Setenv(envAllowedOrigins, "https://a.example, https://b.example")
	t.Setenv(envWriteTimeout, "3s")
	t.Setenv(envShutdownTimeout, "45s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.LoadTimeout)
	assert.False(t, cfg.DiskCache)
	assert.Equal(t, uint32(256), cfg.MemoryLimitPages)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		clearEnv(t)
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("load_timeout: [\n"), 0o644))
		_, err := Load(path)
		assert.Error(t, err)
	})

	t.Run("bad env values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(envLoadTimeout, "soon")
		t.Setenv(envDiskCache, "maybe")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), envLoadTimeout)
		assert.Contains(t, err.Error(), envDiskCache)
	})

	t.Run("invalid values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv(envLogFormat, "xml")
		t.Setenv(envLogLevel, "loud")
		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log_format")
		assert.Contains(t, err.Error(), "log_level")
	})
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"info", zapcore.InfoLevel},
		{"warn", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"invalid", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.input), "ParseLogLevel(%q)", tt.input)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, zapcore.InfoLevel, "json")

	logger.Info("test message")
	logger.Debug("filtered")
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry), "output: %s", buf.String())
	assert.Equal(t, "test message", entry["msg"])
	assert.Equal(t, "info", entry["level"])
}

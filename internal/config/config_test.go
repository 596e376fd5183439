package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Port)
	assert.Equal(t, "memory", cfg.StorageBackend)
	assert.Equal(t, "http", cfg.DispatchTransport)
	assert.Equal(t, 3, cfg.DefaultMaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoffInitial)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:3000"}, cfg.CORSOrigins)
	assert.False(t, cfg.TracingEnabled)
	assert.Equal(t, "json", cfg.LogFormat)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("OPSCORE_PORT", "9090")
	t.Setenv("OPSCORE_STORAGE_BACKEND", "Redis")
	t.Setenv("OPSCORE_REDIS_URL", "redis://cache:6379/2")
	t.Setenv("OPSCORE_REDIS_DB", "4")
	t.Setenv("OPSCORE_DISPATCH_TRANSPORT", "nats")
	t.Setenv("OPSCORE_DISPATCH_TIMEOUT", "5s")
	t.Setenv("OPSCORE_DEFAULT_MAX_RETRIES", "0")
	t.Setenv("OPSCORE_MAX_DISPATCH_RATE", "2.5")
	t.Setenv("OPSCORE_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("OPSCORE_TRACING_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis", cfg.StorageBackend)
	assert.Equal(t, "redis://cache:6379/2", cfg.RedisURL)
	assert.Equal(t, 4, cfg.RedisDB)
	assert.Equal(t, "nats", cfg.DispatchTransport)
	assert.Equal(t, 5*time.Second, cfg.DispatchTimeout)
	assert.Equal(t, 0, cfg.DefaultMaxRetries)
	assert.Equal(t, 2.5, cfg.MaxDispatchRate)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.True(t, cfg.TracingEnabled)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opscore.yaml")
	content := `
port: "8081"
sender_id: core-eu
busy_requeue_delay: 750ms
cors_origins:
  - https://one.example
  - https://two.example
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("OPSCORE_CONFIG", path)
	t.Setenv("OPSCORE_SENDER_ID", "core-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "core-env", cfg.SenderID, "environment overrides the file")
	assert.Equal(t, 750*time.Millisecond, cfg.BusyRequeueDelay)
	assert.Equal(t, []string{"https://one.example", "https://two.example"}, cfg.CORSOrigins)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("OPSCORE_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]struct {
		key, value string
	}{
		"storage backend":    {"OPSCORE_STORAGE_BACKEND", "postgres"},
		"dispatch transport": {"OPSCORE_DISPATCH_TRANSPORT", "carrier-pigeon"},
		"negative retries":   {"OPSCORE_DEFAULT_MAX_RETRIES", "-1"},
		"sample rate":        {"OPSCORE_TRACING_SAMPLE_RATE", "1.5"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

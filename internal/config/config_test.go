package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docbatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 5, cfg.Queue.Concurrency)
	assert.Equal(t, 60, cfg.Queue.RequestsPerMinute)
	assert.Equal(t, 10, cfg.Queue.BurstCapacity)
	assert.Equal(t, 200*time.Millisecond, cfg.Queue.ChunkDelay)
	assert.Equal(t, 200, cfg.Queue.MaxBulkFiles)
	assert.Equal(t, 50, cfg.Queue.MaxSyncFiles)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Retry.MaxDelay)
	assert.Equal(t, 10, cfg.Circuit.FailureThreshold)
	assert.Equal(t, int64(10<<20), cfg.Storage.MaxFileSize())
	assert.Equal(t, []string{".pdf", ".png", ".jpg", ".jpeg"}, cfg.Storage.AllowedExtensions)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
queue:
  concurrency: 8
  chunk_delay: 50ms
  job_retention: 2h
retry:
  base_delay: 500ms
storage:
  allowed_extensions: [".pdf"]
logging:
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 8, cfg.Queue.Concurrency)
	assert.Equal(t, 50*time.Millisecond, cfg.Queue.ChunkDelay)
	assert.Equal(t, 2*time.Hour, cfg.Queue.JobRetention)
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, []string{".pdf"}, cfg.Storage.AllowedExtensions)
	assert.Equal(t, "json", cfg.Logging.Format)

	// Untouched sections keep their defaults.
	assert.Equal(t, 60, cfg.Queue.RequestsPerMinute)
	assert.Equal(t, 60*time.Second, cfg.Circuit.RecoveryTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "queue:\n  concurrency: 8\n")
	t.Setenv("DOCBATCH_CONCURRENCY", "2")
	t.Setenv("DOCBATCH_CHUNK_DELAY", "1s")
	t.Setenv("DOCBATCH_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("DOCBATCH_MAX_RETRIES", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Queue.Concurrency)
	assert.Equal(t, time.Second, cfg.Queue.ChunkDelay)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 3, cfg.Retry.MaxRetries, "unparsable values fall back")
}

func TestLoad_Errors(t *testing.T) {
	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.ErrorIs(t, err, os.ErrNotExist)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		_, err := Load(writeConfig(t, "queue: [unclosed"))
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero concurrency", func(c *Config) { c.Queue.Concurrency = 0 }},
		{"zero rpm", func(c *Config) { c.Queue.RequestsPerMinute = 0 }},
		{"zero burst", func(c *Config) { c.Queue.BurstCapacity = 0 }},
		{"zero sync files", func(c *Config) { c.Queue.MaxSyncFiles = 0 }},
		{"negative chunk delay", func(c *Config) { c.Queue.ChunkDelay = -time.Second }},
		{"negative retries", func(c *Config) { c.Retry.MaxRetries = -1 }},
		{"max below base", func(c *Config) { c.Retry.MaxDelay = time.Millisecond }},
		{"zero threshold", func(c *Config) { c.Circuit.FailureThreshold = 0 }},
		{"no extensions", func(c *Config) { c.Storage.AllowedExtensions = nil }},
		{"no database", func(c *Config) { c.Database.Path = "" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("DefaultIsValid", func(t *testing.T) {
		cfg := Default()
		assert.NoError(t, cfg.Validate())
	})
}

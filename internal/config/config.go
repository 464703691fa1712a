// Package config loads the service configuration from an optional YAML file
// layered over defaults, then applies DOCBATCH_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Queue     QueueConfig     `yaml:"queue"`
	Retry     RetryConfig     `yaml:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// QueueConfig sizes the batch queue and its shared rate limiter.
type QueueConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	BurstCapacity     int           `yaml:"burst_capacity"`
	ChunkSize         int           `yaml:"chunk_size"`
	ChunkDelay        time.Duration `yaml:"chunk_delay"`
	MaxBulkFiles      int           `yaml:"max_bulk_files"`
	MaxSyncFiles      int           `yaml:"max_sync_files"`
	JobRetention      time.Duration `yaml:"job_retention"`
}

// RetryConfig holds the backoff policy of the extraction calls.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxJitter  time.Duration `yaml:"max_jitter"`
}

// CircuitConfig holds circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	HalfOpenMax      int           `yaml:"half_open_max"`
}

// StorageConfig holds upload storage settings
type StorageConfig struct {
	UploadDir         string   `yaml:"upload_dir"`
	MaxFileSizeMB     int      `yaml:"max_file_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// MaxFileSize returns the upload size limit in bytes.
func (s StorageConfig) MaxFileSize() int64 {
	return int64(s.MaxFileSizeMB) << 20
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ExtractorConfig points at the external extraction provider.
type ExtractorConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig selects the log level and output format (console or json).
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			AllowedOrigins:  []string{"*"},
			SweepInterval:   time.Hour,
			ShutdownTimeout: 10 * time.Second,
		},
		Queue: QueueConfig{
			Concurrency:       5,
			RequestsPerMinute: 60,
			BurstCapacity:     10,
			ChunkSize:         10,
			ChunkDelay:        200 * time.Millisecond,
			MaxBulkFiles:      200,
			MaxSyncFiles:      50,
			JobRetention:      24 * time.Hour,
		},
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  time.Second,
			MaxDelay:   30 * time.Second,
			MaxJitter:  time.Second,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 10,
			RecoveryTimeout:  60 * time.Second,
			HalfOpenMax:      3,
		},
		Storage: StorageConfig{
			UploadDir:         "./uploads",
			MaxFileSizeMB:     10,
			AllowedExtensions: []string{".pdf", ".png", ".jpg", ".jpeg"},
		},
		Database: DatabaseConfig{
			Path: "./documents.db",
		},
		Extractor: ExtractorConfig{
			URL:     "http://localhost:9000/extract",
			Timeout: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("DOCBATCH_ADDR", c.Server.Addr)
	c.Server.AllowedOrigins = getEnvAsList("DOCBATCH_ALLOWED_ORIGINS", c.Server.AllowedOrigins)
	c.Server.SweepInterval = getEnvAsDuration("DOCBATCH_SWEEP_INTERVAL", c.Server.SweepInterval)
	c.Server.ShutdownTimeout = getEnvAsDuration("DOCBATCH_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)

	c.Queue.Concurrency = getEnvAsInt("DOCBATCH_CONCURRENCY", c.Queue.Concurrency)
	c.Queue.RequestsPerMinute = getEnvAsInt("DOCBATCH_REQUESTS_PER_MINUTE", c.Queue.RequestsPerMinute)
	c.Queue.BurstCapacity = getEnvAsInt("DOCBATCH_BURST_CAPACITY", c.Queue.BurstCapacity)
	c.Queue.ChunkSize = getEnvAsInt("DOCBATCH_CHUNK_SIZE", c.Queue.ChunkSize)
	c.Queue.ChunkDelay = getEnvAsDuration("DOCBATCH_CHUNK_DELAY", c.Queue.ChunkDelay)
	c.Queue.MaxBulkFiles = getEnvAsInt("DOCBATCH_MAX_BULK_FILES", c.Queue.MaxBulkFiles)
	c.Queue.MaxSyncFiles = getEnvAsInt("DOCBATCH_MAX_SYNC_FILES", c.Queue.MaxSyncFiles)
	c.Queue.JobRetention = getEnvAsDuration("DOCBATCH_JOB_RETENTION", c.Queue.JobRetention)

	c.Retry.MaxRetries = getEnvAsInt("DOCBATCH_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.BaseDelay = getEnvAsDuration("DOCBATCH_RETRY_BASE_DELAY", c.Retry.BaseDelay)
	c.Retry.MaxDelay = getEnvAsDuration("DOCBATCH_RETRY_MAX_DELAY", c.Retry.MaxDelay)

	c.Circuit.FailureThreshold = getEnvAsInt("DOCBATCH_CIRCUIT_FAILURE_THRESHOLD", c.Circuit.FailureThreshold)
	c.Circuit.RecoveryTimeout = getEnvAsDuration("DOCBATCH_CIRCUIT_RECOVERY_TIMEOUT", c.Circuit.RecoveryTimeout)

	c.Storage.UploadDir = getEnv("DOCBATCH_UPLOAD_DIR", c.Storage.UploadDir)
	c.Storage.MaxFileSizeMB = getEnvAsInt("DOCBATCH_MAX_FILE_SIZE_MB", c.Storage.MaxFileSizeMB)

	c.Database.Path = getEnv("DOCBATCH_DB_PATH", c.Database.Path)

	c.Extractor.URL = getEnv("DOCBATCH_EXTRACTOR_URL", c.Extractor.URL)
	c.Extractor.APIKey = getEnv("DOCBATCH_EXTRACTOR_API_KEY", c.Extractor.APIKey)
	c.Extractor.Timeout = getEnvAsDuration("DOCBATCH_EXTRACTOR_TIMEOUT", c.Extractor.Timeout)

	c.Logging.Level = getEnv("DOCBATCH_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("DOCBATCH_LOG_FORMAT", c.Logging.Format)
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Addr == "":
		return fmt.Errorf("%w: server.addr is required", ErrInvalidConfig)
	case c.Queue.Concurrency < 1:
		return fmt.Errorf("%w: queue.concurrency must be at least 1", ErrInvalidConfig)
	case c.Queue.RequestsPerMinute < 1:
		return fmt.Errorf("%w: queue.requests_per_minute must be at least 1", ErrInvalidConfig)
	case c.Queue.BurstCapacity < 1:
		return fmt.Errorf("%w: queue.burst_capacity must be at least 1", ErrInvalidConfig)
	case c.Queue.ChunkSize < 1:
		return fmt.Errorf("%w: queue.chunk_size must be at least 1", ErrInvalidConfig)
	case c.Queue.ChunkDelay < 0:
		return fmt.Errorf("%w: queue.chunk_delay cannot be negative", ErrInvalidConfig)
	case c.Queue.MaxBulkFiles < 1:
		return fmt.Errorf("%w: queue.max_bulk_files must be at least 1", ErrInvalidConfig)
	case c.Queue.MaxSyncFiles < 1:
		return fmt.Errorf("%w: queue.max_sync_files must be at least 1", ErrInvalidConfig)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("%w: retry.max_retries cannot be negative", ErrInvalidConfig)
	case c.Retry.BaseDelay <= 0:
		return fmt.Errorf("%w: retry.base_delay must be positive", ErrInvalidConfig)
	case c.Retry.MaxDelay < c.Retry.BaseDelay:
		return fmt.Errorf("%w: retry.max_delay must not be below retry.base_delay", ErrInvalidConfig)
	case c.Circuit.FailureThreshold < 1:
		return fmt.Errorf("%w: circuit.failure_threshold must be at least 1", ErrInvalidConfig)
	case c.Circuit.HalfOpenMax < 1:
		return fmt.Errorf("%w: circuit.half_open_max must be at least 1", ErrInvalidConfig)
	case c.Storage.UploadDir == "":
		return fmt.Errorf("%w: storage.upload_dir is required", ErrInvalidConfig)
	case c.Storage.MaxFileSizeMB < 1:
		return fmt.Errorf("%w: storage.max_file_size_mb must be at least 1", ErrInvalidConfig)
	case len(c.Storage.AllowedExtensions) == 0:
		return fmt.Errorf("%w: storage.allowed_extensions cannot be empty", ErrInvalidConfig)
	case c.Database.Path == "":
		return fmt.Errorf("%w: database.path is required", ErrInvalidConfig)
	case c.Extractor.URL == "":
		return fmt.Errorf("%w: extractor.url is required", ErrInvalidConfig)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("%w: logging.format must be console or json, got %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// Package config loads engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sendable-ai/relayq/internal/logger"
)

// Config holds all engine configuration.
type Config struct {
	Environment string
	QueueName   string

	Redis RedisConfig

	DefaultMaxAttempts   int
	DefaultBackoffBaseMs int64

	PollInterval         time.Duration
	QueueHealthInterval  time.Duration
	WorkerHealthInterval time.Duration
	StalledThreshold     time.Duration
	ShutdownDeadline     time.Duration

	CircuitBreakerFailureThreshold int
	CircuitBreakerResetTimeout     time.Duration

	ResultSuccessTTL time.Duration
	ResultFailureTTL time.Duration

	CleanupSchedule string

	HTTPAddr        string
	AlertWebhookURL string

	EnableQueueTests bool

	Logging *logger.Config
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Load reads configuration from environment variables with sane defaults
// for local development.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		QueueName:   getEnv("QUEUE_NAME", "relayq"),

		Redis: RedisConfig{
			URL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: getEnvAsInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},

		DefaultMaxAttempts:   getEnvAsInt("DEFAULT_MAX_ATTEMPTS", 3),
		DefaultBackoffBaseMs: int64(getEnvAsInt("DEFAULT_BACKOFF_BASE_MS", 2000)),

		PollInterval:         getEnvAsDuration("POLL_INTERVAL", 5*time.Second),
		QueueHealthInterval:  getEnvAsDuration("QUEUE_HEALTH_INTERVAL", 30*time.Second),
		WorkerHealthInterval: getEnvAsDuration("WORKER_HEALTH_INTERVAL", 60*time.Second),
		StalledThreshold:     getEnvAsDuration("STALLED_THRESHOLD", 120*time.Second),
		ShutdownDeadline:     getEnvAsDuration("SHUTDOWN_DEADLINE", 30*time.Second),

		CircuitBreakerFailureThreshold: getEnvAsInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5),
		CircuitBreakerResetTimeout:     getEnvAsDuration("CIRCUIT_BREAKER_RESET_TIMEOUT", 60*time.Second),

		ResultSuccessTTL: getEnvAsDuration("RESULT_SUCCESS_TTL", 1*time.Hour),
		ResultFailureTTL: getEnvAsDuration("RESULT_FAILURE_TTL", 24*time.Hour),

		CleanupSchedule: getEnv("CLEANUP_SCHEDULE", "0 */6 * * *"),

		HTTPAddr:        getEnv("HTTP_ADDR", ":9090"),
		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		EnableQueueTests: getEnvAsBool("ENABLE_QUEUE_TESTS", false),

		Logging: loadLoggingConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would make the engine misbehave at runtime.
func (c *Config) Validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}
	if c.DefaultMaxAttempts < 1 {
		return fmt.Errorf("DEFAULT_MAX_ATTEMPTS must be at least 1, got %d", c.DefaultMaxAttempts)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	if c.CircuitBreakerFailureThreshold < 1 {
		return fmt.Errorf("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be at least 1, got %d", c.CircuitBreakerFailureThreshold)
	}
	return c.Logging.Validate()
}

// IsProduction reports whether the engine runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func loadLoggingConfig() *logger.Config {
	cfg := logger.DefaultConfig()

	cfg.Level = logger.LogLevel(getEnv("LOG_LEVEL", string(cfg.Level)))
	cfg.Format = logger.LogFormat(getEnv("LOG_FORMAT", string(cfg.Format)))
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", cfg.Console.Color)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", cfg.File.Enabled)
	cfg.File.Path = getEnv("LOG_FILE_PATH", cfg.File.Path)
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)

	return cfg
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are treated as milliseconds
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

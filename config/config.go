/*
Package config loads gateway core configuration from environment
variables (with optional .env file) into a single immutable snapshot.
*/
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// RateLimitTier holds the sliding-window configuration for one tier
// (global, api, ip, user, priority).
type RateLimitTier struct {
	MaxRequests  int
	BurstSize    int
	WindowSizeMs int64
}

// QueuedRateLimitConfig configures the parking-queue limiter (§4.5).
type QueuedRateLimitConfig struct {
	MaxQueueSize      int
	MaxWaitTimeMs     int64
	MaxConcurrency    int
	EnablePriority    bool
	EnableFallback    bool
	FallbackTimeoutMs int64
}

// TracingSamplingConfig configures §4.7 sampling.
type TracingSamplingConfig struct {
	Enabled        bool
	Rate           float64
	MaxSpansPerTrace int
}

// TracingReporterConfig configures §4.8.
type TracingReporterConfig struct {
	Enabled       bool
	Endpoint      string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	QueueSize     int
}

// TracingCleanupConfig configures trace-context eviction.
type TracingCleanupConfig struct {
	Interval time.Duration
	MaxAge   time.Duration
}

// AuditAsyncConfig configures §4.9 async mode.
type AuditAsyncConfig struct {
	Enabled         bool
	BatchSize       int
	FlushInterval   time.Duration
	QueueSize       int
	QueueTimeout    time.Duration
	WorkerThreads   int
}

// AuditStorageConfig configures the durable sink (§6).
type AuditStorageConfig struct {
	Type string // file, database, elasticsearch, kafka

	// file
	Path         string
	MaxSizeMB    int
	MaxBackups   int
	MaxAgeDays   int

	// database
	DataSourceName string
	Table          string

	// elasticsearch
	ESAddresses []string
	ESIndex     string

	// kafka
	KafkaBrokers []string
	KafkaTopic   string
}

// Config holds all gateway-core configuration values.
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis (backs the distributed rate-limit tier)
	RedisURL string

	// Identity
	APIKeyHeader string

	// Rate limiting, per dimension.
	RateLimit map[string]RateLimitTier

	QueuedRateLimit QueuedRateLimitConfig

	TracingSampling TracingSamplingConfig
	TracingReporter TracingReporterConfig
	TracingCleanup  TracingCleanupConfig

	AuditAsync   AuditAsyncConfig
	AuditStorage AuditStorageConfig

	LogLevel string
}

// Load reads configuration from environment variables and an optional
// .env file, falling back to sane development defaults.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:            getEnv("GATEWAY_ADDR", ":8080"),
		Env:             getEnv("ENV", "development"),
		GracefulTimeout: time.Duration(getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 10)) * time.Second,
		RedisURL:        getEnv("REDIS_URL", "redis://redis:6379"),
		APIKeyHeader:    getEnv("API_KEY_HEADER", "Authorization"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),

		RateLimit: map[string]RateLimitTier{
			"global":   {MaxRequests: getEnvInt("RATELIMIT_GLOBAL_MAX", 10000), BurstSize: getEnvInt("RATELIMIT_GLOBAL_BURST", 1000), WindowSizeMs: int64(getEnvInt("RATELIMIT_GLOBAL_WINDOW_MS", 1000))},
			"api":      {MaxRequests: getEnvInt("RATELIMIT_API_MAX", 1000), BurstSize: getEnvInt("RATELIMIT_API_BURST", 100), WindowSizeMs: int64(getEnvInt("RATELIMIT_API_WINDOW_MS", 1000))},
			"ip":       {MaxRequests: getEnvInt("RATELIMIT_IP_MAX", 100), BurstSize: getEnvInt("RATELIMIT_IP_BURST", 20), WindowSizeMs: int64(getEnvInt("RATELIMIT_IP_WINDOW_MS", 1000))},
			"user":     {MaxRequests: getEnvInt("RATELIMIT_USER_MAX", 60), BurstSize: getEnvInt("RATELIMIT_USER_BURST", 10), WindowSizeMs: int64(getEnvInt("RATELIMIT_USER_WINDOW_MS", 1000))},
			"priority": {MaxRequests: getEnvInt("RATELIMIT_PRIORITY_MAX", 30), BurstSize: getEnvInt("RATELIMIT_PRIORITY_BURST", 5), WindowSizeMs: int64(getEnvInt("RATELIMIT_PRIORITY_WINDOW_MS", 1000))},
		},

		QueuedRateLimit: QueuedRateLimitConfig{
			MaxQueueSize:      getEnvInt("QUEUE_MAX_SIZE", 1000),
			MaxWaitTimeMs:     int64(getEnvInt("QUEUE_MAX_WAIT_MS", 30000)),
			MaxConcurrency:    getEnvInt("QUEUE_MAX_CONCURRENCY", 50),
			EnablePriority:    getEnvBool("QUEUE_ENABLE_PRIORITY", true),
			EnableFallback:    getEnvBool("QUEUE_ENABLE_FALLBACK", false),
			FallbackTimeoutMs: int64(getEnvInt("QUEUE_FALLBACK_TIMEOUT_MS", 2000)),
		},

		TracingSampling: TracingSamplingConfig{
			Enabled:          getEnvBool("TRACING_SAMPLING_ENABLED", true),
			Rate:             getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			MaxSpansPerTrace: getEnvInt("TRACING_MAX_SPANS_PER_TRACE", 100),
		},
		TracingReporter: TracingReporterConfig{
			Enabled:       getEnvBool("TRACING_REPORTER_ENABLED", false),
			Endpoint:      getEnv("TRACING_REPORTER_ENDPOINT", ""),
			BatchSize:     getEnvInt("TRACING_REPORTER_BATCH_SIZE", 100),
			FlushInterval: time.Duration(getEnvInt("TRACING_REPORTER_FLUSH_INTERVAL_MS", 1000)) * time.Millisecond,
			Timeout:       time.Duration(getEnvInt("TRACING_REPORTER_TIMEOUT_MS", 3000)) * time.Millisecond,
			QueueSize:     getEnvInt("TRACING_REPORTER_QUEUE_SIZE", 10000),
		},
		TracingCleanup: TracingCleanupConfig{
			Interval: time.Duration(getEnvInt("TRACING_CLEANUP_INTERVAL_MS", 60000)) * time.Millisecond,
			MaxAge:   time.Duration(getEnvInt("TRACING_CLEANUP_MAX_AGE_MS", 600000)) * time.Millisecond,
		},

		AuditAsync: AuditAsyncConfig{
			Enabled:       getEnvBool("AUDIT_ASYNC_ENABLED", true),
			BatchSize:     getEnvInt("AUDIT_ASYNC_BATCH_SIZE", 100),
			FlushInterval: time.Duration(getEnvInt("AUDIT_ASYNC_FLUSH_INTERVAL_MS", 5000)) * time.Millisecond,
			QueueSize:     getEnvInt("AUDIT_ASYNC_QUEUE_SIZE", 10000),
			QueueTimeout:  time.Duration(getEnvInt("AUDIT_ASYNC_QUEUE_TIMEOUT_MS", 100)) * time.Millisecond,
			WorkerThreads: getEnvInt("AUDIT_ASYNC_WORKER_THREADS", 1),
		},
		AuditStorage: AuditStorageConfig{
			Type:           getEnv("AUDIT_STORAGE_TYPE", "file"),
			Path:           getEnv("AUDIT_STORAGE_PATH", "./audit.log"),
			MaxSizeMB:      getEnvInt("AUDIT_STORAGE_MAX_SIZE_MB", 100),
			MaxBackups:     getEnvInt("AUDIT_STORAGE_MAX_BACKUPS", 5),
			MaxAgeDays:     getEnvInt("AUDIT_STORAGE_MAX_AGE_DAYS", 30),
			DataSourceName: getEnv("AUDIT_STORAGE_DSN", ""),
			Table:          getEnv("AUDIT_STORAGE_TABLE", "audit_events"),
			ESAddresses:    splitCSV(getEnv("AUDIT_STORAGE_ES_ADDRESSES", "")),
			ESIndex:        getEnv("AUDIT_STORAGE_ES_INDEX", "audit-events"),
			KafkaBrokers:   splitCSV(getEnv("AUDIT_STORAGE_KAFKA_BROKERS", "")),
			KafkaTopic:     getEnv("AUDIT_STORAGE_KAFKA_TOPIC", "audit-events"),
		},
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool { return c.Env == "development" }

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// Tier returns the configured rate-limit tier, or a zero value
// (MaxRequests 0, which a limiter treats as deny-all) if the dimension
// is unknown.
func (c *Config) Tier(dimension string) RateLimitTier {
	if t, ok := c.RateLimit[dimension]; ok {
		return t
	}
	return RateLimitTier{MaxRequests: 0, BurstSize: 0, WindowSizeMs: 1000}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func splitCSV(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

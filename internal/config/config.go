// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables with sensible defaults and
// validates all settings on startup to fail fast on misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Content  ContentConfig
	MinIO    MinIOConfig
	Diff     DiffConfig
	Cache    CacheConfig
	Ingest   IngestConfig
	Merge    MergeConfig
	Rate     RateLimitConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 60s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the in-memory store.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of open connections (default: 20)
	MaxConns int `env:"DB_MAX_CONNS" default:"20"`

	// MinConns is the number of idle connections to keep open (default: 4)
	MinConns int `env:"DB_MIN_CONNS" default:"4"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`

	// MigrateOnStart applies pending schema migrations at startup (default: true)
	MigrateOnStart bool `env:"DB_MIGRATE_ON_START" default:"true"`
}

// ContentConfig holds content store settings.
type ContentConfig struct {
	// Backend selects the blob backend: memory, postgres or minio (default: memory)
	Backend string `env:"CONTENT_BACKEND" default:"memory"`

	// MaxPayloadSize is the largest accepted upload in bytes (default: 50MB)
	MaxPayloadSize int64 `env:"CONTENT_MAX_PAYLOAD_SIZE" default:"52428800"`

	// FetchTimeout bounds a single backend read or write (default: 10s)
	FetchTimeout time.Duration `env:"CONTENT_FETCH_TIMEOUT" default:"10s"`

	// GridCacheSize is the number of decoded grids kept in memory (default: 256)
	GridCacheSize int `env:"CONTENT_GRID_CACHE_SIZE" default:"256"`
}

// MinIOConfig holds object storage settings for the minio content backend.
type MinIOConfig struct {
	Endpoint        string `env:"MINIO_ENDPOINT"`
	AccessKeyID     string `env:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"MINIO_SECRET_ACCESS_KEY"`
	UseSSL          bool   `env:"MINIO_USE_SSL" default:"false"`
	Bucket          string `env:"MINIO_BUCKET" default:"sheetvc-content"`
	Region          string `env:"MINIO_REGION"`
	Prefix          string `env:"MINIO_PREFIX" default:"grids/"`
}

// DiffConfig holds diff and conflict detection settings.
type DiffConfig struct {
	// MaxAlignmentCells bounds the positional alignment table (default: 4000000)
	MaxAlignmentCells int `env:"DIFF_MAX_ALIGNMENT_CELLS" default:"4000000"`

	// DetectCacheSize is the number of memoized conflict detections (default: 128)
	DetectCacheSize int `env:"DIFF_DETECT_CACHE_SIZE" default:"128"`
}

// CacheConfig holds diff cache settings.
type CacheConfig struct {
	// LocalEnabled turns on the in-process cache tier (default: true)
	LocalEnabled bool `env:"CACHE_LOCAL_ENABLED" default:"true"`

	// LocalMaxCost is the in-process cache budget in bytes (default: 64MB)
	LocalMaxCost int64 `env:"CACHE_LOCAL_MAX_COST" default:"67108864"`

	// TTL is how long cached diffs live (default: 1h)
	TTL time.Duration `env:"CACHE_TTL" default:"1h"`

	// RedisURL enables the shared redis tier when set
	RedisURL string `env:"CACHE_REDIS_URL" envAlt:"REDIS_URL"`

	// RedisPrefix namespaces cache keys (default: sheetvc:)
	RedisPrefix string `env:"CACHE_REDIS_PREFIX" default:"sheetvc:"`
}

// IngestConfig holds version upload settings.
type IngestConfig struct {
	// MaxConcurrent is the maximum number of parallel version uploads (default: 5)
	MaxConcurrent int `env:"INGEST_MAX_CONCURRENT" default:"5"`

	// MaxWaitTime is how long to wait for an ingest slot (default: 30s)
	MaxWaitTime time.Duration `env:"INGEST_MAX_WAIT_TIME" default:"30s"`

	// Timeout is the maximum duration for a single upload (default: 2m)
	Timeout time.Duration `env:"INGEST_TIMEOUT" default:"2m"`
}

// MergeConfig holds merge request retention settings.
type MergeConfig struct {
	// Retention is how long resolved or abandoned merge requests are kept (default: 720h)
	Retention time.Duration `env:"MERGE_RETENTION" default:"720h"`

	// RetentionInterval is how often the purge job runs (default: 24h)
	RetentionInterval time.Duration `env:"MERGE_RETENTION_INTERVAL" default:"24h"`
}

// RateLimitConfig holds rate limiting settings per time window.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active (default: true)
	Enabled bool `env:"RATE_LIMIT_ENABLED" default:"true"`

	// RequestsPerMinute is the default rate limit per IP (default: 100)
	RequestsPerMinute int `env:"RATE_LIMIT_REQUESTS_PER_MINUTE" default:"100"`

	// IngestLimit is requests per minute for version upload endpoints (default: 20)
	IngestLimit int `env:"RATE_LIMIT_INGEST" default:"20"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey protects the API with X-API-Key authentication (default: false)
	RequireAPIKey bool `env:"REQUIRE_API_KEY" default:"false"`

	// APIKeys is a comma-separated list of accepted API keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}

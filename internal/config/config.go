// Package config loads csvimport settings from environment variables with
// defaults, and validates them on startup so misconfiguration fails fast.
package config

import "time"

// Sink types accepted by IMPORT_SINK.
const (
	SinkMemory   = "memory"
	SinkSQLite   = "sqlite"
	SinkPostgres = "postgres"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig
	Import   ImportConfig
	Jobs     JobsConfig
	Server   ServerConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds PostgreSQL connection settings. They are only used
// when the sink is postgres.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars.
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	// MaxConns is the maximum number of connections in the pool (default: 10)
	MaxConns int `env:"DB_MAX_CONNS" default:"10"`

	// MinConns is the minimum number of connections to keep open (default: 1)
	MinConns int `env:"DB_MIN_CONNS" default:"1"`

	// MaxConnLifetime is the maximum lifetime of a connection (default: 1h)
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`

	// MaxConnIdleTime is the maximum idle time before a connection is closed (default: 30m)
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// ImportConfig holds run defaults and where records go.
type ImportConfig struct {
	// Sink is the record store: memory, sqlite or postgres (default: sqlite)
	Sink string `env:"IMPORT_SINK" default:"sqlite"`

	// SQLitePath is the database file for the sqlite sink (default: csvimport.db)
	SQLitePath string `env:"IMPORT_SQLITE_PATH" default:"csvimport.db"`

	// Root restricts input files to this directory when set.
	Root string `env:"IMPORT_ROOT"`

	// StagingDir receives temporary copies of inputs (default: system temp dir)
	StagingDir string `env:"IMPORT_STAGING_DIR"`

	// Owner is stored on records whose spec names no owner.
	Owner string `env:"CSVIMPORT_OWNER" envAlt:"IMPORT_OWNER"`

	// BatchSize is the rows per batch when the spec sets none (default: 20)
	BatchSize int `env:"IMPORT_BATCH_SIZE" default:"20"`
}

// JobsConfig holds run scheduling settings.
type JobsConfig struct {
	// MaxConcurrent is the maximum number of parallel runs (default: 4)
	MaxConcurrent int `env:"JOBS_MAX_CONCURRENT" default:"4"`

	// MaxWait is how long a submission waits for a run slot (default: 30s)
	MaxWait time.Duration `env:"JOBS_MAX_WAIT" default:"30s"`

	// Timeout bounds a single run, 0 for no limit (default: 0)
	Timeout time.Duration `env:"JOBS_TIMEOUT" default:"0s"`

	// Retain is how long finished runs stay queryable in memory (default: 30m)
	Retain time.Duration `env:"JOBS_RETAIN" default:"30m"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 60s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"60s"`

	// WriteTimeout is the maximum duration for writing response (default: 0 for progress streams)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"0s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// MaxUploadSize is the largest accepted upload in bytes (default: 100MB)
	MaxUploadSize int64 `env:"SERVER_MAX_UPLOAD_SIZE" default:"104857600"`

	// TrustedProxies is a comma-separated list of proxy CIDRs whose
	// X-Real-IP and X-Forwarded-For headers are believed.
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// APIKeys is a comma-separated list of keys accepted in X-API-Key.
	// Empty disables authentication.
	APIKeys []string `env:"API_KEYS"`

	// CORSOrigins is a comma-separated list of browser origins allowed to
	// call the API. Empty disables CORS headers.
	CORSOrigins []string `env:"CORS_ORIGINS"`
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

package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads the configuration from the environment, fills defaults and
// validates the result. Every unparsable variable is reported, not just the
// first.
func Load() (*Config, error) {
	cfg := &Config{}

	var bad []string
	loadStruct(reflect.ValueOf(cfg).Elem(), &bad)
	if len(bad) > 0 {
		return nil, fmt.Errorf("config load:\n  - %s", strings.Join(bad, "\n  - "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// loadStruct walks the section structs and sets every field carrying an
// env tag. Parse failures are appended to bad.
func loadStruct(v reflect.Value, bad *[]string) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field, fv := t.Field(i), v.Field(i)
		if !fv.CanSet() {
			continue
		}
		if field.Type.Kind() == reflect.Struct {
			loadStruct(fv, bad)
			continue
		}

		name, value, ok := lookup(field.Tag)
		if !ok {
			continue
		}
		if err := setField(fv, value); err != nil {
			*bad = append(*bad, fmt.Sprintf("%s=%q: %v", name, value, err))
		}
	}
}

// lookup returns the value for a field: the env var, then its envAlt, then
// the default tag. ok is false when all three are empty.
func lookup(tag reflect.StructTag) (name, value string, ok bool) {
	name = tag.Get("env")
	if name == "" {
		return "", "", false
	}
	for _, key := range []string{name, tag.Get("envAlt")} {
		if key == "" {
			continue
		}
		if v := os.Getenv(key); v != "" {
			return key, v, true
		}
	}
	value = tag.Get("default")
	return name, value, value != ""
}

// setField parses value into a string, int, duration or comma-separated
// string slice field.
func setField(field reflect.Value, value string) error {
	switch {
	case field.Type() == durationType:
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration")
		}
		field.SetInt(int64(d))
	case field.Kind() == reflect.String:
		field.SetString(value)
	case field.Kind() == reflect.Int || field.Kind() == reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer")
		}
		field.SetInt(n)
	case field.Kind() == reflect.Slice && field.Type().Elem().Kind() == reflect.String:
		var items []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				items = append(items, p)
			}
		}
		field.Set(reflect.ValueOf(items))
	default:
		return fmt.Errorf("unsupported field type %s", field.Type())
	}
	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string

	// Import validation
	switch strings.ToLower(c.Import.Sink) {
	case SinkMemory:
	case SinkSQLite:
		if c.Import.SQLitePath == "" {
			errs = append(errs, "IMPORT_SQLITE_PATH is required for the sqlite sink")
		}
	case SinkPostgres:
		if c.Database.URL == "" {
			errs = append(errs, "DATABASE_URL is required for the postgres sink")
		}
	default:
		errs = append(errs, fmt.Sprintf("IMPORT_SINK (%q) must be one of: memory, sqlite, postgres", c.Import.Sink))
	}
	if c.Import.BatchSize <= 0 {
		errs = append(errs, "IMPORT_BATCH_SIZE must be positive")
	}

	// Database validation
	if c.Database.MaxConns < c.Database.MinConns {
		errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)",
			c.Database.MaxConns, c.Database.MinConns))
	}
	if c.Database.MaxConns <= 0 {
		errs = append(errs, "DB_MAX_CONNS must be positive")
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, "DB_MIN_CONNS must be non-negative")
	}

	// Jobs validation
	if c.Jobs.MaxConcurrent <= 0 {
		errs = append(errs, "JOBS_MAX_CONCURRENT must be positive")
	}
	if c.Jobs.MaxWait <= 0 {
		errs = append(errs, "JOBS_MAX_WAIT must be positive")
	}
	if c.Jobs.Timeout < 0 {
		errs = append(errs, "JOBS_TIMEOUT must be non-negative")
	}
	if c.Jobs.Retain <= 0 {
		errs = append(errs, "JOBS_RETAIN must be positive")
	}

	// Server validation
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT (%d) must be 1-65535", c.Server.Port))
	}
	if c.Server.ReadTimeout < 0 {
		errs = append(errs, "SERVER_READ_TIMEOUT must be non-negative")
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	}
	if c.Server.MaxUploadSize <= 0 {
		errs = append(errs, "SERVER_MAX_UPLOAD_SIZE must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Sprintf("LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level))
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, fmt.Sprintf("LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a safe string representation of the config for logging.
// The database URL is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Import: {Sink: %q, SQLitePath: %q, Root: %q, BatchSize: %d}, ",
		c.Import.Sink, c.Import.SQLitePath, c.Import.Root, c.Import.BatchSize))
	url := ""
	if c.Database.URL != "" {
		url = "[MASKED]"
	}
	b.WriteString(fmt.Sprintf("Database: {URL: %s, MaxConns: %d, MinConns: %d}, ",
		url, c.Database.MaxConns, c.Database.MinConns))
	b.WriteString(fmt.Sprintf("Jobs: {MaxConcurrent: %d, MaxWait: %s, Timeout: %s}, ",
		c.Jobs.MaxConcurrent, c.Jobs.MaxWait, c.Jobs.Timeout))
	b.WriteString(fmt.Sprintf("Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}

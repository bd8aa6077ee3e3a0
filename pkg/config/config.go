// Package config loads traceaudit settings from 12-factor environment
// variables, optionally layered over a YAML file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileEnv names the environment variable holding an optional YAML config path.
const FileEnv = "TRACEAUDIT_CONFIG"

// Config holds process configuration.
type Config struct {
	LogLevel    string         `yaml:"log_level"`
	DatabaseURL string         `yaml:"database_url"`
	SQLitePath  string         `yaml:"sqlite_path"`
	Redis       RedisConfig    `yaml:"redis"`
	Dispatch    DispatchConfig `yaml:"dispatch"`
	OTel        OTelConfig     `yaml:"otel"`
	Archive     ArchiveConfig  `yaml:"archive"`
}

// RedisConfig enables the cross-process chain lock when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// DispatchConfig sizes the post-commit dispatcher.
type DispatchConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
}

// OTelConfig controls OTLP export.
type OTelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// ArchiveConfig enables S3 upload of evidence packs when Bucket is set.
type ArchiveConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Region   string `yaml:"region"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:   "INFO",
		SQLitePath: "traceaudit.db",
		Redis: RedisConfig{
			LockTTL: 10 * time.Second,
		},
		Dispatch: DispatchConfig{
			Workers:     4,
			QueueSize:   1024,
			MaxAttempts: 5,
			BaseBackoff: 100 * time.Millisecond,
		},
		OTel: OTelConfig{
			Endpoint: "localhost:4317",
			Insecure: true,
		},
		Archive: ArchiveConfig{
			Prefix: "evidence",
			Region: "us-east-1",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// TRACEAUDIT_CONFIG, then environment variables.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.SQLitePath, "SQLITE_PATH")
	setString(&c.Redis.Addr, "REDIS_ADDR")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setString(&c.OTel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&c.Archive.Bucket, "ARCHIVE_S3_BUCKET")
	setString(&c.Archive.Prefix, "ARCHIVE_S3_PREFIX")
	setString(&c.Archive.Region, "ARCHIVE_S3_REGION")
	setString(&c.Archive.Endpoint, "ARCHIVE_S3_ENDPOINT")

	for _, f := range []func() error{
		func() error { return setInt(&c.Redis.DB, "REDIS_DB") },
		func() error { return setDuration(&c.Redis.LockTTL, "LOCK_TTL") },
		func() error { return setInt(&c.Dispatch.Workers, "DISPATCH_WORKERS") },
		func() error { return setInt(&c.Dispatch.QueueSize, "DISPATCH_QUEUE_SIZE") },
		func() error { return setInt(&c.Dispatch.MaxAttempts, "DISPATCH_MAX_ATTEMPTS") },
		func() error { return setDuration(&c.Dispatch.BaseBackoff, "DISPATCH_BASE_BACKOFF") },
		func() error { return setBool(&c.OTel.Enabled, "OTEL_ENABLED") },
		func() error { return setBool(&c.OTel.Insecure, "OTEL_INSECURE") },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

// UsePostgres reports whether a Postgres URL is configured; otherwise lite mode runs on SQLite.
func (c *Config) UsePostgres() bool {
	return c.DatabaseURL != ""
}

// SlogLevel maps LogLevel to a slog level. Unknown values are INFO.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(strings.TrimSpace(c.LogLevel)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a duration", key, v)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a boolean", key, v)
	}
	*dst = b
	return nil
}

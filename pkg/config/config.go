package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Supported backends.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverPGX      = "pgx"

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"

	SinkFS    = "fs"
	SinkS3    = "s3"
	SinkGCS   = "gcs"
	SinkMinIO = "minio"
)

// Duration decodes TOML strings such as "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config holds governor configuration.
type Config struct {
	Addr      string `toml:"addr"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // "text" | "json"

	StoreDriver   string `toml:"store_driver"`
	DatabaseURL   string `toml:"database_url"`
	BudgetBackend string `toml:"budget_backend"`

	Redis   RedisConfig   `toml:"redis"`
	Confirm ConfirmConfig `toml:"confirm"`
	NATS    NATSConfig    `toml:"nats"`
	OTel    OTelConfig    `toml:"otel"`
	Archive ArchiveConfig `toml:"archive"`

	ProfilesDir      string `toml:"profiles_dir"`
	ProfilesWatch    bool   `toml:"profiles_watch"`
	ToolRegistryFile string `toml:"tool_registry_file"`
	DefaultAgent     string `toml:"default_agent"`

	RateLimitRPS   float64 `toml:"rate_limit_rps"`
	RateLimitBurst int     `toml:"rate_limit_burst"`
}

type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// ConfirmConfig controls confirmation token signing.
type ConfirmConfig struct {
	SigningKey string   `toml:"signing_key"`
	TTL        Duration `toml:"ttl"`
}

type NATSConfig struct {
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
}

type OTelConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

// ArchiveConfig selects the audit bundle sink. An empty Sink disables
// archiving. For the fs sink Bucket is the base directory.
type ArchiveConfig struct {
	Sink     string `toml:"sink"`
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Endpoint string `toml:"endpoint"`
	Region   string `toml:"region"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Addr:           ":8080",
		LogLevel:       "INFO",
		LogFormat:      "text",
		StoreDriver:    DriverMemory,
		BudgetBackend:  BackendMemory,
		Redis:          RedisConfig{Addr: "localhost:6379"},
		Confirm:        ConfirmConfig{TTL: Duration{15 * time.Minute}},
		NATS:           NATSConfig{Subject: "governance.events"},
		OTel:           OTelConfig{Endpoint: "localhost:4317"},
		Archive:        ArchiveConfig{Prefix: "audit/"},
		RateLimitRPS:   20,
		RateLimitBurst: 40,
	}
}

// Load builds configuration from defaults, the TOML file named by
// GOVERNOR_CONFIG (if set) and environment variables, in that order.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile is Load with an explicit TOML file taking the place of
// GOVERNOR_CONFIG. An empty path falls back to GOVERNOR_CONFIG.
func LoadWithFile(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("GOVERNOR_CONFIG")
	}
	if path != "" {
		if err := cfg.MergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults overlaid with a TOML file, ignoring the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.MergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MergeFile decodes a TOML file over the current values.
func (c *Config) MergeFile(path string) error {
	if _, err := toml.DecodeFile(path, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("GOVERNOR_ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("STORE_DRIVER", &c.StoreDriver)
	str("DATABASE_URL", &c.DatabaseURL)
	str("BUDGET_BACKEND", &c.BudgetBackend)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("PROFILES_DIR", &c.ProfilesDir)
	str("TOOL_REGISTRY_FILE", &c.ToolRegistryFile)
	str("DEFAULT_AGENT", &c.DefaultAgent)
	str("CONFIRM_SIGNING_KEY", &c.Confirm.SigningKey)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT", &c.NATS.Subject)
	str("OTEL_ENDPOINT", &c.OTel.Endpoint)
	str("ARCHIVE_SINK", &c.Archive.Sink)
	str("ARCHIVE_BUCKET", &c.Archive.Bucket)
	str("ARCHIVE_PREFIX", &c.Archive.Prefix)
	str("ARCHIVE_ENDPOINT", &c.Archive.Endpoint)
	str("ARCHIVE_REGION", &c.Archive.Region)

	if v := os.Getenv("PROFILES_WATCH"); v != "" {
		c.ProfilesWatch = v == "true"
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		c.OTel.Enabled = v == "true"
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Redis.DB = n
	}
	if v := os.Getenv("CONFIRM_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CONFIRM_TTL: %w", err)
		}
		c.Confirm.TTL = Duration{d}
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = f
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimitBurst = n
	}
	return nil
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres, DriverPGX:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: store_driver %q requires database_url", c.StoreDriver)
		}
	default:
		return fmt.Errorf("config: unknown store_driver %q", c.StoreDriver)
	}
	switch c.BudgetBackend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("config: budget_backend redis requires redis.addr")
		}
	case BackendPostgres:
		if c.StoreDriver != DriverPostgres && c.StoreDriver != DriverPGX {
			return fmt.Errorf("config: budget_backend postgres requires a postgres store_driver")
		}
	default:
		return fmt.Errorf("config: unknown budget_backend %q", c.BudgetBackend)
	}
	switch c.Archive.Sink {
	case "":
	case SinkFS, SinkS3, SinkGCS, SinkMinIO:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("config: archive sink %q requires a bucket", c.Archive.Sink)
		}
		if c.Archive.Sink == SinkMinIO && c.Archive.Endpoint == "" {
			return fmt.Errorf("config: archive sink minio requires an endpoint")
		}
	default:
		return fmt.Errorf("config: unknown archive sink %q", c.Archive.Sink)
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 {
		return fmt.Errorf("config: rate limits must be >= 0")
	}
	return nil
}

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"GOVERNOR_CONFIG", "GOVERNOR_ADDR", "LOG_LEVEL", "LOG_FORMAT", "STORE_DRIVER",
		"DATABASE_URL", "BUDGET_BACKEND", "REDIS_ADDR", "REDIS_DB", "CONFIRM_TTL",
		"PROFILES_WATCH", "ARCHIVE_SINK", "ARCHIVE_BUCKET", "RATE_LIMIT_RPS",
	} {
		t.Setenv(k, "")
	}
}

// TestLoad_Defaults verifies that Load() boots on the in-memory stack with
// no environment set.
func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Addr)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, config.DriverMemory, cfg.StoreDriver)
	assert.Equal(t, config.BackendMemory, cfg.BudgetBackend)
	assert.Equal(t, 15*time.Minute, cfg.Confirm.TTL.Duration)
	assert.False(t, cfg.ProfilesWatch)
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("GOVERNOR_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("STORE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://production:5432/db")
	t.Setenv("BUDGET_BACKEND", "redis")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("CONFIRM_TTL", "2m")
	t.Setenv("PROFILES_WATCH", "true")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Addr)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/db", cfg.DatabaseURL)
	assert.Equal(t, config.BackendRedis, cfg.BudgetBackend)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 2*time.Minute, cfg.Confirm.TTL.Duration)
	assert.True(t, cfg.ProfilesWatch)
}

func TestLoad_TOMLFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "governor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
addr = ":7070"
store_driver = "sqlite"
database_url = "file:audit.db"

[confirm]
ttl = "30s"

[archive]
sink = "s3"
bucket = "audit-bucket"
`), 0o600))
	t.Setenv("GOVERNOR_CONFIG", path)
	t.Setenv("GOVERNOR_ADDR", ":6060")

	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, ":6060", cfg.Addr, "env wins over file")
	assert.Equal(t, config.DriverSQLite, cfg.StoreDriver)
	assert.Equal(t, 30*time.Second, cfg.Confirm.TTL.Duration)
	assert.Equal(t, "audit-bucket", cfg.Archive.Bucket)
	assert.Equal(t, "audit/", cfg.Archive.Prefix, "defaults survive the overlay")
}

func TestValidate_RejectsUnknownBackends(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"store driver", func(c *config.Config) { c.StoreDriver = "mongo" }},
		{"sql without url", func(c *config.Config) { c.StoreDriver = config.DriverSQLite }},
		{"budget backend", func(c *config.Config) { c.BudgetBackend = "etcd" }},
		{"postgres budget on memory store", func(c *config.Config) { c.BudgetBackend = config.BackendPostgres }},
		{"archive sink", func(c *config.Config) { c.Archive.Sink = "ftp" }},
		{"archive without bucket", func(c *config.Config) { c.Archive.Sink = config.SinkGCS }},
		{"log format", func(c *config.Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_BadNumber(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_DB", "three")
	_, err := config.Load()
	assert.ErrorContains(t, err, "REDIS_DB")
}

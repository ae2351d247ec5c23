// Package database opens the SQL connections behind the event store, the
// Postgres loop budget counter and the SQL tool registry.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	// Registered drivers: "sqlite", "postgres" and "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/config"
)

// PoolConfig bounds the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Open connects with the database/sql driver matching the configured store
// driver and pings it. SQLite is limited to one open connection so writers
// serialize instead of failing with SQLITE_BUSY.
func Open(ctx context.Context, driver, url string, pool PoolConfig) (*sql.DB, error) {
	switch driver {
	case config.DriverSQLite, config.DriverPostgres, config.DriverPGX:
	default:
		return nil, fmt.Errorf("database: unsupported driver %q", driver)
	}
	if url == "" {
		return nil, fmt.Errorf("database: %s requires a url", driver)
	}

	db, err := sql.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", driver, err)
	}
	if driver == config.DriverSQLite {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(pool.MaxOpenConns)
		db.SetMaxIdleConns(pool.MaxIdleConns)
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	slog.Default().With("component", "database").InfoContext(ctx, "database connected", "driver", driver)
	return db, nil
}

// IsPostgres reports whether driver speaks the Postgres dialect.
func IsPostgres(driver string) bool {
	return driver == config.DriverPostgres || driver == config.DriverPGX
}

package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/config"
)

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "governor.db")
	db, err := Open(context.Background(), config.DriverSQLite, path, DefaultPoolConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER)")
	require.NoError(t, err)
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x", DefaultPoolConfig())
	assert.Error(t, err)

	_, err = Open(context.Background(), config.DriverPostgres, "", DefaultPoolConfig())
	assert.Error(t, err)
}

func TestIsPostgres(t *testing.T) {
	assert.True(t, IsPostgres(config.DriverPGX))
	assert.True(t, IsPostgres(config.DriverPostgres))
	assert.False(t, IsPostgres(config.DriverSQLite))
}

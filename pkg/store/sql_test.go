package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// every :memory: connection is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteStore_AppendQueryVerify(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, openSQLite(t))
	require.NoError(t, err)

	var handled []uint64
	s.AddHandler(func(e *Entry) { handled = append(handled, e.Sequence) })

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, policyRecord("exec-1", fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
	}
	_, err = s.Append(ctx, Record{ExecutionID: "exec-1", Kind: KindLifecycle, PostCancellation: true, Payload: map[string]string{"action": "cancelled"}})
	require.NoError(t, err)
	_, err = s.Append(ctx, policyRecord("exec-2", "t"))
	require.NoError(t, err)

	entries, err := s.Query(ctx, "exec-1", QueryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 4)
	for i, e := range entries {
		assert.EqualValues(t, i+1, e.Sequence)
	}
	assert.True(t, entries[3].PostCancellation)
	assert.False(t, entries[0].PostCancellation)
	assert.Equal(t, []uint64{1, 2, 3, 4, 1}, handled)

	require.NoError(t, s.Verify(ctx, "exec-1"))
	require.NoError(t, s.Verify(ctx, "exec-2"))
	require.NoError(t, s.Verify(ctx, "none"))

	bundle, err := ExportBundle(ctx, s, "exec-1")
	require.NoError(t, err)
	require.NoError(t, VerifyBundle(bundle))
}

func TestSQLiteStore_VerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	s, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := s.Append(ctx, policyRecord("exec-1", fmt.Sprintf("t%d", i)))
		require.NoError(t, err)
	}
	_, err = db.ExecContext(ctx, `UPDATE governance_events SET payload = '{"decision":"deny"}' WHERE sequence = 2`)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(ctx, "exec-1"), ErrChainBroken)
}

func TestSQLiteStore_TruncationDetectedByHead(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	s, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _ = s.Append(ctx, policyRecord("exec-1", fmt.Sprintf("t%d", i)))
	}
	_, err = db.ExecContext(ctx, `DELETE FROM governance_events WHERE sequence = 3`)
	require.NoError(t, err)
	assert.ErrorIs(t, s.Verify(ctx, "exec-1"), ErrChainBroken)
}

func TestSQLiteStore_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(ctx, openSQLite(t))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := s.Append(ctx, policyRecord("shared", "t"))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	entries, err := s.Query(ctx, "shared", QueryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 40)
	assert.NoError(t, s.Verify(ctx, "shared"))
}

func TestPostgresStore_AppendUsesLockedHead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS governance_events").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS governance_heads").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO governance_heads (execution_id, sequence, head_hash) VALUES ($1, 0, $2) ON CONFLICT (execution_id) DO NOTHING`)).
		WithArgs("exec-1", Genesis).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sequence, head_hash FROM governance_heads WHERE execution_id = $1 FOR UPDATE`)).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "head_hash"}).AddRow(4, "sha256:prev"))
	mock.ExpectExec("INSERT INTO governance_events").
		WithArgs(sqlmock.AnyArg(), "exec-1", uint64(5), "policy", sqlmock.AnyArg(), false, sqlmock.AnyArg(), sqlmock.AnyArg(), "sha256:prev", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE governance_heads SET sequence = $1, head_hash = $2 WHERE execution_id = $3`)).
		WithArgs(uint64(5), sqlmock.AnyArg(), "exec-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, err := s.Append(ctx, policyRecord("exec-1", "fs.write"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, entry.Sequence)
	assert.Equal(t, "sha256:prev", entry.PreviousHash)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendRollsBackOnFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := NewPostgresStore(ctx, db)
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO governance_heads").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT sequence, head_hash").
		WillReturnRows(sqlmock.NewRows([]string{"sequence", "head_hash"}).AddRow(0, Genesis))
	mock.ExpectExec("INSERT INTO governance_events").WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	_, err = s.Append(ctx, policyRecord("exec-1", "fs.write"))
	assert.ErrorContains(t, err, "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDialect_Rebind(t *testing.T) {
	assert.Equal(t, "a = ? AND b = ?", sqliteDialect.rebind("a = ? AND b = ?"))
	assert.Equal(t, "a = $1 AND b = $2", postgresDialect.rebind("a = ? AND b = ?"))
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type dialect struct {
	name      string
	schema    string
	forUpdate string
	dollar    bool
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
CREATE TABLE IF NOT EXISTS governance_events (
	entry_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	sequence INTEGER NOT NULL,
	kind TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	post_cancellation INTEGER NOT NULL DEFAULT 0,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	UNIQUE (execution_id, sequence)
);
CREATE TABLE IF NOT EXISTS governance_heads (
	execution_id TEXT PRIMARY KEY,
	sequence INTEGER NOT NULL,
	head_hash TEXT NOT NULL
);`,
}

var postgresDialect = dialect{
	name: "postgres",
	schema: `
CREATE TABLE IF NOT EXISTS governance_events (
	entry_id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	kind TEXT NOT NULL,
	recorded_at TEXT NOT NULL,
	post_cancellation BOOLEAN NOT NULL DEFAULT FALSE,
	payload TEXT NOT NULL,
	payload_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	UNIQUE (execution_id, sequence)
);
CREATE TABLE IF NOT EXISTS governance_heads (
	execution_id TEXT PRIMARY KEY,
	sequence BIGINT NOT NULL,
	head_hash TEXT NOT NULL
);`,
	forUpdate: " FOR UPDATE",
	dollar:    true,
}

// rebind rewrites ? placeholders to $n for Postgres drivers.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SQLStore is an EventStore over database/sql. Appends run in a transaction
// that locks the partition head row, so concurrent writers in other
// processes keep the chain linear.
type SQLStore struct {
	db       *sql.DB
	d        dialect
	now      func() time.Time
	locks    sync.Map // execution id -> *sync.Mutex
	mu       sync.RWMutex
	handlers []EntryHandler
}

// NewSQLiteStore migrates and returns a store over a modernc.org/sqlite db.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, sqliteDialect)
}

// NewPostgresStore migrates and returns a store over a lib/pq or pgx db.
func NewPostgresStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	return newSQLStore(ctx, db, postgresDialect)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, d: d, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("%s event store migrate: %w", d.name, err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.d.schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) lock(executionID string) *sync.Mutex {
	m, _ := s.locks.LoadOrStore(executionID, &sync.Mutex{})
	return m.(*sync.Mutex)
}

func (s *SQLStore) Append(ctx context.Context, rec Record) (*Entry, error) {
	if rec.ExecutionID == "" {
		return nil, ErrMissingExecutionID
	}
	mu := s.lock(rec.ExecutionID)
	mu.Lock()
	defer mu.Unlock()

	entry, err := s.appendTx(ctx, rec)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	handlers := s.handlers
	s.mu.RUnlock()
	for _, h := range handlers {
		h(entry.clone())
	}
	return entry, nil
}

func (s *SQLStore) appendTx(ctx context.Context, rec Record) (*Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO governance_heads (execution_id, sequence, head_hash) VALUES (?, 0, ?) ON CONFLICT (execution_id) DO NOTHING`),
		rec.ExecutionID, Genesis); err != nil {
		return nil, fmt.Errorf("init partition head: %w", err)
	}

	var (
		seq  uint64
		head string
	)
	row := tx.QueryRowContext(ctx, s.d.rebind(
		`SELECT sequence, head_hash FROM governance_heads WHERE execution_id = ?`+s.d.forUpdate), rec.ExecutionID)
	if err := row.Scan(&seq, &head); err != nil {
		return nil, fmt.Errorf("read partition head: %w", err)
	}

	entry, err := newEntry(uuid.New().String(), rec, seq+1, head, s.now())
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(`
		INSERT INTO governance_events (
			entry_id, execution_id, sequence, kind, recorded_at, post_cancellation, payload, payload_hash, previous_hash, entry_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.EntryID, entry.ExecutionID, entry.Sequence, string(entry.Kind),
		entry.Timestamp.Format(time.RFC3339Nano), entry.PostCancellation, string(entry.Payload),
		entry.PayloadHash, entry.PreviousHash, entry.EntryHash,
	); err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.d.rebind(
		`UPDATE governance_heads SET sequence = ?, head_hash = ? WHERE execution_id = ?`),
		entry.Sequence, entry.EntryHash, entry.ExecutionID); err != nil {
		return nil, fmt.Errorf("advance partition head: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return entry, nil
}

func (s *SQLStore) Query(ctx context.Context, executionID string, filter QueryFilter) ([]*Entry, error) {
	entries, err := s.load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	results := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if filter.matches(e) {
			results = append(results, e)
			if filter.MaxResults > 0 && len(results) >= filter.MaxResults {
				break
			}
		}
	}
	return results, nil
}

func (s *SQLStore) Verify(ctx context.Context, executionID string) error {
	entries, err := s.load(ctx, executionID)
	if err != nil {
		return err
	}
	if err := VerifyEntries(entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	var head string
	err = s.db.QueryRowContext(ctx, s.d.rebind(
		`SELECT head_hash FROM governance_heads WHERE execution_id = ?`), executionID).Scan(&head)
	if err != nil {
		return fmt.Errorf("read partition head: %w", err)
	}
	if last := entries[len(entries)-1]; head != last.EntryHash {
		return fmt.Errorf("%w: head %s does not match last entry %d", ErrChainBroken, head, last.Sequence)
	}
	return nil
}

func (s *SQLStore) load(ctx context.Context, executionID string) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT entry_id, execution_id, sequence, kind, recorded_at, post_cancellation, payload, payload_hash, previous_hash, entry_hash
		FROM governance_events
		WHERE execution_id = ?
		ORDER BY sequence`), executionID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]*Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			kind    string
			ts      string
			payload string
		)
		if err := rows.Scan(&e.EntryID, &e.ExecutionID, &e.Sequence, &kind, &ts, &e.PostCancellation,
			&payload, &e.PayloadHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Kind = Kind(kind)
		e.Payload = []byte(payload)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", e.Sequence, err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *SQLStore) AddHandler(h EntryHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const loopBudgetSchema = `
CREATE TABLE IF NOT EXISTS loop_budgets (
	execution_id TEXT PRIMARY KEY,
	call_count BIGINT NOT NULL DEFAULT 0,
	max_calls BIGINT NOT NULL,
	exceeded BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at TIMESTAMPTZ NOT NULL
)`

// PostgresCounter implements Counter with a single conditional UPDATE, so
// the row lock serializes concurrent increments.
type PostgresCounter struct {
	db  *sql.DB
	now func() time.Time
}

func NewPostgresCounter(db *sql.DB) *PostgresCounter {
	return &PostgresCounter{db: db, now: time.Now}
}

// Migrate creates the loop_budgets table.
func (c *PostgresCounter) Migrate(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, loopBudgetSchema); err != nil {
		return fmt.Errorf("failed to migrate loop_budgets: %w", err)
	}
	return nil
}

func (c *PostgresCounter) Init(ctx context.Context, executionID string, maxCalls int64) error {
	query := `
		INSERT INTO loop_budgets (execution_id, call_count, max_calls, exceeded, updated_at)
		VALUES ($1, 0, $2, FALSE, $3)
		ON CONFLICT (execution_id) DO NOTHING
	`
	if _, err := c.db.ExecContext(ctx, query, executionID, maxCalls, c.now().UTC()); err != nil {
		return fmt.Errorf("failed to init loop budget: %w", err)
	}
	return nil
}

func (c *PostgresCounter) Increment(ctx context.Context, executionID string) (Step, error) {
	query := `
		UPDATE loop_budgets
		SET call_count = call_count + 1,
			exceeded = (call_count + 1 > max_calls),
			updated_at = $2
		WHERE execution_id = $1 AND NOT exceeded
		RETURNING call_count, max_calls, exceeded
	`
	var step Step
	err := c.db.QueryRowContext(ctx, query, executionID, c.now().UTC()).Scan(&step.CallCount, &step.MaxCalls, &step.Exceeded)
	if err == nil {
		step.Transitioned = step.Exceeded
		return step, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Step{}, fmt.Errorf("failed to increment loop budget: %w", err)
	}

	// No row updated: either unbound or already saturated.
	st, err := c.Get(ctx, executionID)
	if err != nil {
		return Step{}, err
	}
	return Step{CallCount: st.CallCount, MaxCalls: st.MaxCalls, Exceeded: st.Exceeded}, nil
}

func (c *PostgresCounter) Get(ctx context.Context, executionID string) (State, error) {
	row := c.db.QueryRowContext(ctx,
		"SELECT call_count, max_calls, exceeded FROM loop_budgets WHERE execution_id = $1", executionID)
	st := State{ExecutionID: executionID}
	err := row.Scan(&st.CallCount, &st.MaxCalls, &st.Exceeded)
	if errors.Is(err, sql.ErrNoRows) {
		return State{}, ErrNotBound
	}
	if err != nil {
		return State{}, fmt.Errorf("failed to get loop budget: %w", err)
	}
	return st, nil
}

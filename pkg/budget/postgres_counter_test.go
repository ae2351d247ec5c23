package budget

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const incrementQuery = `
		UPDATE loop_budgets
		SET call_count = call_count + 1,
			exceeded = (call_count + 1 > max_calls),
			updated_at = $2
		WHERE execution_id = $1 AND NOT exceeded
		RETURNING call_count, max_calls, exceeded
	`

func TestPostgresCounter_Init(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewPostgresCounter(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO loop_budgets")).
		WithArgs("exec-1", int64(3), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, c.Init(context.Background(), "exec-1", 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounter_Increment(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	c := NewPostgresCounter(db)
	ctx := context.Background()

	// 1. Within budget
	mock.ExpectQuery(regexp.QuoteMeta(incrementQuery)).
		WithArgs("exec-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"call_count", "max_calls", "exceeded"}).AddRow(3, 3, false))
	step, err := c.Increment(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, Step{CallCount: 3, MaxCalls: 3}, step)

	// 2. The crossing call
	mock.ExpectQuery(regexp.QuoteMeta(incrementQuery)).
		WithArgs("exec-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"call_count", "max_calls", "exceeded"}).AddRow(4, 3, true))
	step, err = c.Increment(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, step.Exceeded)
	assert.True(t, step.Transitioned)

	// 3. Saturated: UPDATE matches nothing, state is read back
	mock.ExpectQuery(regexp.QuoteMeta(incrementQuery)).
		WithArgs("exec-1", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"call_count", "max_calls", "exceeded"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT call_count, max_calls, exceeded FROM loop_budgets WHERE execution_id = $1")).
		WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"call_count", "max_calls", "exceeded"}).AddRow(4, 3, true))
	step, err = c.Increment(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, Step{CallCount: 4, MaxCalls: 3, Exceeded: true}, step)

	// 4. Unbound
	mock.ExpectQuery(regexp.QuoteMeta(incrementQuery)).
		WithArgs("ghost", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"call_count", "max_calls", "exceeded"}))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT call_count, max_calls, exceeded FROM loop_budgets WHERE execution_id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"call_count", "max_calls", "exceeded"}))
	_, err = c.Increment(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotBound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounter_BackendFailureSurfaces(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	tr := NewTracker(NewPostgresCounter(db))
	mock.ExpectQuery(regexp.QuoteMeta(incrementQuery)).
		WithArgs("exec-1", sqlmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	_, err = tr.Consume(context.Background(), "exec-1")
	assert.ErrorContains(t, err, "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

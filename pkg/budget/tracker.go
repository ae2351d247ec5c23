// Package budget implements the loop budget tracker: a per-execution
// saturating counter of governed calls. The exceeded transition is observed
// by exactly one caller, which is responsible for halting the execution.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrNotBound      = errors.New("loop budget not bound")
	ErrInvalidMax    = errors.New("loop budget max must be > 0")
	ErrMissingExecID = errors.New("execution id is required")
)

// State is the LoopBudgetState of an execution.
type State struct {
	ExecutionID string `json:"execution_id"`
	CallCount   int64  `json:"call_count"`
	MaxCalls    int64  `json:"max_calls"`
	Exceeded    bool   `json:"exceeded"`
}

// Step is the result of one atomic increment-and-compare. Transitioned is
// true only for the call that moved the counter past MaxCalls.
type Step struct {
	CallCount    int64
	MaxCalls     int64
	Exceeded     bool
	Transitioned bool
}

// Counter is the atomic storage behind the tracker. Increment on an
// already exceeded state must not move the counter.
type Counter interface {
	Init(ctx context.Context, executionID string, maxCalls int64) error
	Increment(ctx context.Context, executionID string) (Step, error)
	Get(ctx context.Context, executionID string) (State, error)
}

// Decision is the BudgetDecision returned by Consume.
type Decision struct {
	OK           bool
	Exceeded     bool
	Transitioned bool
	CallCount    int64
	MaxCalls     int64
}

// ExceededHandler is invoked once per execution, by the caller whose
// increment crossed the limit.
type ExceededHandler func(ctx context.Context, state State)

// Tracker enforces loop budgets over a Counter.
type Tracker struct {
	counter  Counter
	logger   *slog.Logger
	mu       sync.RWMutex
	handlers map[string]ExceededHandler
}

type TrackerOption func(*Tracker)

func WithLogger(l *slog.Logger) TrackerOption {
	return func(t *Tracker) { t.logger = l }
}

func NewTracker(counter Counter, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		counter:  counter,
		logger:   slog.Default().With("component", "loop-budget"),
		handlers: make(map[string]ExceededHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Bind creates the budget state for an execution with maxCalls copied from
// its runtime profile. Binding an existing execution keeps its counter.
func (t *Tracker) Bind(ctx context.Context, executionID string, maxCalls int64, onExceeded ExceededHandler) error {
	if executionID == "" {
		return ErrMissingExecID
	}
	if maxCalls <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMax, maxCalls)
	}
	if err := t.counter.Init(ctx, executionID, maxCalls); err != nil {
		return fmt.Errorf("bind loop budget %s: %w", executionID, err)
	}
	if onExceeded != nil {
		t.mu.Lock()
		t.handlers[executionID] = onExceeded
		t.mu.Unlock()
	}
	return nil
}

// Release drops the exceeded handler of a finished execution. The counter
// itself is kept for audit.
func (t *Tracker) Release(executionID string) {
	t.mu.Lock()
	delete(t.handlers, executionID)
	t.mu.Unlock()
}

// Consume counts one governed call.
func (t *Tracker) Consume(ctx context.Context, executionID string) (Decision, error) {
	step, err := t.counter.Increment(ctx, executionID)
	if err != nil {
		if !errors.Is(err, ErrNotBound) {
			t.logger.ErrorContext(ctx, "loop budget increment failed", "execution_id", executionID, "error", err)
		}
		return Decision{}, err
	}
	d := Decision{
		OK:           !step.Exceeded,
		Exceeded:     step.Exceeded,
		Transitioned: step.Transitioned,
		CallCount:    step.CallCount,
		MaxCalls:     step.MaxCalls,
	}
	if step.Transitioned {
		t.logger.WarnContext(ctx, "loop budget exceeded",
			"execution_id", executionID, "call_count", step.CallCount, "max_calls", step.MaxCalls)
		t.mu.RLock()
		h := t.handlers[executionID]
		t.mu.RUnlock()
		if h != nil {
			h(ctx, State{ExecutionID: executionID, CallCount: step.CallCount, MaxCalls: step.MaxCalls, Exceeded: true})
		}
	}
	return d, nil
}

// State returns the current budget state.
func (t *Tracker) State(ctx context.Context, executionID string) (State, error) {
	return t.counter.Get(ctx, executionID)
}

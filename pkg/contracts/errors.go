package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrPolicyDenied         = errors.New("policy denied")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrBudgetExceeded       = errors.New("loop budget exceeded")
	ErrQualityGateFailed    = errors.New("quality gate failed")
	ErrRoutingExhausted     = errors.New("routing exhausted")
	ErrInvalidProfile       = errors.New("invalid runtime profile")
	ErrExecutionNotFound    = errors.New("execution not found")
	ErrExecutionCancelled   = errors.New("execution cancelled")
	ErrExecutionTerminal    = errors.New("execution already terminal")
	ErrNotSuspended         = errors.New("execution not suspended")
)

// PolicyDeniedError is surfaced when Policy Guard returns deny.
type PolicyDeniedError struct {
	ExecutionID string
	ToolID      string
	Reason      string
}

func (e *PolicyDeniedError) Error() string {
	return fmt.Sprintf("policy denied %s for execution %s: %s", e.ToolID, e.ExecutionID, e.Reason)
}

func (e *PolicyDeniedError) Unwrap() error { return ErrPolicyDenied }

// ConfirmationRequiredError signals that the call must be confirmed and
// resubmitted. It is control flow, not a failure.
type ConfirmationRequiredError struct {
	ExecutionID string
	ToolID      string
	TicketID    string
	Reason      string
}

func (e *ConfirmationRequiredError) Error() string {
	return fmt.Sprintf("confirmation required for %s (ticket %s): %s", e.ToolID, e.TicketID, e.Reason)
}

func (e *ConfirmationRequiredError) Unwrap() error { return ErrConfirmationRequired }

// BudgetExceededError is the terminal budget condition of an execution.
type BudgetExceededError struct {
	ExecutionID string
	CallCount   int64
	MaxCalls    int64
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("loop budget exceeded for execution %s: %d > %d", e.ExecutionID, e.CallCount, e.MaxCalls)
}

func (e *BudgetExceededError) Unwrap() error { return ErrBudgetExceeded }

// QualityGateFailedError carries every failing gate of one evaluation pass.
type QualityGateFailedError struct {
	ExecutionID string
	StepID      string
	Failures    []QualityGateResult
}

func (e *QualityGateFailedError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.GateName)
	}
	return fmt.Sprintf("quality gates failed for execution %s step %s: %s",
		e.ExecutionID, e.StepID, strings.Join(names, ", "))
}

func (e *QualityGateFailedError) Unwrap() error { return ErrQualityGateFailed }

// Blocking reports whether any failure is not advisory.
func (e *QualityGateFailedError) Blocking() bool {
	for _, f := range e.Failures {
		if !f.Advisory {
			return true
		}
	}
	return false
}

// RoutingExhaustedError is raised when no rule matches and no default agent
// is configured.
type RoutingExhaustedError struct {
	StepID string
}

func (e *RoutingExhaustedError) Error() string {
	return fmt.Sprintf("no routing rule matched step %q and no default agent is configured", e.StepID)
}

func (e *RoutingExhaustedError) Unwrap() error { return ErrRoutingExhausted }

package orchestrator

import (
	"context"
	"fmt"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/guardian"
)

func (o *Orchestrator) suspension(ex *execution, ticketID string) (*Suspension, error) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", contracts.ErrExecutionTerminal, ex.id, ex.status)
	}
	if ex.suspended == nil {
		return nil, fmt.Errorf("%w: %s", contracts.ErrNotSuspended, ex.id)
	}
	if ticketID != "" && ticketID != ex.suspended.TicketID {
		return nil, fmt.Errorf("%w: ticket %s is not pending for %s", escalation.ErrTicketMismatch, ticketID, ex.id)
	}
	s := *ex.suspended
	return &s, nil
}

// Confirm approves the pending ticket of a suspended execution and resumes
// it. The suspended call is checked again with the signed confirmation, so
// it consumes budget a second time; on allow the step is re-run and the
// confirmed call passes through once without a third check.
func (o *Orchestrator) Confirm(ctx context.Context, executionID, ticketID, approverID string) (ExecutionContext, error) {
	ex, err := o.get(executionID)
	if err != nil {
		return ExecutionContext{}, err
	}
	s, err := o.suspension(ex, ticketID)
	if err != nil {
		return ex.snapshot(), err
	}

	token, err := o.deps.Tickets.Approve(ctx, s.TicketID, approverID)
	if err != nil {
		return ex.snapshot(), err
	}
	_ = o.lifecycle(ctx, ex, contracts.LifecycleResumed, contracts.StatusRunning, s.StepID, "approved by "+approverID)

	d, err := o.deps.Guard.Check(ctx, guardian.CallRequest{
		ExecutionID:       ex.id,
		ToolID:            s.Call.ToolID,
		Args:              s.Call.Args,
		Mutating:          s.Call.Mutating,
		ConfirmationToken: token,
	})
	if err != nil {
		o.terminate(ctx, ex, contracts.StatusFailed, s.StepID, err)
		return ex.snapshot(), err
	}

	switch d.Decision {
	case contracts.DecisionAllow:
		ex.mu.Lock()
		ex.grantPreauth(s.StepIndex, d.Fingerprint)
		ex.suspended = nil
		ex.updatedAt = o.now().UTC()
		ex.mu.Unlock()
		return o.Run(ctx, ex.id)
	case contracts.DecisionRequireConfirm:
		o.suspend(ctx, ex, &Suspension{
			StepIndex: s.StepIndex,
			StepID:    s.StepID,
			AgentID:   s.AgentID,
			TicketID:  d.Ticket.TicketID,
			Reason:    d.Reason,
			Call:      s.Call,
		})
		return ex.snapshot(), d.Err(ex.id)
	default:
		status := contracts.StatusFailed
		if d.Budget.Exceeded {
			status = contracts.StatusHaltedBudget
		}
		o.terminate(ctx, ex, status, s.StepID, d.Err(ex.id))
		return ex.snapshot(), ex.terminalErr()
	}
}

// Deny rejects the pending ticket and fails the execution. A budget halt
// recorded earlier is kept.
func (o *Orchestrator) Deny(ctx context.Context, executionID, ticketID, denierID, reason string) (ExecutionContext, error) {
	ex, err := o.get(executionID)
	if err != nil {
		return ExecutionContext{}, err
	}
	s, err := o.suspension(ex, ticketID)
	if err != nil {
		return ex.snapshot(), err
	}
	if _, err := o.deps.Tickets.Deny(ctx, s.TicketID, denierID, reason); err != nil {
		return ex.snapshot(), err
	}
	detail := contracts.ReasonConfirmationDenied
	if reason != "" {
		detail += ": " + reason
	}
	o.terminate(ctx, ex, contracts.StatusFailed, s.StepID, &contracts.PolicyDeniedError{
		ExecutionID: ex.id,
		ToolID:      s.Call.ToolID,
		Reason:      detail,
	})
	return ex.snapshot(), nil
}

// Cancel stops an execution. It is idempotent and a no-op on a terminal
// execution. Calls still in flight are denied and their events are tagged
// post_cancellation.
func (o *Orchestrator) Cancel(ctx context.Context, executionID, reason string) (ExecutionContext, error) {
	ex, err := o.get(executionID)
	if err != nil {
		return ExecutionContext{}, err
	}
	ex.mu.Lock()
	if ex.cancelled || ex.status.Terminal() {
		ex.mu.Unlock()
		return ex.snapshot(), nil
	}
	ex.cancelled = true
	stepID := ""
	if ex.stepIndex < len(ex.steps) {
		stepID = ex.steps[ex.stepIndex].ID
	}
	ex.mu.Unlock()

	o.deps.Guard.Cancel(ex.id)
	o.deps.Checker.Cancel(ex.id)
	revoked := o.deps.Tickets.CancelExecution(ctx, ex.id)

	if reason == "" {
		reason = "cancelled"
	}
	_ = o.lifecycle(ctx, ex, contracts.LifecycleCancelled, contracts.StatusFailed, stepID, reason)
	o.terminate(ctx, ex, contracts.StatusFailed, stepID, fmt.Errorf("%w: %s", contracts.ErrExecutionCancelled, reason))
	o.logger.InfoContext(ctx, "execution cancelled", "execution_id", ex.id, "revoked_tickets", revoked)
	return ex.snapshot(), nil
}

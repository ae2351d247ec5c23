// Package guardian implements the Policy Guard: the decision point every
// governed tool call passes through before dispatch.
//
// A check resolves tool metadata, consumes one unit of loop budget, applies
// the bound profile's confirmation policy and appends exactly one
// PolicyEvent before the decision is returned.
package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/budget"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/observability"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/tooling"
)

// Clock provides decision time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// CallRequest is one governed call as submitted by the tool boundary.
// Mutating is a property of the action, supplied by the caller.
type CallRequest struct {
	ExecutionID       string
	ToolID            string
	Args              map[string]any
	Mutating          bool
	ConfirmationToken string
}

// Decision is the result of Check. It mirrors the PolicyEvent written to
// the event store.
type Decision struct {
	Decision         contracts.Decision
	Reason           string
	Resolution       tooling.Resolution
	Budget           budget.Decision
	Fingerprint      string
	Ticket           *contracts.ConfirmationTicket
	EventID          string
	PostCancellation bool
}

func (d Decision) Allowed() bool { return d.Decision == contracts.DecisionAllow }

// Err converts a non-allow decision into the error taxonomy.
func (d Decision) Err(executionID string) error {
	switch d.Decision {
	case contracts.DecisionAllow:
		return nil
	case contracts.DecisionRequireConfirm:
		ticketID := ""
		if d.Ticket != nil {
			ticketID = d.Ticket.TicketID
		}
		return &contracts.ConfirmationRequiredError{
			ExecutionID: executionID,
			ToolID:      d.Resolution.ToolID,
			TicketID:    ticketID,
			Reason:      d.Reason,
		}
	default:
		if d.Budget.Exceeded {
			return &contracts.BudgetExceededError{
				ExecutionID: executionID,
				CallCount:   d.Budget.CallCount,
				MaxCalls:    d.Budget.MaxCalls,
			}
		}
		return &contracts.PolicyDeniedError{ExecutionID: executionID, ToolID: d.Resolution.ToolID, Reason: d.Reason}
	}
}

type binding struct {
	profile   *profile.RuntimeProfile
	cancelled bool
}

// Guardian is the Policy Guard.
type Guardian struct {
	resolver *tooling.Resolver
	tracker  *budget.Tracker
	events   store.EventStore
	tickets  *escalation.Manager
	recorder *observability.Recorder
	clock    Clock
	logger   *slog.Logger

	mu       sync.RWMutex
	bindings map[string]*binding
}

type Option func(*Guardian)

func WithClock(c Clock) Option {
	return func(g *Guardian) { g.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Guardian) { g.logger = l }
}

func WithRecorder(r *observability.Recorder) Option {
	return func(g *Guardian) { g.recorder = r }
}

func NewGuardian(resolver *tooling.Resolver, tracker *budget.Tracker, events store.EventStore, tickets *escalation.Manager, opts ...Option) *Guardian {
	g := &Guardian{
		resolver: resolver,
		tracker:  tracker,
		events:   events,
		tickets:  tickets,
		clock:    wallClock{},
		logger:   slog.Default().With("component", "policy-guard"),
		bindings: make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Bind attaches the runtime profile of an execution. The loop budget is
// bound separately on the tracker.
func (g *Guardian) Bind(executionID string, p *profile.RuntimeProfile) error {
	if executionID == "" {
		return store.ErrMissingExecutionID
	}
	if p == nil {
		return fmt.Errorf("%w: nil profile", contracts.ErrInvalidProfile)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.bindings[executionID] = &binding{profile: p}
	return nil
}

// Cancel marks an execution cancelled. Later checks are denied without
// consuming budget. It returns false if the execution was already cancelled
// or is unknown.
func (g *Guardian) Cancel(executionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.bindings[executionID]
	if !ok || b.cancelled {
		return false
	}
	b.cancelled = true
	return true
}

// Release drops the binding of a finished execution. Later checks on it are
// denied as unbound.
func (g *Guardian) Release(executionID string) {
	g.mu.Lock()
	delete(g.bindings, executionID)
	g.mu.Unlock()
}

func (g *Guardian) lookup(executionID string) (p *profile.RuntimeProfile, cancelled, ok bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.bindings[executionID]
	if !ok {
		return nil, false, false
	}
	return b.profile, b.cancelled, true
}

// Check decides one governed call. The returned error is non-nil only when
// the decision could not be audited; the decision is then deny.
func (g *Guardian) Check(ctx context.Context, req CallRequest) (Decision, error) {
	ctx, finish := g.recorder.StartCheck(ctx, req.ExecutionID, req.ToolID)

	d := g.decide(ctx, req)

	if err := g.audit(ctx, req, &d); err != nil {
		g.logger.ErrorContext(ctx, "policy event append failed",
			"execution_id", req.ExecutionID, "tool_id", req.ToolID, "error", err)
		if d.Ticket != nil {
			g.tickets.Revert(d.Ticket.TicketID)
			d.Ticket = nil
		}
		d.Decision = contracts.DecisionDeny
		d.Reason = "audit unavailable"
		finish(string(d.Decision), err)
		return d, fmt.Errorf("append policy event: %w", err)
	}

	g.recorder.RecordDecision(ctx, string(d.Decision), string(d.Resolution.RiskClass))
	if d.Decision != contracts.DecisionAllow {
		g.logger.InfoContext(ctx, "governed call not allowed",
			"execution_id", req.ExecutionID,
			"tool_id", req.ToolID,
			"decision", d.Decision,
			"reason", d.Reason,
		)
	}
	finish(string(d.Decision), nil)
	return d, nil
}

func (g *Guardian) decide(ctx context.Context, req CallRequest) Decision {
	d := Decision{Resolution: g.resolver.Resolve(ctx, req.ToolID)}

	p, cancelled, bound := g.lookup(req.ExecutionID)
	switch {
	case !bound:
		return deny(d, contracts.ReasonNotBound)
	case cancelled:
		d.PostCancellation = true
		return deny(d, contracts.ReasonCancelled)
	}

	bd, err := g.tracker.Consume(ctx, req.ExecutionID)
	if err != nil {
		if errors.Is(err, budget.ErrNotBound) {
			return deny(d, contracts.ReasonNotBound)
		}
		return deny(d, contracts.ReasonBudgetUnavailable)
	}
	d.Budget = bd
	if bd.Exceeded {
		return deny(d, contracts.ReasonBudgetExceeded)
	}

	reason := confirmationReason(p, d.Resolution, req.Mutating)
	if reason == "" {
		d.Decision = contracts.DecisionAllow
		d.Reason = contracts.ReasonAllowed
		return d
	}

	fp, err := tooling.CallFingerprint(req.ExecutionID, req.ToolID, req.Args)
	if err != nil {
		return deny(d, fmt.Sprintf("call arguments not canonicalizable: %v", err))
	}
	d.Fingerprint = fp

	if req.ConfirmationToken != "" {
		t, err := g.tickets.Redeem(ctx, req.ConfirmationToken, req.ExecutionID, req.ToolID, fp)
		if err == nil {
			d.Decision = contracts.DecisionAllow
			d.Reason = contracts.ReasonConfirmed
			d.Ticket = t
			return d
		}
		d.Resolution.Notes = append(d.Resolution.Notes, "confirmation token rejected: "+err.Error())
	}

	d.Decision = contracts.DecisionRequireConfirm
	d.Reason = reason
	d.Ticket = g.tickets.Request(ctx, req.ExecutionID, req.ToolID, fp, d.Resolution.RiskClass, reason)
	return d
}

// confirmationReason returns why a call needs confirmation, or "". High risk
// escalates regardless of profile settings.
func confirmationReason(p *profile.RuntimeProfile, res tooling.Resolution, mutating bool) string {
	switch {
	case res.RiskClass == contracts.RiskHigh:
		return contracts.ReasonHighRiskEscalation
	case p.RequireExplicitConfirm && mutating:
		return contracts.ReasonExplicitConfirm
	case mutating && p.ConfirmsCapability(res.CapabilityCode):
		return contracts.ReasonCapabilityConfirm
	default:
		return ""
	}
}

func deny(d Decision, reason string) Decision {
	d.Decision = contracts.DecisionDeny
	d.Reason = reason
	return d
}

func (g *Guardian) audit(ctx context.Context, req CallRequest, d *Decision) error {
	reason := d.Reason
	if len(d.Resolution.Notes) > 0 {
		reason += " [" + strings.Join(d.Resolution.Notes, "; ") + "]"
	}
	ev := contracts.PolicyEvent{
		EventID:        uuid.New().String(),
		ExecutionID:    req.ExecutionID,
		ToolID:         req.ToolID,
		CapabilityCode: d.Resolution.CapabilityCode,
		RiskClass:      d.Resolution.RiskClass,
		Mutating:       req.Mutating,
		Decision:       d.Decision,
		Reason:         reason,
		CallCount:      d.Budget.CallCount,
		MaxCalls:       d.Budget.MaxCalls,
		Fingerprint:    d.Fingerprint,
		Timestamp:      g.clock.Now().UTC(),
	}
	if d.Ticket != nil {
		ev.TicketID = d.Ticket.TicketID
	}
	if _, err := g.events.Append(ctx, store.Record{
		ExecutionID:      req.ExecutionID,
		Kind:             store.KindPolicy,
		PostCancellation: d.PostCancellation,
		Payload:          ev,
	}); err != nil {
		return err
	}
	d.EventID = ev.EventID
	return nil
}

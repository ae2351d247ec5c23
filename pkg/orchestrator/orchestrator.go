// Package orchestrator drives executions through the governance state
// machine: routing, executing, gate checking and a terminal status that is
// set exactly once.
//
// An execution id is allocated and bound to Policy Guard, the loop budget
// tracker and the quality checker in Start, before step 0 runs, so every
// event of an execution carries its id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/budget"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/celexpr"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/escalation"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/guardian"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/observability"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/quality"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/routing"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

var (
	ErrExecutionBusy = errors.New("execution is already running")
	ErrNoSteps       = errors.New("execution has no steps")
	ErrUnknownAgent  = errors.New("agent not registered")
)

// Deps are the collaborators an Orchestrator binds executions to.
type Deps struct {
	Catalog profile.Source
	Events  store.EventStore
	Guard   *guardian.Guardian
	Tracker *budget.Tracker
	Checker *quality.Checker
	Tickets *escalation.Manager
	Driver  ToolDriver
}

// Orchestrator is the Multi-Agent Orchestrator. Executions are independent;
// there is no lock shared between them beyond the registry map.
type Orchestrator struct {
	deps       Deps
	routingCEL *celexpr.Evaluator
	recorder   *observability.Recorder
	now        func() time.Time
	logger     *slog.Logger

	agentsMu sync.RWMutex
	agents   map[string]Agent

	mu    sync.RWMutex
	execs map[string]*execution
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithRecorder(r *observability.Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(deps Deps, opts ...Option) (*Orchestrator, error) {
	switch {
	case deps.Events == nil:
		return nil, errors.New("orchestrator: event store is required")
	case deps.Guard == nil, deps.Tracker == nil, deps.Checker == nil, deps.Tickets == nil:
		return nil, errors.New("orchestrator: guard, tracker, checker and tickets are required")
	}
	ev, err := routing.NewEvaluator()
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		deps:       deps,
		routingCEL: ev,
		now:        time.Now,
		logger:     slog.Default().With("component", "orchestrator"),
		agents:     make(map[string]Agent),
		execs:      make(map[string]*execution),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// RegisterAgent makes an agent selectable by routing.
func (o *Orchestrator) RegisterAgent(id string, a Agent) {
	o.agentsMu.Lock()
	defer o.agentsMu.Unlock()
	o.agents[id] = a
}

func (o *Orchestrator) agent(id string) (Agent, bool) {
	o.agentsMu.RLock()
	defer o.agentsMu.RUnlock()
	a, ok := o.agents[id]
	return a, ok
}

func (o *Orchestrator) get(executionID string) (*execution, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	ex, ok := o.execs[executionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", contracts.ErrExecutionNotFound, executionID)
	}
	return ex, nil
}

func (o *Orchestrator) resolveProfile(req StartRequest) (*profile.RuntimeProfile, error) {
	if req.Profile != nil {
		return req.Profile.Clone(), nil
	}
	if o.deps.Catalog == nil {
		return nil, fmt.Errorf("%w: no profile catalog configured", contracts.ErrInvalidProfile)
	}
	p, err := o.deps.Catalog.Get(req.ProfileRef)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", contracts.ErrInvalidProfile, err)
	}
	return p, nil
}

// Start validates the profile, compiles its rules and gates, allocates the
// execution id and binds it to every collaborator. Configuration errors are
// returned here and no execution is created.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (ExecutionContext, error) {
	if len(req.Steps) == 0 {
		return ExecutionContext{}, ErrNoSteps
	}
	p, err := o.resolveProfile(req)
	if err != nil {
		return ExecutionContext{}, err
	}
	if err := p.Validate(); err != nil {
		return ExecutionContext{}, err
	}

	router, err := routing.Compile(p, o.routingCEL)
	if err != nil {
		return ExecutionContext{}, fmt.Errorf("%w: %v", contracts.ErrInvalidProfile, err)
	}
	if p.DefaultAgent == "" && !hasCatchAll(p) {
		return ExecutionContext{}, fmt.Errorf("%w: profile %s has no default agent", contracts.ErrInvalidProfile, p.ID)
	}
	for _, target := range router.Targets() {
		if _, ok := o.agent(target); !ok {
			return ExecutionContext{}, fmt.Errorf("%w: %s (profile %s)", ErrUnknownAgent, target, p.ID)
		}
	}

	gates := make([][]quality.Gate, len(req.Steps))
	for i, step := range req.Steps {
		if step.ID == "" {
			return ExecutionContext{}, fmt.Errorf("step %d: id is required", i)
		}
		specs, err := p.Gates(step.Gates)
		if err != nil {
			return ExecutionContext{}, fmt.Errorf("step %s: %w", step.ID, err)
		}
		if gates[i], err = o.deps.Checker.Compile(specs); err != nil {
			return ExecutionContext{}, fmt.Errorf("%w: step %s: %v", contracts.ErrInvalidProfile, step.ID, err)
		}
	}

	now := o.now().UTC()
	ex := &execution{
		id:          uuid.New().String(),
		workspaceID: req.WorkspaceID,
		profile:     p,
		steps:       append([]Step(nil), req.Steps...),
		router:      router,
		gates:       gates,
		status:      contracts.StatusRunning,
		preauth:     make(map[string]int),
		preauthStep: -1,
		createdAt:   now,
		updatedAt:   now,
	}

	if err := o.deps.Tracker.Bind(ctx, ex.id, p.LoopBudgetMax, o.onBudgetExceeded(ex)); err != nil {
		return ExecutionContext{}, err
	}
	if err := o.deps.Guard.Bind(ex.id, p); err != nil {
		return ExecutionContext{}, err
	}
	o.deps.Checker.Bind(ex.id)

	o.mu.Lock()
	o.execs[ex.id] = ex
	o.mu.Unlock()

	if err := o.lifecycle(ctx, ex, contracts.LifecycleStarted, contracts.StatusRunning, "", p.Ref()); err != nil {
		return ExecutionContext{}, err
	}
	o.logger.InfoContext(ctx, "execution started",
		"execution_id", ex.id, "profile", p.Ref(), "workspace_id", ex.workspaceID, "steps", len(ex.steps))
	return ex.snapshot(), nil
}

func hasCatchAll(p *profile.RuntimeProfile) bool {
	for _, r := range p.AgentRoutingRules {
		if r.Kind == routing.KindAlways {
			return true
		}
	}
	return false
}

// Status returns a snapshot of the execution.
func (o *Orchestrator) Status(executionID string) (ExecutionContext, error) {
	ex, err := o.get(executionID)
	if err != nil {
		return ExecutionContext{}, err
	}
	return ex.snapshot(), nil
}

// List returns snapshots of every known execution.
func (o *Orchestrator) List() []ExecutionContext {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ExecutionContext, 0, len(o.execs))
	for _, ex := range o.execs {
		out = append(out, ex.snapshot())
	}
	return out
}

// Run executes steps until the execution completes, halts, fails or is
// suspended awaiting confirmation. A suspension is reported as a
// *contracts.ConfirmationRequiredError with the execution still running.
func (o *Orchestrator) Run(ctx context.Context, executionID string) (ExecutionContext, error) {
	ex, err := o.get(executionID)
	if err != nil {
		return ExecutionContext{}, err
	}
	if !ex.acquire() {
		return ex.snapshot(), ErrExecutionBusy
	}
	defer func() {
		if ex.releaseRun() {
			o.release(ex.id)
		}
	}()

	for {
		snap := ex.snapshot()
		switch {
		case snap.Status.Terminal():
			return snap, ex.terminalErr()
		case snap.Suspended != nil:
			return snap, &contracts.ConfirmationRequiredError{
				ExecutionID: ex.id,
				ToolID:      snap.Suspended.Call.ToolID,
				TicketID:    snap.Suspended.TicketID,
				Reason:      snap.Suspended.Reason,
			}
		case snap.StepIndex >= len(ex.steps):
			o.terminate(ctx, ex, contracts.StatusCompleted, "", nil)
			continue
		}
		if err := ctx.Err(); err != nil {
			return snap, err
		}
		o.runStep(ctx, ex, snap.StepIndex)
	}
}

func (o *Orchestrator) runStep(ctx context.Context, ex *execution, idx int) {
	step := ex.steps[idx]
	sel, err := ex.router.Route(routing.StepContext{
		ExecutionID: ex.id,
		ProfileID:   ex.profile.ID,
		WorkspaceID: ex.workspaceID,
		StepID:      step.ID,
		Kind:        step.Kind,
		Index:       idx,
		Tags:        step.Tags,
	})
	if err != nil {
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, err)
		return
	}
	if _, err := o.deps.Events.Append(ctx, store.Record{
		ExecutionID:      ex.id,
		Kind:             store.KindOrchestration,
		PostCancellation: ex.isCancelled(),
		Payload: contracts.OrchestrationEvent{
			ExecutionID:     ex.id,
			StepID:          step.ID,
			StepIndex:       idx,
			SelectedAgentID: sel.AgentID,
			RuleIndex:       sel.RuleIndex,
			Timestamp:       o.now().UTC(),
		},
	}); err != nil {
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, fmt.Errorf("append orchestration event: %w", err))
		return
	}
	o.recorder.RecordRouting(ctx, sel.AgentID)

	agent, ok := o.agent(sel.AgentID)
	if !ok {
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, fmt.Errorf("%w: %s", ErrUnknownAgent, sel.AgentID))
		return
	}

	caller := &toolCaller{o: o, ex: ex}
	artifact, err := agent.Execute(ctx, StepContext{
		ExecutionID: ex.id,
		WorkspaceID: ex.workspaceID,
		Profile:     ex.profile,
		Step:        step,
		Index:       idx,
		AgentID:     sel.AgentID,
	}, caller)

	if out := caller.outcome(); out != nil {
		o.handleOutcome(ctx, ex, idx, step, sel.AgentID, out)
		return
	}
	if ex.isTerminal() {
		return
	}
	if err != nil {
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, fmt.Errorf("agent %s: %w", sel.AgentID, err))
		return
	}

	_, err = o.deps.Checker.Evaluate(ctx, ex.id, step.ID, ex.gates[idx], artifact)
	if ex.isTerminal() {
		return
	}
	var qerr *contracts.QualityGateFailedError
	switch {
	case errors.As(err, &qerr) && qerr.Blocking():
		o.terminate(ctx, ex, contracts.StatusHaltedQuality, step.ID, qerr)
		return
	case errors.As(err, &qerr):
		o.logger.WarnContext(ctx, "advisory quality gates failed",
			"execution_id", ex.id, "step_id", step.ID, "gates", len(qerr.Failures))
	case err != nil:
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, err)
		return
	}

	ex.advance(idx, o.now().UTC())
}

// handleOutcome applies the governance outcome of a step's tool calls.
func (o *Orchestrator) handleOutcome(ctx context.Context, ex *execution, idx int, step Step, agentID string, out *callOutcome) {
	if out.err != nil {
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, out.err)
		return
	}
	switch out.decision.Decision {
	case contracts.DecisionRequireConfirm:
		o.suspend(ctx, ex, &Suspension{
			StepIndex: idx,
			StepID:    step.ID,
			AgentID:   agentID,
			TicketID:  out.decision.Ticket.TicketID,
			Reason:    out.decision.Reason,
			Call:      out.call,
		})
	case contracts.DecisionDeny:
		if out.decision.Budget.Exceeded {
			o.terminate(ctx, ex, contracts.StatusHaltedBudget, step.ID, out.decision.Err(ex.id))
			return
		}
		o.terminate(ctx, ex, contracts.StatusFailed, step.ID, out.decision.Err(ex.id))
	}
}

func (o *Orchestrator) suspend(ctx context.Context, ex *execution, s *Suspension) {
	ex.mu.Lock()
	if ex.status.Terminal() {
		ex.mu.Unlock()
		return
	}
	ex.suspended = s
	ex.clearPreauth()
	ex.updatedAt = o.now().UTC()
	ex.mu.Unlock()

	_ = o.lifecycle(ctx, ex, contracts.LifecycleSuspended, contracts.StatusRunning, s.StepID, "ticket "+s.TicketID)
	o.logger.InfoContext(ctx, "execution suspended awaiting confirmation",
		"execution_id", ex.id, "step_id", s.StepID, "tool_id", s.Call.ToolID, "ticket_id", s.TicketID)
}

// terminate sets a terminal status. The first caller wins; later calls
// return false and leave the status untouched.
func (o *Orchestrator) terminate(ctx context.Context, ex *execution, status contracts.ExecutionStatus, stepID string, cause error) bool {
	ex.mu.Lock()
	if ex.status.Terminal() {
		ex.mu.Unlock()
		return false
	}
	ex.status = status
	ex.cause = cause
	ex.suspended = nil
	ex.clearPreauth()
	ex.updatedAt = o.now().UTC()
	idle := ex.markReleased()
	ex.mu.Unlock()

	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	_ = o.lifecycle(ctx, ex, contracts.LifecycleStatus, status, stepID, detail)
	o.deps.Tracker.Release(ex.id)
	if idle {
		o.release(ex.id)
	}
	if status == contracts.StatusHaltedBudget {
		o.recorder.RecordBudgetHalt(ctx, ex.profile.ID)
	}

	level := slog.LevelInfo
	if status != contracts.StatusCompleted {
		level = slog.LevelWarn
	}
	o.logger.Log(ctx, level, "execution finished",
		"execution_id", ex.id, "status", status, "step_id", stepID, "detail", detail)
	return true
}

// release drops the per-execution state of the guard and the checker once
// no step of a terminal execution is in flight, so calls still running
// after a cancel keep their post_cancellation tagging.
func (o *Orchestrator) release(executionID string) {
	o.deps.Guard.Release(executionID)
	o.deps.Checker.Release(executionID)
}

func (o *Orchestrator) onBudgetExceeded(ex *execution) budget.ExceededHandler {
	return func(ctx context.Context, st budget.State) {
		o.terminate(ctx, ex, contracts.StatusHaltedBudget, ex.currentStepID(), &contracts.BudgetExceededError{
			ExecutionID: st.ExecutionID,
			CallCount:   st.CallCount,
			MaxCalls:    st.MaxCalls,
		})
	}
}

func (o *Orchestrator) lifecycle(ctx context.Context, ex *execution, action contracts.LifecycleAction, status contracts.ExecutionStatus, stepID, detail string) error {
	_, err := o.deps.Events.Append(ctx, store.Record{
		ExecutionID:      ex.id,
		Kind:             store.KindLifecycle,
		PostCancellation: action != contracts.LifecycleCancelled && ex.isCancelled(),
		Payload: contracts.LifecycleEvent{
			ExecutionID: ex.id,
			Action:      action,
			Status:      status,
			StepID:      stepID,
			Detail:      detail,
			Timestamp:   o.now().UTC(),
		},
	})
	if err != nil {
		o.logger.ErrorContext(ctx, "lifecycle append failed", "execution_id", ex.id, "action", action, "error", err)
	}
	return err
}

package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/guardian"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/quality"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/routing"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/tooling"
)

type execution struct {
	mu sync.Mutex

	id          string
	workspaceID string
	profile     *profile.RuntimeProfile
	steps       []Step
	router      *routing.Router
	gates       [][]quality.Gate

	status    contracts.ExecutionStatus
	stepIndex int
	suspended *Suspension
	cancelled bool
	running   bool
	released  bool
	cause     error

	// preauth counts confirmed fingerprints that may pass once without a
	// second check, only while step preauthStep is re-run.
	preauth     map[string]int
	preauthStep int

	createdAt time.Time
	updatedAt time.Time
}

func (ex *execution) snapshot() ExecutionContext {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	snap := ExecutionContext{
		ExecutionID: ex.id,
		WorkspaceID: ex.workspaceID,
		ProfileID:   ex.profile.ID,
		Profile:     ex.profile,
		Status:      ex.status,
		StepIndex:   ex.stepIndex,
		StepCount:   len(ex.steps),
		Cancelled:   ex.cancelled,
		CreatedAt:   ex.createdAt,
		UpdatedAt:   ex.updatedAt,
	}
	if ex.suspended != nil {
		s := *ex.suspended
		snap.Suspended = &s
	}
	if ex.cause != nil {
		snap.Detail = ex.cause.Error()
	}
	return snap
}

func (ex *execution) acquire() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.running {
		return false
	}
	ex.running = true
	return true
}

// releaseRun clears the running flag. It reports whether the execution is
// terminal and its bindings still need releasing.
func (ex *execution) releaseRun() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	ex.running = false
	return ex.markReleased()
}

// markReleased must be called with ex.mu held.
func (ex *execution) markReleased() bool {
	if !ex.status.Terminal() || ex.running || ex.released {
		return false
	}
	ex.released = true
	return true
}

// grantPreauth must be called with ex.mu held.
func (ex *execution) grantPreauth(stepIndex int, fingerprint string) {
	if ex.preauthStep != stepIndex {
		ex.clearPreauth()
	}
	ex.preauthStep = stepIndex
	ex.preauth[fingerprint]++
}

// clearPreauth must be called with ex.mu held.
func (ex *execution) clearPreauth() {
	clear(ex.preauth)
	ex.preauthStep = -1
}

func (ex *execution) terminalErr() error {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cause
}

func (ex *execution) isTerminal() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.status.Terminal()
}

func (ex *execution) isCancelled() bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.cancelled
}

func (ex *execution) currentStepID() string {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.stepIndex < len(ex.steps) {
		return ex.steps[ex.stepIndex].ID
	}
	return ""
}

// advance moves past step idx unless the execution changed underneath.
func (ex *execution) advance(idx int, now time.Time) {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.status.Terminal() || ex.suspended != nil || ex.stepIndex != idx {
		return
	}
	ex.stepIndex++
	ex.clearPreauth()
	ex.updatedAt = now
}

func (ex *execution) takePreauth(fingerprint string) bool {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	if ex.status.Terminal() || ex.suspended != nil || ex.stepIndex != ex.preauthStep || ex.preauth[fingerprint] == 0 {
		return false
	}
	ex.preauth[fingerprint]--
	if ex.preauth[fingerprint] == 0 {
		delete(ex.preauth, fingerprint)
	}
	return true
}

type callOutcome struct {
	call     ToolCall
	decision guardian.Decision
	err      error
}

// toolCaller is the governed tool boundary of one step run. The first
// non-allow outcome is kept; every later call in the step fails with it.
type toolCaller struct {
	o  *Orchestrator
	ex *execution

	mu      sync.Mutex
	stopped *callOutcome
}

func (c *toolCaller) outcome() *callOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *toolCaller) stop(out *callOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped == nil {
		c.stopped = out
	}
	return c.stopped.failure(c.ex.id)
}

func (out *callOutcome) failure(executionID string) error {
	if out.err != nil {
		return out.err
	}
	return out.decision.Err(executionID)
}

func (c *toolCaller) Call(ctx context.Context, call ToolCall) (any, error) {
	if out := c.outcome(); out != nil {
		return nil, out.failure(c.ex.id)
	}

	if fp, err := tooling.CallFingerprint(c.ex.id, call.ToolID, call.Args); err == nil && c.ex.takePreauth(fp) {
		c.o.logger.DebugContext(ctx, "dispatching confirmed call",
			"execution_id", c.ex.id, "tool_id", call.ToolID)
		return c.dispatch(ctx, call)
	}

	d, err := c.o.deps.Guard.Check(ctx, guardian.CallRequest{
		ExecutionID: c.ex.id,
		ToolID:      call.ToolID,
		Args:        call.Args,
		Mutating:    call.Mutating,
	})
	if err != nil {
		return nil, c.stop(&callOutcome{call: call, decision: d, err: err})
	}
	if !d.Allowed() {
		return nil, c.stop(&callOutcome{call: call, decision: d})
	}
	return c.dispatch(ctx, call)
}

func (c *toolCaller) dispatch(ctx context.Context, call ToolCall) (any, error) {
	if c.o.deps.Driver == nil {
		return nil, nil
	}
	return c.o.deps.Driver.Execute(ctx, tooling.NormalizeToolID(call.ToolID), call.Args)
}

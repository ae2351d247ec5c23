// Package quality implements the Quality Gate Checker. Gates are compiled
// from a profile's GateSpecs, evaluated independently and in order, and
// every result is written to the event store.
package quality

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/celexpr"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/observability"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

// Gate is a compiled GateSpec.
type Gate struct {
	Spec      profile.GateSpec
	predicate Predicate
}

type execState struct {
	passes    int
	cancelled bool
}

// Checker evaluates gates and audits the results.
type Checker struct {
	events   store.EventStore
	deps     Deps
	recorder *observability.Recorder
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	execs map[string]*execState
}

type Option func(*Checker)

func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

func WithRecorder(r *observability.Recorder) Option {
	return func(c *Checker) { c.recorder = r }
}

func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithCEL shares an evaluator with other components. It must declare the
// "artifact" variable.
func WithCEL(ev *celexpr.Evaluator) Option {
	return func(c *Checker) { c.deps.CEL = ev }
}

func NewChecker(events store.EventStore, opts ...Option) (*Checker, error) {
	c := &Checker{
		events: events,
		now:    time.Now,
		logger: slog.Default().With("component", "quality-gate"),
		execs:  make(map[string]*execState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.deps.CEL == nil {
		ev, err := celexpr.New("artifact")
		if err != nil {
			return nil, err
		}
		c.deps.CEL = ev
	}
	return c, nil
}

// Compile builds gates from specs. Unknown kinds and malformed parameters
// are configuration errors.
func (c *Checker) Compile(specs []profile.GateSpec) ([]Gate, error) {
	gates := make([]Gate, 0, len(specs))
	for _, spec := range specs {
		f, ok := factoryFor(spec.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %q (gate %s)", ErrUnknownKind, spec.Kind, spec.Name)
		}
		p, err := f(spec, c.deps)
		if err != nil {
			return nil, err
		}
		gates = append(gates, Gate{Spec: spec, predicate: p})
	}
	return gates, nil
}

// Bind registers an execution. Evaluating an unbound execution binds it.
func (c *Checker) Bind(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.execs[executionID]; !ok {
		c.execs[executionID] = &execState{}
	}
}

// Cancel tags later results of the execution as post-cancellation.
func (c *Checker) Cancel(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.execs[executionID]
	if !ok {
		st = &execState{}
		c.execs[executionID] = st
	}
	st.cancelled = true
}

func (c *Checker) Release(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.execs, executionID)
}

func (c *Checker) nextPass(executionID string) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.execs[executionID]
	if !ok {
		st = &execState{}
		c.execs[executionID] = st
	}
	st.passes++
	return st.passes, st.cancelled
}

// Evaluate runs every gate against the artifact. A failing gate does not
// stop the others. When any gate fails the results are returned together
// with a *contracts.QualityGateFailedError listing the failures; callers
// check Blocking() to tell advisory-only failures apart.
func (c *Checker) Evaluate(ctx context.Context, executionID, stepID string, gates []Gate, artifact Artifact) ([]contracts.QualityGateResult, error) {
	if len(gates) == 0 {
		return nil, nil
	}
	pass, cancelled := c.nextPass(executionID)

	results := make([]contracts.QualityGateResult, 0, len(gates))
	var failures []contracts.QualityGateResult
	for _, g := range gates {
		passed, details, err := g.predicate.Check(ctx, artifact)
		switch {
		case err != nil:
			passed = false
			details = "evaluation error: " + err.Error()
		case passed:
			details = "ok"
		case g.Spec.Message != "":
			details = g.Spec.Message + ": " + details
		}

		res := contracts.QualityGateResult{
			ExecutionID: executionID,
			StepID:      stepID,
			GateName:    g.Spec.Name,
			Kind:        g.Spec.Kind,
			Pass:        pass,
			Passed:      passed,
			Advisory:    g.Spec.Advisory,
			Details:     details,
			Timestamp:   c.now().UTC(),
		}
		if _, err := c.events.Append(ctx, store.Record{
			ExecutionID:      executionID,
			Kind:             store.KindQuality,
			PostCancellation: cancelled,
			Payload:          res,
		}); err != nil {
			return results, fmt.Errorf("append quality result %s: %w", g.Spec.Name, err)
		}
		c.recorder.RecordQualityResult(ctx, g.Spec.Name, passed, g.Spec.Advisory)

		if !passed {
			failures = append(failures, res)
			level := slog.LevelInfo
			if g.Spec.Advisory {
				level = slog.LevelWarn
			}
			c.logger.Log(ctx, level, "quality gate failed",
				"execution_id", executionID,
				"step_id", stepID,
				"gate", g.Spec.Name,
				"advisory", g.Spec.Advisory,
				"details", details,
			)
		}
		results = append(results, res)
	}

	if len(failures) > 0 {
		return results, &contracts.QualityGateFailedError{ExecutionID: executionID, StepID: stepID, Failures: failures}
	}
	return results, nil
}

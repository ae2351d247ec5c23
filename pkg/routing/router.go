// Package routing selects the agent for each step of an execution. Rules
// are scanned in profile order; the first match wins and the profile's
// default agent is the fallback.
package routing

import (
	"fmt"
	"log/slog"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/celexpr"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
)

// StepContext is what routing predicates see.
type StepContext struct {
	ExecutionID string
	ProfileID   string
	WorkspaceID string
	StepID      string
	Kind        string
	Index       int
	Tags        []string
}

func (sc StepContext) celInput() map[string]any {
	tags := sc.Tags
	if tags == nil {
		tags = []string{}
	}
	return map[string]any{
		"step": map[string]any{
			"id":           sc.StepID,
			"kind":         sc.Kind,
			"index":        int64(sc.Index),
			"tags":         tags,
			"workspace_id": sc.WorkspaceID,
		},
		"execution": map[string]any{
			"id":           sc.ExecutionID,
			"profile_id":   sc.ProfileID,
			"workspace_id": sc.WorkspaceID,
		},
	}
}

// Selection is the outcome of Route. RuleIndex is -1 for the default agent.
type Selection struct {
	AgentID   string
	RuleIndex int
	RuleName  string
}

type rule struct {
	spec    profile.RoutingRuleSpec
	matcher Matcher
}

// Router is compiled from one profile and is immutable afterwards.
type Router struct {
	rules        []rule
	defaultAgent string
	logger       *slog.Logger
}

// NewEvaluator returns a CEL evaluator declaring the routing variables.
func NewEvaluator() (*celexpr.Evaluator, error) {
	return celexpr.New("step", "execution")
}

// Compile builds a router from p's rules. ev may be nil when no cel rules
// are configured.
func Compile(p *profile.RuntimeProfile, ev *celexpr.Evaluator) (*Router, error) {
	r := &Router{
		defaultAgent: p.DefaultAgent,
		logger:       slog.Default().With("component", "router"),
	}
	for i, spec := range p.AgentRoutingRules {
		f, ok := factoryFor(spec.Kind)
		if !ok {
			return nil, fmt.Errorf("%w: %q (rule %d)", ErrUnknownKind, spec.Kind, i)
		}
		if spec.Target == "" {
			return nil, fmt.Errorf("%w: rule %d has no target agent", contracts.ErrInvalidProfile, i)
		}
		m, err := f(spec, ev)
		if err != nil {
			return nil, err
		}
		r.rules = append(r.rules, rule{spec: spec, matcher: m})
	}
	return r, nil
}

// Route selects the agent for a step. A rule whose predicate errors is
// treated as not matching.
func (r *Router) Route(sc StepContext) (Selection, error) {
	for i, rl := range r.rules {
		ok, err := rl.matcher.Match(sc)
		if err != nil {
			r.logger.Warn("routing rule evaluation failed",
				"execution_id", sc.ExecutionID, "step_id", sc.StepID, "rule", i, "error", err)
			continue
		}
		if ok {
			return Selection{AgentID: rl.spec.Target, RuleIndex: i, RuleName: rl.spec.Name}, nil
		}
	}
	if r.defaultAgent == "" {
		return Selection{}, &contracts.RoutingExhaustedError{StepID: sc.StepID}
	}
	return Selection{AgentID: r.defaultAgent, RuleIndex: -1}, nil
}

// Targets lists every agent the router can select, default included.
func (r *Router) Targets() []string {
	seen := map[string]bool{}
	var out []string
	add := func(a string) {
		if a != "" && !seen[a] {
			seen[a] = true
			out = append(out, a)
		}
	}
	for _, rl := range r.rules {
		add(rl.spec.Target)
	}
	add(r.defaultAgent)
	return out
}

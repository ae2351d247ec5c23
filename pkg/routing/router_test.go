package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/celexpr"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
)

func intp(v int) *int { return &v }

func compile(t *testing.T, p *profile.RuntimeProfile) *Router {
	t.Helper()
	ev, err := NewEvaluator()
	require.NoError(t, err)
	r, err := Compile(p, ev)
	require.NoError(t, err)
	return r
}

func TestRoute_FirstMatchWins(t *testing.T) {
	r := compile(t, &profile.RuntimeProfile{
		ID:           "p",
		DefaultAgent: "generalist",
		AgentRoutingRules: []profile.RoutingRuleSpec{
			{Kind: KindStepKind, Values: []string{"plan"}, Target: "planner"},
			{Kind: KindStepTag, Values: []string{"deploy"}, Target: "executor"},
			{Kind: KindAlways, Target: "catch-all"},
		},
	})

	sel, err := r.Route(StepContext{StepID: "s1", Kind: "PLAN", Tags: []string{"deploy"}})
	require.NoError(t, err)
	assert.Equal(t, Selection{AgentID: "planner", RuleIndex: 0}, sel)

	sel, err = r.Route(StepContext{StepID: "s2", Kind: "build", Tags: []string{"deploy"}})
	require.NoError(t, err)
	assert.Equal(t, "executor", sel.AgentID)
	assert.Equal(t, 1, sel.RuleIndex)

	sel, err = r.Route(StepContext{StepID: "s3", Kind: "other"})
	require.NoError(t, err)
	assert.Equal(t, "catch-all", sel.AgentID)
}

func TestRoute_DefaultAndExhausted(t *testing.T) {
	rules := []profile.RoutingRuleSpec{{Kind: KindWorkspace, Values: []string{"ws-1"}, Target: "ws-agent"}}

	r := compile(t, &profile.RuntimeProfile{ID: "p", DefaultAgent: "fallback", AgentRoutingRules: rules})
	sel, err := r.Route(StepContext{WorkspaceID: "ws-2"})
	require.NoError(t, err)
	assert.Equal(t, Selection{AgentID: "fallback", RuleIndex: -1}, sel)

	r = compile(t, &profile.RuntimeProfile{ID: "p", AgentRoutingRules: rules})
	_, err = r.Route(StepContext{StepID: "lost", WorkspaceID: "ws-2"})
	var re *contracts.RoutingExhaustedError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "lost", re.StepID)
	assert.ErrorIs(t, err, contracts.ErrRoutingExhausted)
}

func TestRoute_StepIndexAndCEL(t *testing.T) {
	r := compile(t, &profile.RuntimeProfile{
		ID:           "p",
		DefaultAgent: "d",
		AgentRoutingRules: []profile.RoutingRuleSpec{
			{Name: "late_review", Kind: KindCEL, Expr: `step.index >= 5 && step.kind == "review"`, Target: "reviewer"},
			{Kind: KindStepIndex, Min: intp(0), Max: intp(1), Target: "bootstrapper"},
		},
	})

	sel, _ := r.Route(StepContext{Index: 6, Kind: "review"})
	assert.Equal(t, "reviewer", sel.AgentID)
	assert.Equal(t, "late_review", sel.RuleName)

	sel, _ = r.Route(StepContext{Index: 2, Kind: "review"})
	assert.Equal(t, "d", sel.AgentID)

	sel, _ = r.Route(StepContext{Index: 1, Kind: "build"})
	assert.Equal(t, "bootstrapper", sel.AgentID)
}

func TestRoute_CELErrorDoesNotMatch(t *testing.T) {
	r := compile(t, &profile.RuntimeProfile{
		ID:           "p",
		DefaultAgent: "d",
		AgentRoutingRules: []profile.RoutingRuleSpec{
			{Kind: KindCEL, Expr: `execution.nope == "x"`, Target: "never"},
		},
	})
	sel, err := r.Route(StepContext{})
	require.NoError(t, err)
	assert.Equal(t, "d", sel.AgentID)
}

func TestCompile_Errors(t *testing.T) {
	ev, _ := NewEvaluator()
	bad := []profile.RoutingRuleSpec{
		{Kind: "bogus", Target: "a"},
		{Kind: KindStepKind, Target: "a"},
		{Kind: KindStepIndex, Target: "a"},
		{Kind: KindCEL, Expr: `step.index >`, Target: "a"},
		{Kind: KindAlways},
	}
	for _, spec := range bad {
		_, err := Compile(&profile.RuntimeProfile{ID: "p", AgentRoutingRules: []profile.RoutingRuleSpec{spec}}, ev)
		assert.Error(t, err, spec.Kind)
	}
	_, err := Compile(&profile.RuntimeProfile{ID: "p", AgentRoutingRules: []profile.RoutingRuleSpec{{Kind: KindCEL, Expr: "true", Target: "a"}}}, nil)
	assert.Error(t, err)
}

func TestPresetsRoute(t *testing.T) {
	ev, _ := NewEvaluator()
	for _, p := range profile.MustPresets() {
		r, err := Compile(p, ev)
		require.NoError(t, err, p.ID)
		assert.Contains(t, r.Targets(), p.DefaultAgent)
	}

	research := profile.MustPresets()
	for _, p := range research {
		if p.ID != profile.PresetResearch {
			continue
		}
		r, _ := Compile(p, ev)
		sel, err := r.Route(StepContext{Kind: "review", Index: 7})
		require.NoError(t, err)
		assert.Equal(t, "reviewer", sel.AgentID)
		sel, _ = r.Route(StepContext{Kind: "gather", Tags: []string{"Write-Up"}})
		assert.Equal(t, "writer", sel.AgentID)
	}
}

func TestRegister_CustomKind(t *testing.T) {
	Register("even_index", func(spec profile.RoutingRuleSpec, _ *celexpr.Evaluator) (Matcher, error) {
		return MatcherFunc(func(sc StepContext) (bool, error) { return sc.Index%2 == 0, nil }), nil
	})
	assert.Contains(t, Kinds(), "even_index")
	r := compile(t, &profile.RuntimeProfile{ID: "p", DefaultAgent: "odd", AgentRoutingRules: []profile.RoutingRuleSpec{{Kind: "even_index", Target: "even"}}})
	sel, _ := r.Route(StepContext{Index: 4})
	assert.Equal(t, "even", sel.AgentID)
}

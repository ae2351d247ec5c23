package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/celexpr"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
)

// Built-in rule kinds.
const (
	KindAlways    = "always"
	KindStepKind  = "step_kind"
	KindStepTag   = "step_tag"
	KindStepIndex = "step_index"
	KindWorkspace = "workspace"
	KindCEL       = "cel"
)

var ErrUnknownKind = errors.New("unknown routing rule kind")

// Matcher is a compiled routing predicate.
type Matcher interface {
	Match(sc StepContext) (bool, error)
}

type MatcherFunc func(sc StepContext) (bool, error)

func (f MatcherFunc) Match(sc StepContext) (bool, error) { return f(sc) }

// Factory compiles a RoutingRuleSpec of one kind.
type Factory func(spec profile.RoutingRuleSpec, cel *celexpr.Evaluator) (Matcher, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a rule kind. Registering an existing kind replaces it.
func Register(kind string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = f
}

func Kinds() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func factoryFor(kind string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[kind]
	return f, ok
}

func init() {
	Register(KindAlways, func(profile.RoutingRuleSpec, *celexpr.Evaluator) (Matcher, error) {
		return MatcherFunc(func(StepContext) (bool, error) { return true, nil }), nil
	})
	Register(KindStepKind, valuesRule(func(sc StepContext) []string { return []string{sc.Kind} }))
	Register(KindStepTag, valuesRule(func(sc StepContext) []string { return sc.Tags }))
	Register(KindWorkspace, valuesRule(func(sc StepContext) []string { return []string{sc.WorkspaceID} }))
	Register(KindStepIndex, stepIndex)
	Register(KindCEL, celRule)
}

// valuesRule matches when any of the step's values equals any configured
// value, case-insensitively.
func valuesRule(get func(StepContext) []string) Factory {
	return func(spec profile.RoutingRuleSpec, _ *celexpr.Evaluator) (Matcher, error) {
		if len(spec.Values) == 0 {
			return nil, fmt.Errorf("rule %s: values are required", spec.Name)
		}
		return MatcherFunc(func(sc StepContext) (bool, error) {
			for _, have := range get(sc) {
				for _, want := range spec.Values {
					if strings.EqualFold(have, want) {
						return true, nil
					}
				}
			}
			return false, nil
		}), nil
	}
}

func stepIndex(spec profile.RoutingRuleSpec, _ *celexpr.Evaluator) (Matcher, error) {
	if spec.Min == nil && spec.Max == nil {
		return nil, fmt.Errorf("rule %s: min or max is required", spec.Name)
	}
	return MatcherFunc(func(sc StepContext) (bool, error) {
		if spec.Min != nil && sc.Index < *spec.Min {
			return false, nil
		}
		if spec.Max != nil && sc.Index > *spec.Max {
			return false, nil
		}
		return true, nil
	}), nil
}

func celRule(spec profile.RoutingRuleSpec, ev *celexpr.Evaluator) (Matcher, error) {
	if ev == nil {
		return nil, fmt.Errorf("rule %s: no CEL evaluator", spec.Name)
	}
	if err := ev.Compile(spec.Expr); err != nil {
		return nil, fmt.Errorf("rule %s: %w", spec.Name, err)
	}
	return MatcherFunc(func(sc StepContext) (bool, error) {
		return ev.Eval(spec.Expr, sc.celInput())
	}), nil
}

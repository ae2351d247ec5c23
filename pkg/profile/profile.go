// Package profile defines RuntimeProfile, the immutable configuration bundle
// an execution runs under: confirmation strictness, agent routing rules, the
// loop budget ceiling and the quality gate set.
//
// Profiles come from an external preset source. Consumers receive clones and
// never mutate a profile once an execution is bound to it.
package profile

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
)

// RuntimeProfile is the named bundle applied to an execution.
type RuntimeProfile struct {
	ID                     string            `yaml:"id" json:"id"`
	Version                string            `yaml:"version,omitempty" json:"version,omitempty"`
	Description            string            `yaml:"description,omitempty" json:"description,omitempty"`
	RequireExplicitConfirm bool              `yaml:"require_explicit_confirm" json:"require_explicit_confirm"`
	ConfirmCapabilities    []string          `yaml:"confirm_capabilities,omitempty" json:"confirm_capabilities,omitempty"`
	LoopBudgetMax          int64             `yaml:"loop_budget_max" json:"loop_budget_max"`
	DefaultAgent           string            `yaml:"default_agent,omitempty" json:"default_agent,omitempty"`
	AgentRoutingRules      []RoutingRuleSpec `yaml:"agent_routing_rules" json:"agent_routing_rules"`
	QualityGates           []GateSpec        `yaml:"quality_gates" json:"quality_gates"`
}

// RoutingRuleSpec is the configured form of a routing rule. Kind selects a
// registered predicate; the remaining fields are its parameters.
type RoutingRuleSpec struct {
	Name   string   `yaml:"name,omitempty" json:"name,omitempty"`
	Kind   string   `yaml:"kind" json:"kind"`
	Values []string `yaml:"values,omitempty" json:"values,omitempty"`
	Expr   string   `yaml:"expr,omitempty" json:"expr,omitempty"`
	Min    *int     `yaml:"min,omitempty" json:"min,omitempty"`
	Max    *int     `yaml:"max,omitempty" json:"max,omitempty"`
	Target string   `yaml:"target" json:"target"`
}

// GateSpec is the configured form of a quality gate.
type GateSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     string   `yaml:"kind" json:"kind"`
	Advisory bool     `yaml:"advisory,omitempty" json:"advisory,omitempty"`
	Message  string   `yaml:"message,omitempty" json:"message,omitempty"`
	Fields   []string `yaml:"fields,omitempty" json:"fields,omitempty"`
	MinBytes *int64   `yaml:"min_bytes,omitempty" json:"min_bytes,omitempty"`
	MaxBytes *int64   `yaml:"max_bytes,omitempty" json:"max_bytes,omitempty"`
	Schema   string   `yaml:"schema,omitempty" json:"schema,omitempty"`
	Expr     string   `yaml:"expr,omitempty" json:"expr,omitempty"`
	Allowed  []string `yaml:"allowed,omitempty" json:"allowed,omitempty"`
}

// Ref returns "id@version", or the bare id when unversioned.
func (p *RuntimeProfile) Ref() string {
	if p.Version == "" {
		return p.ID
	}
	return p.ID + "@" + p.Version
}

// Validate checks profile completeness. Errors wrap contracts.ErrInvalidProfile.
func (p *RuntimeProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("%w: id is required", contracts.ErrInvalidProfile)
	}
	if p.Version != "" {
		if _, err := semver.NewVersion(p.Version); err != nil {
			return fmt.Errorf("%w: profile %s: version %q: %v", contracts.ErrInvalidProfile, p.ID, p.Version, err)
		}
	}
	if p.LoopBudgetMax <= 0 {
		return fmt.Errorf("%w: profile %s: loop_budget_max must be > 0", contracts.ErrInvalidProfile, p.ID)
	}
	for i, r := range p.AgentRoutingRules {
		if strings.TrimSpace(r.Kind) == "" {
			return fmt.Errorf("%w: profile %s: agent_routing_rules[%d].kind is required", contracts.ErrInvalidProfile, p.ID, i)
		}
		if strings.TrimSpace(r.Target) == "" {
			return fmt.Errorf("%w: profile %s: agent_routing_rules[%d].target is required", contracts.ErrInvalidProfile, p.ID, i)
		}
	}
	seen := make(map[string]struct{}, len(p.QualityGates))
	for i, g := range p.QualityGates {
		name := strings.TrimSpace(g.Name)
		if name == "" {
			return fmt.Errorf("%w: profile %s: quality_gates[%d].name is required", contracts.ErrInvalidProfile, p.ID, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: profile %s: quality_gates[%d].name must be unique (duplicate %q)", contracts.ErrInvalidProfile, p.ID, i, name)
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(g.Kind) == "" {
			return fmt.Errorf("%w: profile %s: quality_gates[%d].kind is required", contracts.ErrInvalidProfile, p.ID, i)
		}
	}
	return nil
}

// ConfirmsCapability reports whether mutating calls in the capability group
// need confirmation even when RequireExplicitConfirm is off.
func (p *RuntimeProfile) ConfirmsCapability(capability string) bool {
	for _, c := range p.ConfirmCapabilities {
		if c == "*" || strings.EqualFold(c, capability) {
			return true
		}
	}
	return false
}

// Gates returns the gate specs with the given names, in the profile's
// configured order. A nil or empty names slice selects every gate.
func (p *RuntimeProfile) Gates(names []string) ([]GateSpec, error) {
	if len(names) == 0 {
		out := make([]GateSpec, len(p.QualityGates))
		copy(out, p.QualityGates)
		return out, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}
	out := make([]GateSpec, 0, len(names))
	for _, g := range p.QualityGates {
		if _, ok := want[g.Name]; ok {
			want[g.Name] = true
			out = append(out, g)
		}
	}
	for n, found := range want {
		if !found {
			return nil, fmt.Errorf("%w: profile %s has no quality gate %q", contracts.ErrInvalidProfile, p.ID, n)
		}
	}
	return out, nil
}

// Clone returns a deep copy.
func (p *RuntimeProfile) Clone() *RuntimeProfile {
	if p == nil {
		return nil
	}
	c := *p
	c.ConfirmCapabilities = cloneStrings(p.ConfirmCapabilities)
	if p.AgentRoutingRules != nil {
		c.AgentRoutingRules = make([]RoutingRuleSpec, len(p.AgentRoutingRules))
		for i, r := range p.AgentRoutingRules {
			r.Values = cloneStrings(r.Values)
			r.Min = cloneInt(r.Min)
			r.Max = cloneInt(r.Max)
			c.AgentRoutingRules[i] = r
		}
	}
	if p.QualityGates != nil {
		c.QualityGates = make([]GateSpec, len(p.QualityGates))
		for i, g := range p.QualityGates {
			g.Fields = cloneStrings(g.Fields)
			g.Allowed = cloneStrings(g.Allowed)
			g.MinBytes = cloneInt64(g.MinBytes)
			g.MaxBytes = cloneInt64(g.MaxBytes)
			c.QualityGates[i] = g
		}
	}
	return &c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

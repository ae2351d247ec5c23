package tooling

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
)

// Separators that delimit the structural prefix of a tool id.
const idSeparators = "./:"

// Resolution is the governance metadata of a tool. Notes lists every
// inference performed; an empty Notes means the registry entry was complete.
type Resolution struct {
	ToolID         string
	CapabilityCode string
	RiskClass      contracts.RiskClass
	Registered     bool
	Notes          []string
}

// Inferred reports whether any field was defaulted.
func (r Resolution) Inferred() bool { return len(r.Notes) > 0 }

// Resolver maps tool ids to (capability, risk). Resolve is total: missing
// entries, blank fields and registry failures all degrade to inferred
// defaults instead of errors.
type Resolver struct {
	registry Registry
	logger   *slog.Logger
}

type ResolverOption func(*Resolver)

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. A nil registry behaves as an empty one.
func NewResolver(registry Registry, opts ...ResolverOption) *Resolver {
	if registry == nil {
		registry = NewMemoryRegistry()
	}
	r := &Resolver{
		registry: registry,
		logger:   slog.Default().With("component", "tool-resolver"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the capability code and risk class of toolID.
func (r *Resolver) Resolve(ctx context.Context, toolID string) Resolution {
	res := Resolution{ToolID: toolID}

	entry, found, err := r.registry.Lookup(ctx, toolID)
	switch {
	case err != nil:
		res.Notes = append(res.Notes, fmt.Sprintf("registry lookup failed: %v", err))
	case !found:
		res.Notes = append(res.Notes, "tool not registered")
	default:
		res.Registered = true
	}

	res.CapabilityCode = strings.TrimSpace(entry.CapabilityCode)
	if res.CapabilityCode == "" {
		res.CapabilityCode = InferCapability(toolID)
		res.Notes = append(res.Notes, fmt.Sprintf("capability_code inferred as %q", res.CapabilityCode))
	}

	risk, ok := contracts.ParseRiskClass(entry.RiskClass)
	switch {
	case strings.TrimSpace(entry.RiskClass) == "":
		res.Notes = append(res.Notes, "risk_class defaulted to unknown")
	case !ok:
		res.Notes = append(res.Notes, fmt.Sprintf("risk_class %q not recognised, defaulted to unknown", entry.RiskClass))
	}
	res.RiskClass = risk

	if res.Inferred() {
		r.logger.WarnContext(ctx, "tool metadata inferred",
			"tool_id", toolID,
			"capability_code", res.CapabilityCode,
			"risk_class", res.RiskClass,
			"notes", strings.Join(res.Notes, "; "),
		)
	}
	return res
}

// InferCapability returns the segment of toolID before its first separator,
// case-folded. Ids without a separator, or with an empty leading segment,
// yield "unknown".
func InferCapability(toolID string) string {
	id := NormalizeToolID(toolID)
	i := strings.IndexAny(id, idSeparators)
	if i <= 0 {
		return contracts.UnknownCapability
	}
	return id[:i]
}

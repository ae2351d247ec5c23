//go:build property
// +build property

package tooling_test

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/tooling"
)

// Property: Resolve is total and deterministic for any id with missing metadata.
func TestResolveTotality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	r := tooling.NewResolver(tooling.NewMemoryRegistry(tooling.ToolRegistryEntry{ToolID: "blank.entry"}))

	properties.Property("defaults are non-empty and stable", prop.ForAll(
		func(prefix, sep, rest string) bool {
			id := prefix + sep + rest
			a := r.Resolve(context.Background(), id)
			b := r.Resolve(context.Background(), id)
			if a.CapabilityCode == "" || a.RiskClass == "" {
				return false
			}
			if a.RiskClass != contracts.RiskUnknown {
				return false
			}
			return a.CapabilityCode == b.CapabilityCode && a.RiskClass == b.RiskClass
		},
		gen.AnyString(),
		gen.OneConstOf("", ".", "/", ":"),
		gen.AnyString(),
	))

	properties.Property("prefix before the first separator is the capability", prop.ForAll(
		func(prefix, rest string) bool {
			got := tooling.InferCapability(prefix + "." + rest)
			return got == tooling.NormalizeToolID(prefix)
		},
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

package quality

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/contracts"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/profile"
	"github.com/HansC-anafter/mindscape-ai-local-core-sub015/pkg/store"
)

func int64p(v int64) *int64 { return &v }

func newChecker(t *testing.T) (*Checker, *store.MemoryStore) {
	t.Helper()
	events := store.NewMemoryStore()
	c, err := NewChecker(events)
	require.NoError(t, err)
	return c, events
}

func TestEvaluate_AdvisoryAndBlockingFailures(t *testing.T) {
	c, events := newChecker(t)
	ctx := context.Background()

	gates, err := c.Compile([]profile.GateSpec{
		{Name: "has_summary", Kind: KindRequiredFields, Fields: []string{"summary"}, Message: "summary required"},
		{Name: "long_enough", Kind: KindSizeBounds, MinBytes: int64p(1000), Advisory: true},
	})
	require.NoError(t, err)

	artifact, err := NewJSONArtifact(map[string]any{"result": "done"})
	require.NoError(t, err)

	results, err := c.Evaluate(ctx, "exec-d", "step-1", gates, artifact)
	require.Len(t, results, 2)
	assert.False(t, results[0].Passed)
	assert.False(t, results[1].Passed)
	assert.Equal(t, "summary required: missing fields: summary", results[0].Details)
	assert.True(t, results[1].Advisory)

	var qerr *contracts.QualityGateFailedError
	require.ErrorAs(t, err, &qerr)
	assert.Len(t, qerr.Failures, 2)
	assert.True(t, qerr.Blocking())
	assert.ErrorIs(t, err, contracts.ErrQualityGateFailed)

	entries, err := events.Query(ctx, "exec-d", store.QueryFilter{Kinds: []store.Kind{store.KindQuality}})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestEvaluate_AdvisoryOnlyIsNotBlocking(t *testing.T) {
	c, _ := newChecker(t)
	gates, err := c.Compile([]profile.GateSpec{
		{Name: "present", Kind: KindNonEmpty, Advisory: true},
	})
	require.NoError(t, err)

	_, err = c.Evaluate(context.Background(), "e", "s", gates, NewTextArtifact("text/plain", "   "))
	var qerr *contracts.QualityGateFailedError
	require.ErrorAs(t, err, &qerr)
	assert.False(t, qerr.Blocking())
}

func TestEvaluate_EmptyGatesPass(t *testing.T) {
	c, events := newChecker(t)
	results, err := c.Evaluate(context.Background(), "e", "s", nil, Artifact{})
	assert.NoError(t, err)
	assert.Empty(t, results)

	entries, _ := events.Query(context.Background(), "e", store.QueryFilter{})
	assert.Empty(t, entries)
}

func TestEvaluate_PassesAreNumbered(t *testing.T) {
	c, _ := newChecker(t)
	gates, err := c.Compile([]profile.GateSpec{{Name: "present", Kind: KindNonEmpty}})
	require.NoError(t, err)

	first, err := c.Evaluate(context.Background(), "e", "s", gates, NewTextArtifact("text/plain", ""))
	require.Error(t, err)
	second, err := c.Evaluate(context.Background(), "e", "s", gates, NewTextArtifact("text/plain", "fixed"))
	require.NoError(t, err)

	assert.Equal(t, 1, first[0].Pass)
	assert.Equal(t, 2, second[0].Pass)
	assert.True(t, second[0].Passed)
	assert.Equal(t, "ok", second[0].Details)
}

func TestEvaluate_DoesNotMutateArtifact(t *testing.T) {
	c, _ := newChecker(t)
	gates, err := c.Compile([]profile.GateSpec{
		{Name: "fields", Kind: KindRequiredFields, Fields: []string{"a.b"}},
		{Name: "expr", Kind: KindCEL, Expr: `artifact.fields.a.b == 1`},
	})
	require.NoError(t, err)

	fields := map[string]any{"a": map[string]any{"b": 1}}
	body := []byte(`{"a":{"b":1}}`)
	artifact := Artifact{ContentType: "application/json", Body: body, Fields: fields}
	_, err = c.Evaluate(context.Background(), "e", "s", gates, artifact)
	require.NoError(t, err)
	assert.Equal(t, `{"a":{"b":1}}`, string(artifact.Body))
	assert.Equal(t, map[string]any{"a": map[string]any{"b": 1}}, artifact.Fields)
}

func TestEvaluate_CancelledResultsAreTagged(t *testing.T) {
	c, events := newChecker(t)
	gates, err := c.Compile([]profile.GateSpec{{Name: "present", Kind: KindNonEmpty}})
	require.NoError(t, err)

	c.Bind("e")
	c.Cancel("e")
	_, err = c.Evaluate(context.Background(), "e", "s", gates, NewTextArtifact("text/plain", "x"))
	require.NoError(t, err)

	entries, _ := events.Query(context.Background(), "e", store.QueryFilter{})
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PostCancellation)
}

func TestGateKinds(t *testing.T) {
	schema := `{"type":"object","required":["title"],"properties":{"title":{"type":"string"},"score":{"type":"number","maximum":10}}}`
	tests := []struct {
		name     string
		spec     profile.GateSpec
		artifact Artifact
		want     bool
	}{
		{"required ok", profile.GateSpec{Kind: KindRequiredFields, Fields: []string{"title"}}, jsonArtifact(t, `{"title":"x"}`), true},
		{"required null", profile.GateSpec{Kind: KindRequiredFields, Fields: []string{"title"}}, jsonArtifact(t, `{"title":null}`), false},
		{"size in", profile.GateSpec{Kind: KindSizeBounds, MinBytes: int64p(1), MaxBytes: int64p(5)}, NewTextArtifact("text/plain", "abc"), true},
		{"size over", profile.GateSpec{Kind: KindSizeBounds, MaxBytes: int64p(2)}, NewTextArtifact("text/plain", "abc"), false},
		{"schema ok", profile.GateSpec{Kind: KindJSONSchema, Schema: schema}, jsonArtifact(t, `{"title":"x","score":3}`), true},
		{"schema violation", profile.GateSpec{Kind: KindJSONSchema, Schema: schema}, jsonArtifact(t, `{"title":"x","score":11}`), false},
		{"schema not json", profile.GateSpec{Kind: KindJSONSchema, Schema: schema}, NewTextArtifact("text/plain", "nope"), false},
		{"cel sources", profile.GateSpec{Kind: KindCEL, Expr: `has(artifact.fields.sources) && size(artifact.fields.sources) > 0`}, jsonArtifact(t, `{"sources":["a"]}`), true},
		{"cel no sources", profile.GateSpec{Kind: KindCEL, Expr: `has(artifact.fields.sources) && size(artifact.fields.sources) > 0`}, jsonArtifact(t, `{}`), false},
		{"cel eval error", profile.GateSpec{Kind: KindCEL, Expr: `artifact.fields.missing > 1`}, jsonArtifact(t, `{}`), false},
		{"non_empty field", profile.GateSpec{Kind: KindNonEmpty, Fields: []string{"summary"}}, jsonArtifact(t, `{"summary":" "}`), false},
		{"content type ok", profile.GateSpec{Kind: KindContentTypeIn, Allowed: []string{"text/markdown"}}, NewTextArtifact("text/markdown; charset=utf-8", "# hi"), true},
		{"content type bad", profile.GateSpec{Kind: KindContentTypeIn, Allowed: []string{"text/markdown"}}, NewTextArtifact("image/png", "x"), false},
	}
	c, _ := newChecker(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.spec.Name = "g"
			gates, err := c.Compile([]profile.GateSpec{tt.spec})
			require.NoError(t, err)
			results, _ := c.Evaluate(context.Background(), "kinds", "s", gates, tt.artifact)
			require.Len(t, results, 1)
			assert.Equal(t, tt.want, results[0].Passed, results[0].Details)
		})
	}
}

func jsonArtifact(t *testing.T, body string) Artifact {
	t.Helper()
	return Artifact{ContentType: "application/json", Body: []byte(body)}
}

func TestCompile_Errors(t *testing.T) {
	c, _ := newChecker(t)
	bad := []profile.GateSpec{
		{Name: "a", Kind: "nope"},
		{Name: "b", Kind: KindRequiredFields},
		{Name: "c", Kind: KindSizeBounds},
		{Name: "d", Kind: KindSizeBounds, MinBytes: int64p(5), MaxBytes: int64p(1)},
		{Name: "e", Kind: KindJSONSchema, Schema: `{"type": 12}`},
		{Name: "f", Kind: KindCEL, Expr: `artifact.size >`},
		{Name: "g", Kind: KindContentTypeIn},
	}
	for _, spec := range bad {
		_, err := c.Compile([]profile.GateSpec{spec})
		assert.Error(t, err, spec.Name)
	}
	_, err := c.Compile([]profile.GateSpec{{Name: "a", Kind: "nope"}})
	assert.True(t, errors.Is(err, ErrUnknownKind))
}

func TestRegister_CustomKind(t *testing.T) {
	Register("always_fail", func(spec profile.GateSpec, _ Deps) (Predicate, error) {
		return PredicateFunc(func(context.Context, Artifact) (bool, string, error) {
			return false, "never good enough", nil
		}), nil
	})
	assert.Contains(t, Kinds(), "always_fail")

	c, _ := newChecker(t)
	gates, err := c.Compile([]profile.GateSpec{{Name: "x", Kind: "always_fail"}})
	require.NoError(t, err)
	results, err := c.Evaluate(context.Background(), "custom", "s", gates, Artifact{})
	require.Error(t, err)
	assert.Equal(t, "never good enough", results[0].Details)
}

func TestPresetGatesCompile(t *testing.T) {
	c, _ := newChecker(t)
	for _, p := range profile.MustPresets() {
		_, err := c.Compile(p.QualityGates)
		assert.NoError(t, err, p.ID)
	}
}

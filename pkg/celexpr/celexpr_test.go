package celexpr

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluator_Eval(t *testing.T) {
	ev, err := New("step", "execution")
	require.NoError(t, err)

	input := map[string]any{
		"step":      map[string]any{"index": 6, "kind": "review", "tags": []string{"late"}},
		"execution": map[string]any{"workspace_id": "ws-1"},
	}

	ok, err := ev.Eval(`step.index >= 5 && step.kind == "review"`, input)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = ev.Eval(`"late" in step.tags && execution.workspace_id == "ws-2"`, input)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluator_Errors(t *testing.T) {
	ev, err := New("artifact")
	require.NoError(t, err)

	assert.ErrorContains(t, ev.Compile(`artifact.size >`), "compile")
	assert.ErrorIs(t, ev.Compile(`"text"`), ErrNotBool)
	assert.ErrorContains(t, ev.Compile(`unknown_var == 1`), "compile")

	// dyn output compiles but must still be bool at runtime
	_, err = ev.Eval(`artifact.fields.count`, map[string]any{
		"artifact": map[string]any{"fields": map[string]any{"count": 3}},
	})
	assert.ErrorIs(t, err, ErrNotBool)

	_, err = ev.Eval(`artifact.missing == 1`, map[string]any{"artifact": map[string]any{}})
	assert.ErrorContains(t, err, "eval")
}

func TestEvaluator_CachesPrograms(t *testing.T) {
	ev, err := New("x")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := ev.Eval(`x > 1`, map[string]any{"x": 2})
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ev.Cached())
}

package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dcastano/stepgate/pkg/schema"
)

func condData() map[string]any {
	return map[string]any{
		"results": map[string]any{
			"triage": map[string]any{
				"severity": "high",
				"score":    int64(85),
			},
		},
		"inputs": map[string]any{
			"env": "prod",
		},
		"workflow": map[string]any{
			"workflow_id": "wf-1",
		},
	}
}

func TestRegistry_DefaultsToCEL(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	engine, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "cel", engine.Name())
}

func TestRegistry_UnknownEngine(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	_, err = r.Get("lua")
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
}

func TestRegistry_EvaluateCondition_NilIsTrue(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	out, err := r.EvaluateCondition(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.True(t, out)
}

func TestRegistry_EvaluateCondition_AllEngines(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	tests := []struct {
		name string
		cond schema.Condition
		want bool
	}{
		{
			name: "cel true",
			cond: schema.Condition{Engine: "cel", Expression: `results.triage.severity == "high"`},
			want: true,
		},
		{
			name: "cel false",
			cond: schema.Condition{Engine: "cel", Expression: `results.triage.score > 90`},
			want: false,
		},
		{
			name: "expr",
			cond: schema.Condition{Engine: "expr", Expression: `results.triage.score >= 80 && inputs.env == "prod"`},
			want: true,
		},
		{
			name: "jq",
			cond: schema.Condition{Engine: "jq", Expression: `.results.triage.severity == "high"`},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := r.EvaluateCondition(context.Background(), &tt.cond, condData())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestRegistry_EvaluateCondition_NonBoolIsError(t *testing.T) {
	r, err := NewRegistry()
	require.NoError(t, err)

	cond := &schema.Condition{Engine: "cel", Expression: `results.triage.severity`}
	_, err = r.EvaluateCondition(context.Background(), cond, condData())
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
	assert.Contains(t, sgErr.Message, "want bool")
}

func TestCEL_MissingDataKeysDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `has(results.anything)`, nil)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCEL_CompileErrorIsValidation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `invalid >>>`, map[string]any{})
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
	assert.Contains(t, sgErr.Details, "expression")
}

func TestCEL_SandboxRejectsUndeclaredVariables(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `os.env["HOME"]`, map[string]any{})
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
}

func TestCEL_ProgramCaching(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"inputs": map[string]any{"x": int64(1)}}

	out1, err := e.Evaluate(context.Background(), `inputs.x + 1`, data)
	require.NoError(t, err)

	e.mu.RLock()
	cached := len(e.cache)
	e.mu.RUnlock()
	assert.Equal(t, 1, cached, "program should be cached")

	out2, err := e.Evaluate(context.Background(), `inputs.x + 1`, data)
	require.NoError(t, err)
	assert.Equal(t, out1, out2)
}

func TestCEL_Concurrent(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 50)
	results := make([]any, 50)

	for i := range 50 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			data := map[string]any{
				"inputs": map[string]any{"val": int64(idx)},
			}
			results[idx], errs[idx] = e.Evaluate(context.Background(), `inputs.val >= 0`, data)
		}(i)
	}
	wg.Wait()

	for i := range 50 {
		require.NoError(t, errs[i])
		assert.Equal(t, true, results[i])
	}
}

func TestExpr_EmptyExpression(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "", map[string]any{})
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
}

func TestExpr_ArrayOperations(t *testing.T) {
	e := NewExprEngine()

	data := map[string]any{
		"results": map[string]any{
			"scan": map[string]any{
				"findings": []any{
					map[string]any{"severity": "low"},
					map[string]any{"severity": "critical"},
				},
			},
		},
	}

	out, err := e.Evaluate(context.Background(),
		`any(results.scan.findings, .severity == "critical")`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestJQ_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"results": map[string]any{
			"a": map[string]any{"ok": true},
			"b": map[string]any{"ok": false},
		},
	}

	out, err := e.Evaluate(context.Background(), `.results | keys | .[]`, data)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b"}, out)
}

func TestJQ_IntegerInputsWidened(t *testing.T) {
	e := NewGoJQEngine()

	data := map[string]any{
		"results": map[string]any{
			"triage": map[string]any{"score": int64(85)},
		},
	}

	out, err := e.Evaluate(context.Background(), `.results.triage.score > 80`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestJQ_ParseErrorIsValidation(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.results |`, map[string]any{})
	require.Error(t, err)

	var sgErr *schema.StepgateError
	require.ErrorAs(t, err, &sgErr)
	assert.Equal(t, schema.ErrCodeValidation, sgErr.Code)
}

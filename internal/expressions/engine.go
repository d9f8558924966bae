// Package expressions provides the sandboxed expression engines used to
// evaluate decision edge conditions. Three engines are available: CEL
// (default), Expr, and jq. All engines evaluate against the same environment:
//
//   - results:  node results keyed by node ID
//   - inputs:   workflow input parameters
//   - workflow: run metadata (workflow_id, graph_id)
package expressions

import (
	"context"
	"fmt"
	"sync"

	"github.com/dcastano/stepgate/pkg/schema"
)

// Engine evaluates a single expression against a data environment.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// DefaultEngine is used when a condition does not name an engine.
const DefaultEngine = "cel"

// Registry resolves engine names from edge conditions to Engine instances.
// Construct once and share; the engines cache compiled programs internally.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates a registry with the three built-in engines.
func NewRegistry() (*Registry, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}

	r := &Registry{engines: make(map[string]Engine)}
	r.Register(celEngine)
	r.Register(NewExprEngine())
	r.Register(NewGoJQEngine())
	return r, nil
}

// Register adds or replaces an engine under its Name.
func (r *Registry) Register(engine Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[engine.Name()] = engine
}

// Get returns the engine for the given name, or the default engine when the
// name is empty.
func (r *Registry) Get(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	engine, ok := r.engines[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown expression engine %q", name)
	}
	return engine, nil
}

// EvaluateCondition evaluates an edge condition and coerces the result to a
// boolean. Non-boolean results are an error rather than a truthiness guess:
// a condition that returns a string or number is a graph authoring bug.
func (r *Registry) EvaluateCondition(ctx context.Context, cond *schema.Condition, data map[string]any) (bool, error) {
	if cond == nil {
		return true, nil
	}
	engine, err := r.Get(cond.Engine)
	if err != nil {
		return false, err
	}

	out, err := engine.Evaluate(ctx, cond.Expression, data)
	if err != nil {
		return false, err
	}

	result, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"condition %q returned %s, want bool", cond.Expression, typeName(out))
	}
	return result, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

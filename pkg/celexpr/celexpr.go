// Package celexpr compiles and evaluates boolean CEL predicates used by
// routing rules and quality gates.
package celexpr

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// ErrNotBool is returned when an expression does not produce a bool.
var ErrNotBool = errors.New("cel expression must evaluate to bool")

// Evaluator caches compiled programs per expression. It is safe for
// concurrent use.
type Evaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// New creates an evaluator whose environment declares each variable as a
// dynamic value.
func New(variables ...string) (*Evaluator, error) {
	opts := make([]cel.EnvOption, 0, len(variables))
	for _, v := range variables {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{env: env, prgCache: make(map[string]cel.Program)}, nil
}

// Compile checks expr and caches its program. Profiles compile their
// predicates at execution start so bad expressions fail early.
func (e *Evaluator) Compile(expr string) error {
	_, err := e.program(expr)
	return err
}

// Eval runs expr against input.
func (e *Evaluator) Eval(expr string, input map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", ErrNotBool, out.Value())
	}
	return val, nil
}

func (e *Evaluator) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsAssignableType(cel.BoolType) {
		return nil, fmt.Errorf("%w: %s", ErrNotBool, ast.OutputType())
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = prg
	return prg, nil
}

// Cached reports how many programs are compiled.
func (e *Evaluator) Cached() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.prgCache)
}

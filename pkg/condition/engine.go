// Package condition evaluates branch predicates over record attributes using
// the expr expression language. Predicates are boolean expressions such as
// "value > 10000" or "stage == 'qualified' && country in ['BR', 'PT']".
package condition

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

var ErrEmptyPredicate = errors.New("empty predicate")

// Engine compiles and evaluates predicates. Compiled programs are cached and
// reused across goroutines; the engine is safe for concurrent use.
type Engine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewEngine creates an engine with an empty program cache.
func NewEngine() *Engine {
	return &Engine{cache: make(map[string]*vm.Program)}
}

// EvalBool evaluates the predicate against the record's attributes. Attribute
// keys become top-level variables in the expression environment; attributes
// absent from the record evaluate as nil rather than failing compilation.
func (e *Engine) EvalBool(_ context.Context, predicate string, attrs map[string]any) (bool, error) {
	if predicate == "" {
		return false, ErrEmptyPredicate
	}

	program, err := e.getOrCompile(predicate)
	if err != nil {
		return false, err
	}

	env := attrs
	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("predicate %q evaluation failed: %w", predicate, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("predicate %q is not boolean: got %T", predicate, out)
	}

	return result, nil
}

// Validate compiles the predicate without evaluating it, for definition-time
// validation.
func (e *Engine) Validate(predicate string) error {
	if predicate == "" {
		return ErrEmptyPredicate
	}

	_, err := e.getOrCompile(predicate)

	return err
}

func (e *Engine) getOrCompile(predicate string) (*vm.Program, error) {
	e.mu.RLock()
	if program, ok := e.cache[predicate]; ok {
		e.mu.RUnlock()

		return program, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if program, ok := e.cache[predicate]; ok {
		return program, nil
	}

	program, err := expr.Compile(predicate,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, fmt.Errorf("predicate %q compile error: %w", predicate, err)
	}

	e.cache[predicate] = program

	return program, nil
}

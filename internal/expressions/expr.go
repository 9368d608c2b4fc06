package expressions

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/types"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/lineage/pkg/schema"
)

// ExprEngine evaluates trainable payloads written in expr-lang/expr. It is
// the default dialect: env entries may be Go functions, which is what makes
// self-recursive trainable code possible (the wrapper injects a closure
// under the operator's own name).
//
// Programs are compiled against the declared variable set, so a payload
// referencing a name outside its environment fails at compile time as a
// definition fault instead of resolving to nil at runtime. The cache is
// keyed per (source, variable set) pair.
// Thread-safe: compiled *vm.Program objects are cached and reused.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return DialectExpr
}

// Evaluate compiles (or retrieves from cache) the source against the env's
// variable set and evaluates it. Every env key is a dyn-typed top-level
// variable.
func (e *ExprEngine) Evaluate(ctx context.Context, source string, env map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr source")
	}

	prg, err := e.getOrCompile(source, sortedKeys(env))
	if err != nil {
		return nil, err
	}

	if env == nil {
		env = map[string]any{}
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"expr evaluation failed for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	return out, nil
}

// FaultLine reports the source line of an expr compile or runtime fault.
func (e *ExprEngine) FaultLine(err error) (int, bool) {
	var fe *file.Error
	if errors.As(err, &fe) && fe.Line >= 1 {
		return fe.Line, true
	}
	return faultLineFromMessage(err)
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one for the given variable set. Keying by source and variable set
// means payload mutation invalidates naturally and the same payload recompiles
// when its environment names change.
func (e *ExprEngine) getOrCompile(source string, vars []string) (*vm.Program, error) {
	key := source + "\x00" + strings.Join(vars, ",")

	e.mu.RLock()
	if prg, ok := e.cache[key]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[key]; ok {
		return prg, nil
	}

	decl := make(types.Map, len(vars))
	for _, v := range vars {
		decl[v] = types.Any
	}

	prg, err := expr.Compile(source, expr.Env(decl))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCodeDefinition,
			"expr compile error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	e.cache[key] = prg
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)

package expressions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/rendis/lineage/pkg/schema"
)

// CELEngine evaluates trainable payloads written in Google's Common
// Expression Language. CEL requires declared variables at compile time, so
// programs are cached per (source, variable set) pair.
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a new CEL engine.
func NewCELEngine() (*CELEngine, error) {
	return &CELEngine{
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string {
	return DialectCEL
}

// Evaluate compiles (or retrieves from cache) the source against the env's
// variable set and evaluates it. Every env key becomes a dyn-typed variable.
func (e *CELEngine) Evaluate(ctx context.Context, source string, env map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL source")
	}

	vars := sortedKeys(env)
	prg, err := e.getOrCompile(source, vars)
	if err != nil {
		return nil, err
	}

	activation := make(map[string]any, len(env))
	for k, v := range env {
		activation[k] = v
	}

	out, _, err := prg.Eval(activation)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	return out.Value(), nil
}

// FaultLine reports the source line of a CEL fault. CEL issue messages carry
// "<input>:line:col" markers.
func (e *CELEngine) FaultLine(err error) (int, bool) {
	return faultLineFromMessage(err)
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one for the given variable set.
func (e *CELEngine) getOrCompile(source string, vars []string) (cel.Program, error) {
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

	opts := make([]cel.EnvOption, 0, len(vars))
	for _, v := range vars {
		opts = append(opts, cel.Variable(v, cel.DynType))
	}
	celEnv, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := celEnv.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCodeDefinition,
			"CEL compile error in %q: %s", source, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"source": source})
	}

	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCodeDefinition,
			"CEL program error for %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	e.cache[key] = prg
	return prg, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var _ Engine = (*CELEngine)(nil)

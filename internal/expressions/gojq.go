package expressions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/lineage/pkg/schema"
)

// GoJQEngine evaluates trainable payloads written as jq programs. The env
// map is passed as the program input, so payloads address arguments as
// `.argname`. Useful for trainables that reshape structured data.
// Thread-safe: compiled *gojq.Code objects are cached and reused.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string {
	return DialectJQ
}

// Evaluate compiles (or retrieves from cache) the jq program and runs it
// with env as the input object. A single output is returned directly;
// multiple outputs are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, source string, env map[string]any) (any, error) {
	if source == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq source")
	}

	code, err := e.getOrCompile(source)
	if err != nil {
		return nil, err
	}

	input := map[string]any{}
	for k, v := range env {
		input[k] = v
	}

	iter := code.RunWithContext(ctx, input)

	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if runErr, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"jq evaluation failed for %q: %s", source, runErr.Error()).
				WithCause(runErr).
				WithDetails(map[string]any{"source": source})
		}
		results = append(results, val)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// FaultLine reports the source line of a jq fault when the message carries a
// location marker; gojq parse errors usually do not, so single-line payloads
// fall back to line 1 at the annotation layer.
func (e *GoJQEngine) FaultLine(err error) (int, bool) {
	return faultLineFromMessage(err)
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one.
func (e *GoJQEngine) getOrCompile(source string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[source]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if code, ok := e.cache[source]; ok {
		return code, nil
	}

	query, err := gojq.Parse(source)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCodeDefinition,
			"jq parse error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	code, err := gojq.Compile(query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeCodeDefinition,
			"jq compile error in %q: %s", source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"source": source})
	}

	e.cache[source] = code
	return code, nil
}

var _ Engine = (*GoJQEngine)(nil)

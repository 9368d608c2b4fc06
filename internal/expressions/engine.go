package expressions

import (
	"context"
	"regexp"
	"strconv"
	"sync"

	"github.com/rendis/lineage/pkg/schema"
)

// Dialect names for trainable code payloads.
const (
	DialectExpr = "expr"
	DialectCEL  = "cel"
	DialectJQ   = "jq"
)

// Engine evaluates trainable code payloads. Three implementations:
// Expr (default, supports self-recursive closures), CEL, and GoJQ.
//
// Compile caches are keyed by source text, so a mutated payload is always
// recompiled on its next evaluation while repeated calls with unchanged
// payloads reuse the compiled form.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, source string, env map[string]any) (any, error)
	// FaultLine extracts the 1-based source line a compile or evaluation
	// fault points at, when the engine can attribute one.
	FaultLine(err error) (int, bool)
}

var (
	enginesMu sync.Mutex
	engines   map[string]Engine
)

// ForDialect returns the shared engine for the named dialect.
func ForDialect(name string) (Engine, error) {
	enginesMu.Lock()
	defer enginesMu.Unlock()

	if engines == nil {
		engines = make(map[string]Engine)
	}
	if e, ok := engines[name]; ok {
		return e, nil
	}

	var (
		e   Engine
		err error
	)
	switch name {
	case DialectExpr:
		e = NewExprEngine()
	case DialectCEL:
		e, err = NewCELEngine()
	case DialectJQ:
		e = NewGoJQEngine()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown code dialect %q", name)
	}
	if err != nil {
		return nil, err
	}
	engines[name] = e
	return e, nil
}

// locPattern matches ":line:column" fragments in engine error messages, the
// common shape of CEL and parser diagnostics.
var locPattern = regexp.MustCompile(`:(\d+):(\d+)`)

// faultLineFromMessage falls back to scraping a line number out of an error
// message when the engine exposes no structured location.
func faultLineFromMessage(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	m := locPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	line, convErr := strconv.Atoi(m[1])
	if convErr != nil || line < 1 {
		return 0, false
	}
	return line, true
}

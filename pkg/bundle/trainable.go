package bundle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/rendis/lineage/internal/expressions"
	"github.com/rendis/lineage/pkg/graph"
	"github.com/rendis/lineage/pkg/schema"
)

// executeTrainable resolves and runs the trainable body. The current payload
// of the code parameter is compiled on demand (the compile cache is keyed by
// source text, so a mutated payload always recompiles), evaluated in an
// environment built from the wrap-time globals snapshot overlaid with the
// call's argument payloads, with a self-closure registered under the
// operator's own name for recursive payloads.
//
// Definition faults (non-text payload, unknown dialect, compile errors) are
// returned as a ready-made *ExecutionError whose ExceptionNode has the code
// parameter as its sole input; runtime faults are returned raw for the
// ordinary catch/annotate path.
func (op *FuncOp) executeTrainable(ctx context.Context, b *boundArgs) (any, error) {
	code, ok := op.param.Peek().(string)
	if !ok {
		err := schema.NewErrorf(schema.ErrCodeCodeDefinition,
			"code parameter %s holds %T, want source text", op.param.Name(), op.param.Peek()).
			WithOp(op.name)
		return nil, op.codeDefinitionError(fmt.Sprintf("%v", op.param.Peek()), err, nil)
	}
	op.info.Source = code

	eng, err := expressions.ForDialect(op.cfg.dialect)
	if err != nil {
		return nil, op.codeDefinitionError(code, err, nil)
	}

	env := op.buildEnv(b)
	if eng.Name() == expressions.DialectExpr {
		env[op.name] = op.selfClosure(ctx, eng, code)
	}

	out, err := eng.Evaluate(ctx, code, env)
	if err != nil {
		var lerr *schema.LineageError
		if errors.As(err, &lerr) && lerr.Code == schema.ErrCodeCodeDefinition {
			return nil, op.codeDefinitionError(code, err, eng)
		}
		return nil, err
	}
	return out, nil
}

// buildEnv assembles the evaluation environment: the wrap-time snapshot of
// the enclosing scope overlaid with the call's bound argument payloads.
func (op *FuncOp) buildEnv(b *boundArgs) map[string]any {
	env := make(map[string]any, len(op.cfg.globals)+b.len())
	for k, v := range op.cfg.globals {
		env[k] = v
	}
	for _, bd := range b.ordered() {
		env[bd.name] = graph.ToData(bd.value)
	}
	return env
}

// selfClosure returns the function registered under the operator's own name
// in the evaluation environment, so the freshly compiled payload can call
// itself recursively without re-entering the instrumentation layer.
func (op *FuncOp) selfClosure(ctx context.Context, eng expressions.Engine, code string) func(args ...any) (any, error) {
	var self func(args ...any) (any, error)
	self = func(args ...any) (any, error) {
		env := make(map[string]any, len(op.cfg.globals)+len(args)+1)
		for k, v := range op.cfg.globals {
			env[k] = v
		}
		for i, p := range op.sig.params {
			if i < len(args) {
				env[p] = args[i]
			}
		}
		env[op.name] = self
		return eng.Evaluate(ctx, code, env)
	}
	return self
}

// codeDefinitionError converts a compile or definition fault of the code
// parameter into a structured failure: the payload is annotated with the
// offending line, the info record keeps the explanation and raw trace, and
// the ExceptionNode's sole declared input is the code parameter itself.
func (op *FuncOp) codeDefinitionError(code string, fault error, eng expressions.Engine) *ExecutionError {
	line := 0
	if eng != nil {
		line, _ = eng.FaultLine(fault)
	}
	frames := []frameAnnotation{{
		opName:  op.name,
		source:  code,
		line:    line,
		message: errorLabel(fault),
	}}

	op.info.Error = renderExplanation(frames, fault)
	op.info.RawTrace = string(debug.Stack())

	inputs := graph.NewInputs()
	inputs.Set("code", op.param.GraphNode())

	eNode := graph.NewException(op.g, fault, inputs,
		"exception_"+op.name,
		fmt.Sprintf("[exception] the code parameter %s has an error.", op.param.Name()),
		map[string]any{"fun_name": op.info.FunName})

	return &ExecutionError{Node: eNode, frames: frames, base: fault, definition: true}
}

package bundle

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"github.com/rendis/lineage/internal/expressions"
	"github.com/rendis/lineage/pkg/graph"
	"github.com/rendis/lineage/pkg/schema"
)

// evalDescription is the description of the node produced by a trainable
// call: the operator evaluates the code parameter against the arguments.
const evalDescription = "[eval] This operator evaluates the code parameter __code against the call arguments; the output is the result of the evaluation."

// Info is the per-wrapped-callable metadata record. It is overwritten on
// every call (last-call-wins); callers must not assume it reflects anything
// other than the most recent invocation.
type Info struct {
	FunName              string
	Doc                  string
	Signature            string
	Source               string
	File                 string
	Line                 int
	Output               any
	ExternalDependencies []*graph.Node
	Error                string
	RawTrace             string
}

// FuncOp wraps a callable so that calling it produces provenance-graph
// nodes: arguments and results become nodes with deterministic names, nodes
// read during execution are discovered as dependencies, recursion runs
// native, and faults become annotated ExceptionNodes.
//
// A FuncOp is bound to one Graph and shares its single-logical-call-stack
// constraint; it is not safe for concurrent use.
type FuncOp struct {
	g           *graph.Graph
	cfg         config
	name        string
	description string

	fn    reflect.Value // raw native callable; zero for trainables
	slot  reflect.Value // rebindable function variable; zero unless wrapped via pointer
	param *graph.ParameterNode

	sig  *signature
	info *Info
}

// Wrap instruments a native Go callable. fn is either a func or a pointer to
// a func variable; the pointer form rebinds the variable to the instrumented
// closure so existing call sites route through the wrapper, and enables the
// recursion guard to swap the raw callable back in for the dynamic extent of
// an instrumented call.
func Wrap(g *graph.Graph, fn any, opts ...Option) (*FuncOp, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	v := reflect.ValueOf(fn)
	var slot, raw reflect.Value
	switch {
	case v.Kind() == reflect.Func:
		raw = v
	case v.Kind() == reflect.Pointer && v.Elem().Kind() == reflect.Func:
		slot = v.Elem()
		raw = reflect.ValueOf(slot.Interface())
		if raw.IsNil() {
			return nil, schema.NewError(schema.ErrCodeValidation, "function variable is nil")
		}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "fn must be a func or pointer to func, got %T", fn)
	}

	t := raw.Type()
	fixed := t.NumIn()
	if t.IsVariadic() {
		fixed--
	}

	params := cfg.params
	if params == nil {
		params = make([]string, fixed)
		for i := range params {
			params[i] = fmt.Sprintf("arg%d", i)
		}
	} else if len(params) != fixed {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"declared %d parameter names for a callable with %d fixed parameters", len(params), fixed)
	}

	meta := describeFunc(raw)
	name := graph.OpName(cfg.description)
	if name == "" {
		name = baseFuncName(meta.qualName)
	}
	if name == "" {
		name = "op"
	}
	description := cfg.description
	if description == "" {
		description = fmt.Sprintf("[%s] %s", name, cfg.doc)
	}

	op := &FuncOp{
		g:           g,
		cfg:         cfg,
		name:        name,
		description: description,
		fn:          raw,
		slot:        slot,
		sig: &signature{
			params:   params,
			defaults: cfg.defaults,
			variadic: t.IsVariadic(),
		},
		info: &Info{
			FunName: meta.qualName,
			Doc:     cfg.doc,
			Source:  meta.source,
			File:    meta.file,
			Line:    meta.line,
		},
	}
	op.info.Signature = op.sig.String()

	if slot.IsValid() {
		slot.Set(op.instrumented())
	}
	return op, nil
}

// WrapCode instruments a trainable callable whose body is the given source
// text in the configured dialect. The source becomes a ParameterNode that an
// optimizer mutates; every call recompiles and re-evaluates the current
// payload. Parameter names must be declared via WithParams so arguments can
// be bound into the evaluation environment.
func WrapCode(g *graph.Graph, source string, opts ...Option) (*FuncOp, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	if _, err := expressions.ForDialect(cfg.dialect); err != nil {
		return nil, err
	}

	name := graph.OpName(cfg.description)
	if name == "" {
		name = "eval"
	}
	description := cfg.description
	if description == "" {
		description = evalDescription
	}

	constraint := cfg.constraint
	if constraint == "" {
		constraint = fmt.Sprintf("The code must be a valid %s program over the parameters %v.", cfg.dialect, cfg.params)
	}

	op := &FuncOp{
		g:           g,
		cfg:         cfg,
		name:        name,
		description: description,
		param:       graph.NewParameter(g, source, "__code", constraint),
		sig: &signature{
			params:   cfg.params,
			defaults: cfg.defaults,
			varkw:    true,
		},
		info: &Info{
			FunName: name,
			Doc:     cfg.doc,
			Source:  source,
		},
	}
	op.info.Signature = op.sig.String()
	return op, nil
}

// Name returns the operator name used for node naming.
func (op *FuncOp) Name() string { return op.name }

// Description returns the operator description.
func (op *FuncOp) Description() string { return op.description }

// Graph returns the execution context the operator is bound to.
func (op *FuncOp) Graph() *graph.Graph { return op.g }

// Parameter returns the trainable code parameter, or nil for native
// callables.
func (op *FuncOp) Parameter() *graph.ParameterNode { return op.param }

// Info returns the info record of the most recent invocation.
func (op *FuncOp) Info() *Info { return op.info }

// Trainable reports whether the callable's body is graph data.
func (op *FuncOp) Trainable() bool { return op.param != nil }

// Call executes the wrapped callable and returns the produced MessageNode.
// Faults surface as *ExecutionError when catching is enabled, as the raw
// fault otherwise. Binding errors and missing-inputs violations are fatal
// and unannotated.
func (op *FuncOp) Call(ctx context.Context, args ...any) (*graph.MessageNode, error) {
	nodes, err := op.call(ctx, args)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// CallN executes the wrapped callable and returns every declared output as
// an independent MessageNode sharing the same parent set.
func (op *FuncOp) CallN(ctx context.Context, args ...any) ([]*graph.MessageNode, error) {
	return op.call(ctx, args)
}

// call is the orchestrator: bind inputs, capture reads, guard recursion,
// execute, reconcile used-vs-declared, emit.
func (op *FuncOp) call(ctx context.Context, args []any) ([]*graph.MessageNode, error) {
	pos, kw := splitKwargs(args)
	b, err := op.sig.bind(pos, kw, op.name)
	if err != nil {
		return nil, err
	}

	inputs := graph.NewInputs()
	for _, bd := range b.ordered() {
		inputs.Set(bd.name, op.nodeOf(bd.value))
	}

	var (
		output   any
		fault    error
		rawTrace string
		cs       *graph.CaptureSet
	)
	func() {
		cs = op.g.BeginCapture()
		defer op.g.EndCapture()

		restore := op.installGuard()
		defer restore()

		if op.cfg.catchErrors {
			defer func() {
				if r := recover(); r != nil {
					fault = panicError(r)
					rawTrace = string(debug.Stack())
				}
			}()
		}

		output, fault = op.execute(ctx, b)
		if fault != nil && rawTrace == "" {
			rawTrace = string(debug.Stack())
		}
	}()

	// Definition faults of trainable code are pre-built structured failures;
	// they bypass catching and reconciliation entirely.
	var defErr *ExecutionError
	if fault != nil && errors.As(fault, &defErr) && defErr.definition {
		return nil, defErr
	}

	if fault != nil && !op.cfg.catchErrors {
		return nil, fault
	}

	// Reconcile used-vs-declared: nodes read during the call but absent from
	// the declared inputs are external dependencies.
	var externals []*graph.Node
	for _, n := range cs.Nodes() {
		if !inputs.Contains(n) {
			externals = append(externals, n)
		}
	}
	op.info.ExternalDependencies = externals
	if len(externals) > 0 && !op.cfg.allowExternal {
		return nil, newMissingInputsError(op.name, externals)
	}

	if !op.g.Tracing() {
		inputs = graph.NewInputs()
	}

	name := op.name
	description := op.description
	if op.Trainable() {
		inputs.Set("__code", op.param.GraphNode())
		name = "eval"
		description = evalDescription
		op.info.FunName = "eval"
	}

	meta := map[string]any{
		"fun_name":           op.info.FunName,
		"extra_dependencies": externals,
		"signature":          op.info.Signature,
	}

	if fault != nil {
		faultLine := 0
		if op.Trainable() {
			if eng, engErr := expressions.ForDialect(op.cfg.dialect); engErr == nil {
				faultLine, _ = eng.FaultLine(fault)
			}
		} else {
			faultLine = nativeFaultLine(op.info, rawTrace)
		}
		frames := buildFrames(op, fault, faultLine)
		base := baseOf(fault)
		op.info.Error = renderExplanation(frames, base)
		op.info.RawTrace = rawTrace

		eNode := graph.NewException(op.g, fault, inputs,
			"exception_"+name,
			fmt.Sprintf("[exception] the operator %s raises an exception.", op.info.FunName),
			meta)
		return nil, &ExecutionError{Node: eNode, frames: frames, base: base}
	}

	op.info.Output = output
	op.info.Error = ""
	op.info.RawTrace = ""

	if op.cfg.nOutputs == 1 {
		return []*graph.MessageNode{
			graph.NewMessage(op.g, output, inputs, name, description, meta),
		}, nil
	}

	parts, ok := output.([]any)
	if !ok || len(parts) != op.cfg.nOutputs {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"operator declared %d outputs but produced %T", op.cfg.nOutputs, output).
			WithOp(op.name)
	}
	nodes := make([]*graph.MessageNode, len(parts))
	for i, p := range parts {
		nodes[i] = graph.NewMessage(op.g, p, inputs, name, description, meta)
	}
	return nodes, nil
}

// execute resolves the callable to run (the dynamic evaluator for
// trainables, the raw native otherwise) and invokes it.
func (op *FuncOp) execute(ctx context.Context, b *boundArgs) (any, error) {
	if op.Trainable() {
		return op.executeTrainable(ctx, b)
	}
	return op.invoke(b)
}

// invoke calls the native function through reflection, passing either raw
// payload values (default) or untouched node objects.
func (op *FuncOp) invoke(b *boundArgs) (any, error) {
	t := op.fn.Type()

	values := make([]any, 0, len(b.fixed)+len(b.varargs))
	for _, bd := range b.fixed {
		values = append(values, op.argValue(bd.value))
	}
	for _, v := range b.varargs {
		values = append(values, op.argValue(v))
	}

	in := make([]reflect.Value, len(values))
	for i, v := range values {
		var want reflect.Type
		if t.IsVariadic() && i >= t.NumIn()-1 {
			want = t.In(t.NumIn() - 1).Elem()
		} else {
			want = t.In(i)
		}
		rv, err := convertArg(v, want)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeBinding,
				"argument %d: %s", i, err.Error()).WithOp(op.name)
		}
		in[i] = rv
	}

	outs := op.fn.Call(in)

	var fault error
	results := make([]any, 0, len(outs))
	for i, o := range outs {
		if i == len(outs)-1 && t.Out(i) == errType {
			if !o.IsNil() {
				fault = o.Interface().(error)
			}
			continue
		}
		results = append(results, o.Interface())
	}
	if fault != nil {
		return nil, fault
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

// argValue resolves what the underlying callable sees for one argument.
func (op *FuncOp) argValue(v any) any {
	if op.cfg.passNodes {
		return v
	}
	return graph.ToData(v)
}

// nodeOf converts a bound argument into its node form. A wrapped callable
// carrying a trainable parameter contributes that parameter node, so the
// code-as-data dependency is tracked rather than the callable object.
func (op *FuncOp) nodeOf(v any) *graph.Node {
	if other, ok := v.(*FuncOp); ok && other.param != nil {
		return other.param.GraphNode()
	}
	return graph.Of(op.g, v)
}

// installGuard swaps the raw callable into the rebindable function variable
// for the dynamic extent of this call, so recursive calls through the
// variable run native and produce no extra nodes. The previously-bound form
// (usually the instrumented closure, possibly another wrapped form under
// mutual rebinding) is restored on return. Skipped for trainables, which
// handle recursion through the evaluator's self-closure.
func (op *FuncOp) installGuard() func() {
	if op.Trainable() || !op.cfg.preserveRecursion || !op.slot.IsValid() {
		return func() {}
	}
	prev := reflect.ValueOf(op.slot.Interface())
	op.slot.Set(op.fn)
	return func() { op.slot.Set(prev) }
}

// instrumented builds the typed closure installed into the function
// variable at wrap time: call sites keep their natural signature while
// execution routes through the wrapper. Faults surface through the
// callable's error return when it has one, and panic otherwise.
func (op *FuncOp) instrumented() reflect.Value {
	t := op.fn.Type()
	errIdx := -1
	if t.NumOut() > 0 && t.Out(t.NumOut()-1) == errType {
		errIdx = t.NumOut() - 1
	}

	return reflect.MakeFunc(t, func(in []reflect.Value) []reflect.Value {
		args := make([]any, 0, len(in))
		for i, v := range in {
			if t.IsVariadic() && i == len(in)-1 {
				for j := 0; j < v.Len(); j++ {
					args = append(args, v.Index(j).Interface())
				}
				continue
			}
			args = append(args, v.Interface())
		}

		node, err := op.Call(context.Background(), args...)

		outs := make([]reflect.Value, t.NumOut())
		for i := range outs {
			outs[i] = reflect.Zero(t.Out(i))
		}
		if err != nil {
			if errIdx >= 0 {
				outs[errIdx] = reflect.ValueOf(err)
				return outs
			}
			panic(err)
		}
		nResults := t.NumOut()
		if errIdx >= 0 {
			nResults--
		}
		switch {
		case nResults == 1:
			rv, convErr := convertArg(node.Data(), t.Out(0))
			if convErr != nil {
				panic(convErr)
			}
			outs[0] = rv
		case nResults > 1:
			parts, ok := node.Data().([]any)
			if !ok || len(parts) != nResults {
				panic(fmt.Sprintf("wrapped callable produced %T, want %d results", node.Data(), nResults))
			}
			for i, p := range parts {
				rv, convErr := convertArg(p, t.Out(i))
				if convErr != nil {
					panic(convErr)
				}
				outs[i] = rv
			}
		}
		return outs
	})
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// convertArg adapts v to the target type, zeroing nils and converting
// compatible kinds.
func convertArg(v any, want reflect.Type) (reflect.Value, error) {
	if v == nil {
		return reflect.Zero(want), nil
	}
	rv := reflect.ValueOf(v)
	if rv.Type().AssignableTo(want) {
		return rv, nil
	}
	if rv.Type().ConvertibleTo(want) {
		return rv.Convert(want), nil
	}
	return reflect.Value{}, fmt.Errorf("cannot use %T as %s", v, want)
}

// panicError normalizes a recovered panic value into an error.
func panicError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", r)
}

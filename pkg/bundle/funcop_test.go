package bundle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lineage/pkg/graph"
	"github.com/rendis/lineage/pkg/schema"
)

func add(x, y int) int { return x + y }

func failing(x int) (int, error) {
	return 0, errors.New("x")
}

// --- Wrapping ---

func TestWrap_PlainFunc(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)
	assert.Equal(t, "add", op.Name())
	assert.False(t, op.Trainable())
	assert.Equal(t, "(x, y)", op.Info().Signature)
}

func TestWrap_RejectsNonFunc(t *testing.T) {
	g := graph.New()

	_, err := Wrap(g, 42)
	require.Error(t, err)

	var lerr *schema.LineageError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeValidation, lerr.Code)
}

func TestWrap_ParamCountMismatch(t *testing.T) {
	g := graph.New()

	_, err := Wrap(g, add, WithParams("x"))
	require.Error(t, err)
}

func TestWrap_SyntheticParamNames(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add)
	require.NoError(t, err)

	node, err := op.Call(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, node.Peek())

	parents := node.ParentMap()
	assert.Contains(t, parents, "arg0")
	assert.Contains(t, parents, "arg1")
}

func TestWrap_DescriptionNamesOperator(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add, WithParams("x", "y"), WithDescription("[sum] adds two numbers."))
	require.NoError(t, err)
	assert.Equal(t, "sum", op.Name())

	node, err := op.Call(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, "sum:0", node.Name())
}

// --- Calling ---

func TestCall_ProducesMessageNode(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, node.Peek())

	parents := node.ParentMap()
	require.Len(t, parents, 2)
	assert.Equal(t, 2, parents["x"].Peek())
	assert.Equal(t, 3, parents["y"].Peek())
}

func TestCall_NodeArgumentsKeepIdentity(t *testing.T) {
	g := graph.New()
	x := graph.Of(g, 2)

	op, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), x, 3)
	require.NoError(t, err)
	assert.Same(t, x, node.ParentMap()["x"])
}

func TestCall_KeywordArguments(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add, WithParams("x", "y"), WithDefaults(map[string]any{"y": 10}))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 15, node.Peek())

	node, err = op.Call(context.Background(), 5, Kwargs{"y": 1})
	require.NoError(t, err)
	assert.Equal(t, 6, node.Peek())
}

func TestCall_BindingErrorIsFatal(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 1, 2, 3)
	require.Error(t, err)

	var lerr *schema.LineageError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeBinding, lerr.Code)
	assert.Equal(t, 0, g.Len())
}

func TestCall_TrainableParameterSubstitution(t *testing.T) {
	g := graph.New()

	inner, err := WrapCode(g, "1", WithDescription("[unit] constant one."))
	require.NoError(t, err)

	takeAny := func(f any, x int) int { return x }
	op, err := Wrap(g, takeAny, WithParams("f", "x"), PassNodes(true))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), inner, 7)
	require.NoError(t, err)
	assert.Same(t, inner.Parameter().GraphNode(), node.ParentMap()["f"])
}

// --- Dependency discovery ---

func TestCall_DeclaredOnlyReadsYieldNoExternals(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), graph.Of(g, 1), graph.Of(g, 2))
	require.NoError(t, err)
	assert.Empty(t, op.Info().ExternalDependencies)
}

func TestCall_CapturesNestedUndeclaredRead(t *testing.T) {
	g := graph.New()
	hidden := graph.Of(g, 100)

	deepRead := func() int { return hidden.Data().(int) }
	fn := func(x int) int { return x + deepRead() }

	op, err := Wrap(g, fn, WithParams("x"), AllowExternalDeps(true))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 101, node.Peek())

	ext := op.Info().ExternalDependencies
	require.Len(t, ext, 1)
	assert.Same(t, hidden, ext[0])
	assert.Equal(t, ext, node.Info()["extra_dependencies"])
}

func TestCall_UndeclaredReadRejectedByDefault(t *testing.T) {
	g := graph.New()
	hidden := graph.Of(g, 100)

	fn := func(x int) int { return x + hidden.Data().(int) }
	op, err := Wrap(g, fn, WithParams("x"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 1)
	require.Error(t, err)

	var lerr *schema.LineageError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeMissingInputs, lerr.Code)
	assert.Contains(t, lerr.Message, hidden.Name())
}

func TestCall_NestedCallsDoNotLeakReads(t *testing.T) {
	g := graph.New()
	innerArg := graph.Of(g, 2)

	inner, err := Wrap(g, func(a int) int { return a * a }, WithParams("a"))
	require.NoError(t, err)

	outer, err := Wrap(g, func(x int) int {
		n, err := inner.Call(context.Background(), innerArg)
		if err != nil {
			panic(err)
		}
		return x + n.Data().(int)
	}, WithParams("x"), AllowExternalDeps(true))
	require.NoError(t, err)

	node, err := outer.Call(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 5, node.Peek())

	// The inner call's own argument read stays in the inner accounting;
	// the outer call sees only the inner result it actually read.
	require.Len(t, outer.Info().ExternalDependencies, 1)
	assert.Equal(t, 4, outer.Info().ExternalDependencies[0].Peek())
	assert.Empty(t, inner.Info().ExternalDependencies)
}

// --- Recursion ---

func TestCall_RecursionRunsNative(t *testing.T) {
	g := graph.New()

	var fact func(n int) int
	fact = func(n int) int {
		if n <= 1 {
			return 1
		}
		return n * fact(n-1)
	}

	op, err := Wrap(g, &fact, WithParams("n"), WithDescription("[fact] factorial."))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, 120, node.Peek())

	// One node for the argument, one for the result. Recursive steps add
	// nothing.
	assert.Equal(t, 2, g.Len())
	assert.Equal(t, "fact:0", node.Name())
}

func TestCall_ReboundVariableRoutesThroughWrapper(t *testing.T) {
	g := graph.New()

	var double func(n int) int
	double = func(n int) int { return 2 * n }

	_, err := Wrap(g, &double, WithParams("n"), WithDescription("[double] doubles."))
	require.NoError(t, err)

	// Plain call sites now produce nodes transparently.
	assert.Equal(t, 8, double(4))
	assert.Equal(t, 2, g.Len())
}

func TestCall_GuardRestoresPreviousBinding(t *testing.T) {
	g := graph.New()

	var fib func(n int) int
	fib = func(n int) int {
		if n < 2 {
			return n
		}
		return fib(n-1) + fib(n-2)
	}

	op, err := Wrap(g, &fib, WithParams("n"), WithDescription("[fib] fibonacci."))
	require.NoError(t, err)

	before := g.Len()
	_, err = op.Call(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, before+2, g.Len())

	// The instrumented form is back after the call returns.
	assert.Equal(t, 5, fib(5))
	assert.Equal(t, before+4, g.Len())
}

// --- Faults ---

func TestCall_FaultBecomesExceptionNode(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, failing, WithParams("x"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 3)
	require.Error(t, err)

	var exec *ExecutionError
	require.ErrorAs(t, err, &exec)
	require.NotNil(t, exec.Node)

	parents := exec.Node.ParentMap()
	require.Len(t, parents, 1)
	assert.Equal(t, 3, parents["x"].Peek())
	assert.EqualError(t, exec.Base(), "x")
	assert.Contains(t, exec.Node.Description(), "raises an exception")
}

func TestCall_PanicIsCaught(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, func(x int) int { panic("boom") }, WithParams("x"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 1)
	require.Error(t, err)

	var exec *ExecutionError
	require.ErrorAs(t, err, &exec)
	assert.Contains(t, exec.Base().Error(), "boom")
	assert.NotEmpty(t, op.Info().RawTrace)
}

func TestCall_CatchDisabledPropagatesRaw(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, failing, WithParams("x"), CatchErrors(false))
	require.NoError(t, err)

	before := g.Len()
	_, err = op.Call(context.Background(), 3)
	require.EqualError(t, err, "x")

	var exec *ExecutionError
	assert.False(t, errors.As(err, &exec))
	// No result node; only the wrapped argument was created.
	assert.Equal(t, before+1, g.Len())
}

func TestCall_ExplanationMarksFailingFrame(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, failing, WithParams("x"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 3)
	require.Error(t, err)

	var exec *ExecutionError
	require.ErrorAs(t, err, &exec)

	explanation := exec.Explanation()
	assert.Contains(t, explanation, "# <-- ")
	assert.Contains(t, explanation, "errors.errorString: x")
	assert.Equal(t, explanation, op.Info().Error)
}

func detonate(x int) int {
	doubled := x * 2
	if doubled > 0 {
		panic("kaboom")
	}
	return doubled
}

func TestCall_ExplanationMarksPanickingLine(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, detonate, WithParams("x"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 3)
	require.Error(t, err)

	var exec *ExecutionError
	require.ErrorAs(t, err, &exec)

	explanation := exec.Explanation()
	assert.Contains(t, explanation, `panic("kaboom")  # <-- `)
	assert.NotContains(t, explanation, "func detonate(x int) int {  # <-- ")
}

func TestCall_NestedFaultRelaysFrames(t *testing.T) {
	g := graph.New()

	inner, err := Wrap(g, failing, WithParams("x"))
	require.NoError(t, err)

	outer, err := Wrap(g, func(x int) (int, error) {
		n, callErr := inner.Call(context.Background(), x)
		if callErr != nil {
			return 0, callErr
		}
		return n.Data().(int), nil
	}, WithParams("x"), AllowExternalDeps(true))
	require.NoError(t, err)

	_, err = outer.Call(context.Background(), 3)
	require.Error(t, err)

	var exec *ExecutionError
	require.ErrorAs(t, err, &exec)

	explanation := exec.Explanation()
	assert.Contains(t, explanation, relayNotice)
	assert.EqualError(t, exec.Base(), "x")
	assert.Equal(t, 1, strings.Count(explanation, "errors.errorString: x\n"))
}

// --- Multiple outputs ---

func TestCallN_SiblingNodesShareParents(t *testing.T) {
	g := graph.New()

	divmod := func(a, b int) (int, int) { return a / b, a % b }
	op, err := Wrap(g, divmod, WithParams("a", "b"), WithNumOutputs(2))
	require.NoError(t, err)

	nodes, err := op.CallN(context.Background(), 7, 3)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, 2, nodes[0].Peek())
	assert.Equal(t, 1, nodes[1].Peek())
	assert.Equal(t, nodes[0].ParentMap(), nodes[1].ParentMap())
}

// --- Tracing disabled ---

func TestCall_TracingOffSkipsEdges(t *testing.T) {
	g := graph.New()
	g.SetTrace(false)

	op, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)

	node, err := op.Call(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 5, node.Peek())
	assert.Empty(t, node.Parents())
}

// --- Info record ---

func TestInfo_LastCallWins(t *testing.T) {
	g := graph.New()

	op, err := Wrap(g, failing, WithParams("x"))
	require.NoError(t, err)

	_, err = op.Call(context.Background(), 1)
	require.Error(t, err)
	assert.NotEmpty(t, op.Info().Error)

	okOp, err := Wrap(g, add, WithParams("x", "y"))
	require.NoError(t, err)

	node, err := okOp.Call(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, node.Peek(), okOp.Info().Output)
	assert.Empty(t, okOp.Info().Error)
}

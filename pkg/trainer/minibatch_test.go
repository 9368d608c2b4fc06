package trainer

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lineage/pkg/bundle"
	"github.com/rendis/lineage/pkg/graph"
)

// testAgent wraps a single trainable callable.
type testAgent struct {
	g  *graph.Graph
	op *bundle.FuncOp
}

func newTestAgent(t *testing.T, source string) *testAgent {
	t.Helper()
	g := graph.New()
	op, err := bundle.WrapCode(g, source, bundle.WithParams("x"))
	require.NoError(t, err)
	return &testAgent{g: g, op: op}
}

func (a *testAgent) Forward(ctx context.Context, x any) (*graph.MessageNode, error) {
	return a.op.Call(ctx, x)
}

func (a *testAgent) Parameters() []*graph.ParameterNode {
	return []*graph.ParameterNode{a.op.Parameter()}
}

func (a *testAgent) Graph() *graph.Graph { return a.g }

// exactGuide scores 1 when the output equals the expected info value.
type exactGuide struct{}

func (exactGuide) Feedback(ctx context.Context, x, target, info any) (float64, string, error) {
	if target == info {
		return 1, "correct", nil
	}
	return 0, fmt.Sprintf("expected %v, got %v", info, target), nil
}

func (exactGuide) Metric(ctx context.Context, x, target, info any) (float64, error) {
	if target == info {
		return 1, nil
	}
	return 0, nil
}

// stubOptimizer records feedback and rewrites the parameter on Step.
type stubOptimizer struct {
	param     *graph.ParameterNode
	rewrite   string
	backwards []string
	targets   []graph.Noder
	steps     int
}

func (o *stubOptimizer) ZeroFeedback() {}

func (o *stubOptimizer) Backward(target graph.Noder, feedback string) {
	o.targets = append(o.targets, target)
	o.backwards = append(o.backwards, feedback)
}

func (o *stubOptimizer) Step(ctx context.Context) error {
	o.steps++
	if o.rewrite != "" {
		o.param.SetData(o.rewrite)
	}
	return nil
}

// --- Training loop ---

func TestMinibatch_TrainUpdatesParameter(t *testing.T) {
	agent := newTestAgent(t, "x + 1")
	opt := &stubOptimizer{param: agent.Parameters()[0], rewrite: "x * 2"}

	m, err := NewMinibatch(agent, opt)
	require.NoError(t, err)

	ds := &Dataset{Inputs: []any{1, 2}, Infos: []any{2, 4}}
	err = m.Train(context.Background(), exactGuide{}, ds, nil, MinibatchConfig{
		NumEpochs: 1,
		BatchSize: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, opt.steps)
	assert.Equal(t, 1, m.Iterations())
	assert.Equal(t, "x * 2", agent.Parameters()[0].Peek())

	// The batched feedback carries every instance, indexed.
	require.Len(t, opt.backwards, 1)
	assert.Contains(t, opt.backwards[0], "ID [0]:")
	assert.Contains(t, opt.backwards[0], "ID [1]:")
	assert.Contains(t, opt.backwards[0], "expected 4, got 3")
}

func TestMinibatch_MinScoreStopsTraining(t *testing.T) {
	agent := newTestAgent(t, "x + 1")
	opt := &stubOptimizer{param: agent.Parameters()[0], rewrite: "x * 2"}

	m, err := NewMinibatch(agent, opt)
	require.NoError(t, err)

	ds := &Dataset{Inputs: []any{1, 2, 3}, Infos: []any{2, 4, 6}}
	min := 1.0
	err = m.Train(context.Background(), exactGuide{}, ds, ds, MinibatchConfig{
		NumEpochs:     5,
		BatchSize:     3,
		EvalFrequency: 1,
		MinScore:      &min,
	})
	require.NoError(t, err)

	// The rewrite makes every instance correct, so training stops after the
	// first update instead of running all five epochs.
	assert.Equal(t, 1, opt.steps)
}

func TestMinibatch_FaultBecomesFeedback(t *testing.T) {
	agent := newTestAgent(t, "x +")
	opt := &stubOptimizer{param: agent.Parameters()[0], rewrite: "x + 1"}

	m, err := NewMinibatch(agent, opt)
	require.NoError(t, err)

	ds := &Dataset{Inputs: []any{1}, Infos: []any{2}}
	err = m.Train(context.Background(), exactGuide{}, ds, nil, MinibatchConfig{
		NumEpochs: 1,
		BatchSize: 1,
	})
	require.NoError(t, err)

	// The definition fault is relayed to the optimizer as annotated feedback
	// instead of aborting the run.
	require.Len(t, opt.backwards, 1)
	assert.Contains(t, opt.backwards[0], "# <-- ")
	assert.Equal(t, "x + 1", agent.Parameters()[0].Peek())
}

// --- Evaluation ---

func TestMinibatch_Evaluate(t *testing.T) {
	agent := newTestAgent(t, "x * 2")
	opt := &stubOptimizer{param: agent.Parameters()[0]}

	m, err := NewMinibatch(agent, opt)
	require.NoError(t, err)

	ds := &Dataset{Inputs: []any{1, 2, 3, 4}, Infos: []any{2, 4, 6, 9}}
	avg, err := m.Evaluate(context.Background(), exactGuide{}, ds, 2)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, avg, 1e-9)
}

func TestConcatListAsStr(t *testing.T) {
	out := concatListAsStr("a", 2)
	assert.Equal(t, "ID [0]: a\nID [1]: 2\n", out)
}

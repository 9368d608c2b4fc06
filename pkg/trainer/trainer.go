// Package trainer drives optimization of trainable parameters: it scores an
// agent's wrapped computations against a guide, aggregates per-batch
// feedback, and hands it to an optimizer that rewrites the parameters.
package trainer

import (
	"context"
	"log/slog"

	"github.com/rendis/lineage/pkg/graph"
)

// Agent is a program under optimization. Forward runs its computation for
// one input and returns the produced result node; Parameters exposes the
// trainable parameters the optimizer may rewrite.
type Agent interface {
	Forward(ctx context.Context, x any) (*graph.MessageNode, error)
	Parameters() []*graph.ParameterNode
	Graph() *graph.Graph
}

// Guide scores computed outputs and produces textual feedback. Metric is the
// evaluation-only variant; it must not touch the provenance graph.
type Guide interface {
	Feedback(ctx context.Context, x, target, info any) (score float64, feedback string, err error)
	Metric(ctx context.Context, x, target, info any) (float64, error)
}

// Optimizer consumes a result node plus feedback and updates the trainable
// parameters reachable from it.
type Optimizer interface {
	ZeroFeedback()
	Backward(target graph.Noder, feedback string)
	Step(ctx context.Context) error
}

// Logger records named training metrics per step.
type Logger interface {
	Log(ctx context.Context, name string, value any, step int)
}

// SlogLogger logs training metrics through a structured logger.
type SlogLogger struct {
	l *slog.Logger
}

// NewSlogLogger wraps an slog.Logger as a training Logger.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	return &SlogLogger{l: l}
}

func (s *SlogLogger) Log(ctx context.Context, name string, value any, step int) {
	s.l.InfoContext(ctx, "training metric",
		slog.String("metric", name),
		slog.Any("value", value),
		slog.Int("step", step),
	)
}

// nopLogger discards all metrics.
type nopLogger struct{}

func (nopLogger) Log(context.Context, string, any, int) {}

// Package logging carries per-training-run correlation through contexts and
// injects it into slog records.
package logging

import (
	"context"
	"log/slog"
)

// Correlation identifies the scope a log record belongs to. Zero fields are
// omitted from output.
type Correlation struct {
	RunID  string
	OpName string
	CallID string
}

type correlationKey struct{}

// WithCorrelation attaches c to the context, replacing any previous value.
func WithCorrelation(ctx context.Context, c Correlation) context.Context {
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithRunID sets the run ID, keeping the other correlation fields.
func WithRunID(ctx context.Context, id string) context.Context {
	c := FromContext(ctx)
	c.RunID = id
	return WithCorrelation(ctx, c)
}

// WithOpName sets the operator name, keeping the other correlation fields.
func WithOpName(ctx context.Context, name string) context.Context {
	c := FromContext(ctx)
	c.OpName = name
	return WithCorrelation(ctx, c)
}

// FromContext returns the correlation attached to ctx, or a zero value.
func FromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func (c Correlation) attrs() []slog.Attr {
	out := make([]slog.Attr, 0, 3)
	if c.RunID != "" {
		out = append(out, slog.String("run_id", c.RunID))
	}
	if c.OpName != "" {
		out = append(out, slog.String("op_name", c.OpName))
	}
	if c.CallID != "" {
		out = append(out, slog.String("call_id", c.CallID))
	}
	return out
}

// CorrelationHandler decorates an slog.Handler so that records written with
// the Context variants (logger.InfoContext and friends) carry the context's
// correlation fields without every call site spelling them out.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}

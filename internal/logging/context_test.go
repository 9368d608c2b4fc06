package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCorrelationRoundTrip(t *testing.T) {
	ctx := context.Background()
	assert.Zero(t, FromContext(ctx))

	ctx = WithCorrelation(ctx, Correlation{RunID: "r-1", OpName: "eval", CallID: "c-9"})
	c := FromContext(ctx)
	assert.Equal(t, "r-1", c.RunID)
	assert.Equal(t, "eval", c.OpName)
	assert.Equal(t, "c-9", c.CallID)
}

func TestWithRunID_KeepsOtherFields(t *testing.T) {
	ctx := WithOpName(context.Background(), "concat")
	ctx = WithRunID(ctx, "r-2")

	c := FromContext(ctx)
	assert.Equal(t, "r-2", c.RunID)
	assert.Equal(t, "concat", c.OpName)
}

func TestCorrelationHandler_InjectsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithCorrelation(context.Background(), Correlation{RunID: "r-3", OpName: "eval"})
	logger.InfoContext(ctx, "step scored")

	out := buf.String()
	assert.Contains(t, out, "run_id=r-3")
	assert.Contains(t, out, "op_name=eval")
	assert.NotContains(t, out, "call_id")
}

func TestCorrelationHandler_EmptyContextAddsNothing(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "plain")

	out := buf.String()
	require.Contains(t, out, "plain")
	assert.NotContains(t, out, "run_id")
	assert.NotContains(t, out, "op_name")
}

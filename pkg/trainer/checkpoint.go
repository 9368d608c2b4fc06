package trainer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/lineage/internal/store"
	"github.com/rendis/lineage/pkg/schema"
)

// Checkpointer periodically snapshots the agent's trainable parameters into
// the run store, so a run can be resumed or its best parameters recovered
// after a crash.
type Checkpointer struct {
	agent  Agent
	runs   store.Store
	runID  string
	logger *slog.Logger
	steps  func() int

	mu   sync.Mutex
	cron *cron.Cron
}

// NewCheckpointer creates a checkpointer for the agent's parameters.
// stepFn reports the current training iteration for snapshot labeling; nil
// labels every snapshot with step 0.
func NewCheckpointer(agent Agent, runs store.Store, runID string, logger *slog.Logger, stepFn func() int) *Checkpointer {
	if stepFn == nil {
		stepFn = func() int { return 0 }
	}
	return &Checkpointer{
		agent:  agent,
		runs:   runs,
		runID:  runID,
		logger: logger,
		steps:  stepFn,
	}
}

// Start schedules snapshots on the given cron spec. The spec uses the
// six-field form with a leading seconds field, e.g. "*/30 * * * * *".
func (c *Checkpointer) Start(ctx context.Context, spec string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return schema.NewError(schema.ErrCodeConflict, "checkpointer already started")
	}

	runner := cron.New(cron.WithParser(cron.NewParser(
		cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
	)))
	_, err := runner.AddFunc(spec, func() {
		if err := c.Snapshot(ctx); err != nil {
			c.logger.Error("checkpoint failed",
				slog.String("run_id", c.runID),
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid checkpoint schedule").WithCause(err)
	}

	runner.Start()
	c.cron = runner
	c.logger.Info("checkpointer started",
		slog.String("run_id", c.runID),
		slog.String("schedule", spec),
	)
	return nil
}

// Stop halts the schedule and waits for an in-flight snapshot to finish.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	runner := c.cron
	c.cron = nil
	c.mu.Unlock()
	if runner != nil {
		<-runner.Stop().Done()
	}
}

// Snapshot persists the current payload of every trainable parameter.
// Payload reads use Peek so checkpointing never shows up as a data
// dependency.
func (c *Checkpointer) Snapshot(ctx context.Context) error {
	step := c.steps()
	for _, p := range c.agent.Parameters() {
		payload, ok := p.Peek().(string)
		if !ok {
			payload = fmt.Sprintf("%v", p.Peek())
		}
		snap := &store.ParamSnapshot{
			RunID:      c.runID,
			ParamName:  p.Name(),
			Payload:    payload,
			Constraint: p.Constraint(),
			Version:    p.Version(),
			Step:       step,
			CreatedAt:  time.Now().UTC(),
		}
		if err := c.runs.SaveSnapshot(ctx, snap); err != nil {
			return err
		}
	}

	return c.runs.AppendEvent(ctx, &store.Event{
		RunID: c.runID,
		Type:  store.EventCheckpointHit,
	})
}

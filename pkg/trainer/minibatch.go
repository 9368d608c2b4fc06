package trainer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rendis/lineage/internal/logging"
	"github.com/rendis/lineage/internal/pool"
	"github.com/rendis/lineage/internal/store"
	"github.com/rendis/lineage/pkg/bundle"
	"github.com/rendis/lineage/pkg/graph"
)

// concatListAsStr joins the batch items into a single string, one line per
// item with its batch index.
func concatListAsStr(items ...any) string {
	var sb strings.Builder
	for i, item := range items {
		fmt.Fprintf(&sb, "ID [%d]: %v\n", i, item)
	}
	return sb.String()
}

// MinibatchConfig controls one training run.
type MinibatchConfig struct {
	NumEpochs     int      // number of passes over the training set
	BatchSize     int      // instances aggregated into one optimizer update
	EvalFrequency int      // evaluate every N updates; 0 disables evaluation
	LogFrequency  int      // log every N updates; defaults to EvalFrequency
	MinScore      *float64 // stop once the evaluation score reaches this
	Concurrency   int      // parallel metric scoring during evaluation
}

func (c *MinibatchConfig) applyDefaults() {
	if c.NumEpochs <= 0 {
		c.NumEpochs = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.LogFrequency <= 0 {
		c.LogFrequency = c.EvalFrequency
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
}

// Minibatch aggregates the outputs of each minibatch instance into one
// batched target and feedback, then performs a single optimizer update per
// batch.
type Minibatch struct {
	agent     Agent
	optimizer Optimizer
	logger    Logger
	concat    *bundle.FuncOp

	runs  store.Store
	runID string

	iters int
}

// MinibatchOption configures a Minibatch trainer.
type MinibatchOption func(*Minibatch)

// WithTrainLogger sets the metric logger.
func WithTrainLogger(l Logger) MinibatchOption {
	return func(m *Minibatch) { m.logger = l }
}

// WithRunStore persists run events and parameter snapshots for the given run.
func WithRunStore(s store.Store, runID string) MinibatchOption {
	return func(m *Minibatch) {
		m.runs = s
		m.runID = runID
	}
}

// NewMinibatch creates a minibatch trainer for the agent.
func NewMinibatch(agent Agent, optimizer Optimizer, opts ...MinibatchOption) (*Minibatch, error) {
	concat, err := bundle.Wrap(agent.Graph(), concatListAsStr,
		bundle.WithDescription("[concat] Concatenate the items into a single string."))
	if err != nil {
		return nil, err
	}
	m := &Minibatch{
		agent:     agent,
		optimizer: optimizer,
		logger:    nopLogger{},
		concat:    concat,
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Iterations returns the number of optimizer updates performed so far.
func (m *Minibatch) Iterations() int { return m.iters }

// Train runs the minibatch loop: forward each instance, collect feedback
// from the guide, aggregate, update the agent, and periodically evaluate.
func (m *Minibatch) Train(ctx context.Context, guide Guide, train *Dataset, test *Dataset, cfg MinibatchConfig) error {
	cfg.applyDefaults()
	ctx = logging.WithRunID(ctx, m.runID)

	// Baseline evaluation before any update.
	if test != nil && cfg.EvalFrequency > 0 {
		if _, err := m.evaluateAndLog(ctx, guide, test, cfg); err != nil {
			return err
		}
	}

	loader := NewLoader(train, cfg.BatchSize, nil)
	var trainScores []float64

	for epoch := 0; epoch < cfg.NumEpochs; epoch++ {
		for _, batch := range loader.Batches() {
			if err := ctx.Err(); err != nil {
				return err
			}

			targets := make([]any, 0, len(batch.Inputs))
			feedbacks := make([]any, 0, len(batch.Inputs))
			scores := make([]float64, 0, len(batch.Inputs))
			for i, x := range batch.Inputs {
				target, score, feedback, err := m.step(ctx, guide, x, batch.Infos[i])
				if err != nil {
					return err
				}
				targets = append(targets, target)
				feedbacks = append(feedbacks, feedback)
				scores = append(scores, score)
				trainScores = append(trainScores, score)
			}

			target, err := m.concat.Call(ctx, targets...)
			if err != nil {
				return err
			}
			feedbackNode, err := m.concat.Call(ctx, feedbacks...)
			if err != nil {
				return err
			}
			feedback := feedbackNode.Peek().(string)

			m.optimizer.ZeroFeedback()
			m.optimizer.Backward(target, feedback)
			if err := m.optimizer.Step(ctx); err != nil {
				return err
			}
			m.iters++
			m.recordEvent(ctx, store.EventParamUpdated, map[string]any{
				"iteration": m.iters,
				"scores":    scores,
			})

			if test != nil && cfg.EvalFrequency > 0 && m.iters%cfg.EvalFrequency == 0 {
				avg, err := m.evaluateAndLog(ctx, guide, test, cfg)
				if err != nil {
					return err
				}
				if cfg.MinScore != nil && avg >= *cfg.MinScore {
					return nil
				}
			}

			if cfg.LogFrequency > 0 && m.iters%cfg.LogFrequency == 0 {
				m.logger.Log(ctx, "average train score", mean(trainScores), m.iters)
				for _, p := range m.agent.Parameters() {
					m.logger.Log(ctx, "parameter "+p.Name(), p.Peek(), m.iters)
				}
			}
		}
	}
	return nil
}

// step forwards one instance and collects feedback. A caught execution fault
// is not fatal: its ExceptionNode becomes the target and the annotated
// explanation becomes the feedback, so the optimizer can repair the fault.
func (m *Minibatch) step(ctx context.Context, guide Guide, x, info any) (graph.Noder, float64, string, error) {
	target, err := m.agent.Forward(ctx, x)
	if err != nil {
		var exec *bundle.ExecutionError
		if errors.As(err, &exec) {
			m.recordEvent(ctx, store.EventCallFaulted, map[string]any{
				"node":  exec.Node.Name(),
				"error": exec.Base().Error(),
			})
			return exec.Node, 0, exec.Explanation(), nil
		}
		return nil, 0, "", err
	}

	score, feedback, err := guide.Feedback(ctx, x, target.Peek(), info)
	if err != nil {
		return nil, 0, "", err
	}
	m.recordEvent(ctx, store.EventStepScored, map[string]any{
		"node":  target.Name(),
		"score": score,
	})
	return target, score, feedback, nil
}

// Evaluate scores the agent over the dataset. Forward passes run
// sequentially (the agent's graph is bound to one logical call stack);
// metric scoring, which never touches the graph, fans out over a bounded
// pool.
func (m *Minibatch) Evaluate(ctx context.Context, guide Guide, ds *Dataset, concurrency int) (float64, error) {
	outputs := make([]any, ds.Len())
	for i, x := range ds.Inputs {
		target, err := m.agent.Forward(ctx, x)
		if err != nil {
			var exec *bundle.ExecutionError
			if errors.As(err, &exec) {
				outputs[i] = exec.Base().Error()
				continue
			}
			return 0, err
		}
		outputs[i] = target.Peek()
	}

	p := pool.New(concurrency)
	defer p.Shutdown()

	scores := make([]float64, ds.Len())
	var mu sync.Mutex
	var firstErr error
	for i := range ds.Inputs {
		i := i
		err := p.Submit(ctx, func(ctx context.Context) error {
			s, err := guide.Metric(ctx, ds.Inputs[i], outputs[i], ds.Infos[i])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return err
			}
			scores[i] = s
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	p.Wait()
	if firstErr != nil {
		return 0, firstErr
	}
	return mean(scores), nil
}

func (m *Minibatch) evaluateAndLog(ctx context.Context, guide Guide, test *Dataset, cfg MinibatchConfig) (float64, error) {
	avg, err := m.Evaluate(ctx, guide, test, cfg.Concurrency)
	if err != nil {
		return 0, err
	}
	m.logger.Log(ctx, "average test score", avg, m.iters)
	if m.runs != nil {
		score := avg
		_ = m.runs.UpdateRun(ctx, m.runID, store.RunUpdate{Score: &score, Steps: &m.iters})
	}
	return avg, nil
}

// recordEvent appends a run event when a run store is configured. Event
// persistence is best effort and never interrupts training.
func (m *Minibatch) recordEvent(ctx context.Context, eventType string, payload map[string]any) {
	if m.runs == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_ = m.runs.AppendEvent(ctx, &store.Event{
		RunID:     m.runID,
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	})
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

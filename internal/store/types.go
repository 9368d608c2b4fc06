package store

import (
	"encoding/json"
	"time"
)

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Event types appended during a training run.
const (
	EventRunStarted    = "run.started"
	EventRunCompleted  = "run.completed"
	EventRunFailed     = "run.failed"
	EventStepScored    = "step.scored"
	EventParamUpdated  = "param.updated"
	EventCallFaulted   = "call.faulted"
	EventCheckpointHit = "checkpoint.saved"
)

// Run is the persisted representation of a training run.
type Run struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Algorithm   string          `json:"algorithm"`
	Dataset     string          `json:"dataset,omitempty"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config,omitempty"`
	Score       *float64        `json:"score,omitempty"`
	BestScore   *float64        `json:"best_score,omitempty"`
	Steps       int             `json:"steps"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Event is an immutable entry in the per-run event log.
type Event struct {
	ID        int64           `json:"id"`
	RunID     string          `json:"run_id"`
	OpName    string          `json:"op_name,omitempty"`
	Type      string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ParamSnapshot is a point-in-time copy of a trainable parameter's payload,
// taken by the checkpointer or after an optimizer update.
type ParamSnapshot struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	ParamName  string    `json:"param_name"`
	Payload    string    `json:"payload"`
	Constraint string    `json:"constraint,omitempty"`
	Version    int64     `json:"version"`
	Step       int       `json:"step"`
	Score      *float64  `json:"score,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status    string     `json:"status,omitempty"`
	Algorithm string     `json:"algorithm,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	Status      string     `json:"status,omitempty"`
	Score       *float64   `json:"score,omitempty"`
	BestScore   *float64   `json:"best_score,omitempty"`
	Steps       *int       `json:"steps,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	RunID  string     `json:"run_id,omitempty"`
	OpName string     `json:"op_name,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// SnapshotFilter specifies criteria for listing parameter snapshots.
type SnapshotFilter struct {
	RunID     string `json:"run_id,omitempty"`
	ParamName string `json:"param_name,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

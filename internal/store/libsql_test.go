package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/lineage/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedRun(t *testing.T, s *LibSQLStore) *Run {
	t.Helper()
	run := &Run{
		ID:        uuid.New().String(),
		Name:      "test-run",
		Algorithm: "minibatch",
		Dataset:   "toy.json",
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

// --- Migrations ---

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Re-running must be a no-op and leave the store fully usable.
	require.NoError(t, s.Migrate(ctx))
	run := seedRun(t, s)
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: EventRunStarted}))
}

func TestSQLStatements(t *testing.T) {
	script := "-- runs table\nCREATE TABLE a (id INTEGER);\n\n-- index\nCREATE INDEX idx ON a(id);\n"

	stmts := sqlStatements(script)
	require.Len(t, stmts, 2)
	assert.True(t, strings.HasPrefix(stmts[0], "CREATE TABLE a"))
	assert.True(t, strings.HasPrefix(stmts[1], "CREATE INDEX idx"))

	assert.Empty(t, sqlStatements("-- comments only\n-- nothing else\n"))
}

// --- Runs ---

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        uuid.New().String(),
		Name:      "run-1",
		Algorithm: "minibatch",
		Config:    json.RawMessage(`{"batch_size":4}`),
	}
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "run-1", got.Name)
	assert.Equal(t, "minibatch", got.Algorithm)
	assert.Equal(t, RunStatusRunning, got.Status)
	assert.JSONEq(t, `{"batch_size":4}`, string(got.Config))
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)

	var lerr *schema.LineageError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeNotFound, lerr.Code)
}

func TestCreateRun_Duplicate(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	err := s.CreateRun(context.Background(), &Run{ID: run.ID, Algorithm: "minibatch"})
	require.Error(t, err)

	var lerr *schema.LineageError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeConflict, lerr.Code)
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	score := 0.75
	steps := 12
	done := time.Now().UTC()
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{
		Status:      RunStatusCompleted,
		Score:       &score,
		Steps:       &steps,
		CompletedAt: &done,
	}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunStatusCompleted, got.Status)
	require.NotNil(t, got.Score)
	assert.Equal(t, 0.75, *got.Score)
	assert.Equal(t, 12, got.Steps)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRun(context.Background(), "missing", RunUpdate{Status: RunStatusFailed})
	require.Error(t, err)
}

func TestListRuns_Filtered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r1 := seedRun(t, s)
	r2 := seedRun(t, s)
	require.NoError(t, s.UpdateRun(ctx, r2.ID, RunUpdate{Status: RunStatusFailed}))

	running, err := s.ListRuns(ctx, RunFilter{Status: RunStatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, r1.ID, running[0].ID)

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDeleteRun_CascadesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: EventRunStarted}))
	require.NoError(t, s.DeleteRun(ctx, run.ID))

	events, err := s.GetEvents(ctx, run.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

// --- Event log ---

func TestAppendEvent_SequencesPerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r1 := seedRun(t, s)
	r2 := seedRun(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r1.ID, Type: EventStepScored}))
	}
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: r2.ID, Type: EventRunStarted}))

	events, err := s.GetEvents(ctx, r1.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	other, err := s.GetEvents(ctx, r2.ID, 0)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, int64(1), other[0].Sequence)
}

func TestGetEvents_Since(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: EventStepScored}))
	}

	events, err := s.GetEvents(ctx, run.ID, 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(4), events[0].Sequence)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: EventRunStarted}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: EventCallFaulted, OpName: "eval"}))
	require.NoError(t, s.AppendEvent(ctx, &Event{RunID: run.ID, Type: EventCallFaulted, OpName: "concat"}))

	faults, err := s.GetEventsByType(ctx, EventCallFaulted, EventFilter{RunID: run.ID})
	require.NoError(t, err)
	assert.Len(t, faults, 2)

	evalFaults, err := s.GetEventsByType(ctx, EventCallFaulted, EventFilter{RunID: run.ID, OpName: "eval"})
	require.NoError(t, err)
	require.Len(t, evalFaults, 1)
	assert.Equal(t, "eval", evalFaults[0].OpName)
}

// --- Parameter snapshots ---

func TestSnapshots_LatestAndBest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	low, high := 0.2, 0.9
	snaps := []*ParamSnapshot{
		{RunID: run.ID, ParamName: "__code:0", Payload: "x + 1", Version: 0, Step: 1, Score: &low},
		{RunID: run.ID, ParamName: "__code:0", Payload: "x * 2", Version: 1, Step: 2, Score: &high},
		{RunID: run.ID, ParamName: "__code:0", Payload: "x - 3", Version: 2, Step: 3, Score: &low},
	}
	for _, snap := range snaps {
		require.NoError(t, s.SaveSnapshot(ctx, snap))
		assert.NotZero(t, snap.ID)
	}

	latest, err := s.LatestSnapshot(ctx, run.ID, "__code:0")
	require.NoError(t, err)
	assert.Equal(t, "x - 3", latest.Payload)
	assert.Equal(t, int64(2), latest.Version)

	best, err := s.BestSnapshot(ctx, run.ID, "__code:0")
	require.NoError(t, err)
	assert.Equal(t, "x * 2", best.Payload)
	require.NotNil(t, best.Score)
	assert.Equal(t, 0.9, *best.Score)
}

func TestSnapshots_NotFound(t *testing.T) {
	s := newTestStore(t)
	run := seedRun(t, s)

	_, err := s.LatestSnapshot(context.Background(), run.ID, "missing")
	require.Error(t, err)

	var lerr *schema.LineageError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, schema.ErrCodeNotFound, lerr.Code)
}

func TestListSnapshots(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	run := seedRun(t, s)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, &ParamSnapshot{
			RunID: run.ID, ParamName: "__code:0", Payload: "x", Version: int64(i),
		}))
	}

	snaps, err := s.ListSnapshots(ctx, SnapshotFilter{RunID: run.ID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(0), snaps[0].Version)
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/lineage/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *Run) error {
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, name, algorithm, dataset, status, config, score, best_score, steps, error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, nullStr(run.Name), run.Algorithm, nullStr(run.Dataset), run.Status,
		nullRaw(run.Config), nullFloat(run.Score), nullFloat(run.BestScore), run.Steps,
		nullStr(run.Error), run.CreatedAt, nullTime(run.StartedAt), nullTime(run.CompletedAt), run.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, algorithm, dataset, status, config, score, best_score, steps, error, created_at, started_at, completed_at, updated_at
		 FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateRun(ctx context.Context, id string, update RunUpdate) error {
	var sets []string
	var args []any
	if update.Status != "" {
		sets = append(sets, "status = ?")
		args = append(args, update.Status)
	}
	if update.Score != nil {
		sets = append(sets, "score = ?")
		args = append(args, *update.Score)
	}
	if update.BestScore != nil {
		sets = append(sets, "best_score = ?")
		args = append(args, *update.BestScore)
	}
	if update.Steps != nil {
		sets = append(sets, "steps = ?")
		args = append(args, *update.Steps)
	}
	if update.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `SELECT id, name, algorithm, dataset, status, config, score, best_score, steps, error, created_at, started_at, completed_at, updated_at FROM runs`
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Algorithm != "" {
		where = append(where, "algorithm = ?")
		args = append(args, filter.Algorithm)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", id)
}

// --- Events ---

func (s *LibSQLStore) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, op_name, event_type, payload, timestamp, sequence
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	query := `SELECT id, run_id, op_name, event_type, payload, timestamp, sequence FROM run_events WHERE event_type = ?`
	args := []any{eventType}
	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.OpName != "" {
		query += " AND op_name = ?"
		args = append(args, filter.OpName)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	query += " ORDER BY timestamp ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// --- Parameter snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *ParamSnapshot) error {
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO param_snapshots (run_id, param_name, payload, constraint_text, version, step, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.RunID, snap.ParamName, snap.Payload, nullStr(snap.Constraint),
		snap.Version, snap.Step, nullFloat(snap.Score), snap.CreatedAt,
	)
	if err != nil {
		return err
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

func (s *LibSQLStore) ListSnapshots(ctx context.Context, filter SnapshotFilter) ([]*ParamSnapshot, error) {
	query := `SELECT id, run_id, param_name, payload, constraint_text, version, step, score, created_at FROM param_snapshots`
	var where []string
	var args []any
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.ParamName != "" {
		where = append(where, "param_name = ?")
		args = append(args, filter.ParamName)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []*ParamSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func (s *LibSQLStore) LatestSnapshot(ctx context.Context, runID, paramName string) (*ParamSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, param_name, payload, constraint_text, version, step, score, created_at
		 FROM param_snapshots WHERE run_id = ? AND param_name = ? ORDER BY id DESC LIMIT 1`,
		runID, paramName)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", runID+"/"+paramName)
	}
	return snap, err
}

func (s *LibSQLStore) BestSnapshot(ctx context.Context, runID, paramName string) (*ParamSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, param_name, payload, constraint_text, version, step, score, created_at
		 FROM param_snapshots WHERE run_id = ? AND param_name = ? AND score IS NOT NULL
		 ORDER BY score DESC, id DESC LIMIT 1`,
		runID, paramName)
	snap, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", runID+"/"+paramName)
	}
	return snap, err
}

// --- Scanning ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var name, dataset, config, errMsg sql.NullString
	var score, best sql.NullFloat64
	var started, completed sql.NullTime
	err := row.Scan(&run.ID, &name, &run.Algorithm, &dataset, &run.Status, &config,
		&score, &best, &run.Steps, &errMsg, &run.CreatedAt, &started, &completed, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.Name = name.String
	run.Dataset = dataset.String
	run.Error = errMsg.String
	run.Config = rawOrNil(config)
	if score.Valid {
		run.Score = &score.Float64
	}
	if best.Valid {
		run.BestScore = &best.Float64
	}
	if started.Valid {
		run.StartedAt = &started.Time
	}
	if completed.Valid {
		run.CompletedAt = &completed.Time
	}
	return run, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var opName, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &opName, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.OpName = opName.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

func scanSnapshot(row rowScanner) (*ParamSnapshot, error) {
	snap := &ParamSnapshot{}
	var constraint sql.NullString
	var score sql.NullFloat64
	err := row.Scan(&snap.ID, &snap.RunID, &snap.ParamName, &snap.Payload,
		&constraint, &snap.Version, &snap.Step, &score, &snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	snap.Constraint = constraint.String
	if score.Valid {
		snap.Score = &score.Float64
	}
	return snap, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.LineageError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullRaw(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) []byte {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return []byte(ns.String)
}

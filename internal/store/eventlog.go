package store

import (
	"context"
	"fmt"
	"time"
)

// AppendEvent appends an event with a monotonically increasing per-run
// sequence. The sequence read and the insert run in one transaction so
// concurrent writers cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Force write-lock acquisition up front. In WAL mode a deferred
	// transaction would only lock at the first write, letting another
	// writer read the same sequence in between. The writer_lock row is
	// provisioned by applyMigrations.
	if _, err := tx.ExecContext(ctx,
		`UPDATE writer_lock SET touched = touched + 1 WHERE id = 1`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, op_name, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, nullStr(event.OpName), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	event.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed migrations/001_initial_schema.sql
var initialSchema string

// scripts lists every migration script in apply order; the schema version is
// the 1-based position in this slice.
var scripts = []struct {
	name string
	sql  string
}{
	{name: "initial_schema", sql: initialSchema},
}

// applyMigrations brings the database up to the latest schema version. It
// also provisions the single-row writer_lock table that AppendEvent updates
// to take the write lock at the top of its sequencing transaction; WAL mode
// would otherwise defer locking to the first real write, letting two
// appenders read the same sequence.
func applyMigrations(ctx context.Context, db *sql.DB) error {
	bootstrap := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS writer_lock (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			touched INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO writer_lock (id) VALUES (1)`,
	}
	for _, stmt := range bootstrap {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema tables: %w", err)
		}
	}

	var applied int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("count applied migrations: %w", err)
	}

	for i := applied; i < len(scripts); i++ {
		if err := applyScript(ctx, db, i+1, scripts[i].name, scripts[i].sql); err != nil {
			return err
		}
	}
	return nil
}

// applyScript runs one migration script and records it, all in a single
// transaction so a partial failure leaves the version table untouched.
func applyScript(ctx context.Context, db *sql.DB, version int, name, script string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	defer tx.Rollback()

	for _, stmt := range sqlStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", version, name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name) VALUES (?, ?)`, version, name); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	return tx.Commit()
}

// sqlStatements strips comment lines from the script, then splits the
// remainder on semicolons.
func sqlStatements(script string) []string {
	var kept []string
	for _, line := range strings.Split(script, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "--") {
			continue
		}
		kept = append(kept, line)
	}

	var stmts []string
	for _, chunk := range strings.Split(strings.Join(kept, "\n"), ";") {
		if s := strings.TrimSpace(chunk); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

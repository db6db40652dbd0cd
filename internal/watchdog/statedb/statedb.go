// Package statedb is the watchdog's own durable store: per-tool call
// outcomes (for failure-rate pattern checks), suppressed patterns, proposed
// fixes, and self-update history. It is a separate database from the
// kernel's journal -- the watchdog is a sibling process and must keep
// working even if the kernel's own journal is corrupt or locked.
package statedb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/aegis-run/aegis/internal/kernel/types"
)

// DB wraps the watchdog's SQLite-backed state.
type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the watchdog state database at path.
func Open(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	d := &DB{db: sqlDB}
	if err := d.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error { return d.db.Close() }

func (d *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tool_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool TEXT NOT NULL,
			success INTEGER NOT NULL,
			occurred_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_events_tool_time ON tool_events(tool, occurred_at)`,
		`CREATE TABLE IF NOT EXISTS suppressions (
			pattern_kind TEXT PRIMARY KEY,
			until TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS fixes (
			id TEXT PRIMARY KEY,
			detected_at TEXT NOT NULL,
			pattern TEXT NOT NULL,
			diagnosis TEXT NOT NULL,
			action_json TEXT NOT NULL,
			applied_at TEXT,
			verified INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS update_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			checked_at TEXT NOT NULL,
			from_version TEXT NOT NULL,
			to_version TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			rollback_reason TEXT,
			migration_log TEXT
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.Exec(s); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
	}
	return nil
}

// RecordToolEvent logs one tool invocation outcome for failure-rate checks.
func (d *DB) RecordToolEvent(ctx context.Context, tool string, success bool, at time.Time) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO tool_events (tool, success, occurred_at) VALUES (?, ?, ?)`,
		tool, boolToInt(success), at.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record tool event: %w", err)
	}
	return nil
}

// ToolFailure is one tool whose recent failure rate crossed a threshold.
type ToolFailure struct {
	Tool        string
	FailureRate float64
}

// FailingTools returns every tool whose failure rate over the trailing
// windowHours exceeds threshold (0.0-1.0).
func (d *DB) FailingTools(ctx context.Context, threshold float64, windowHours int) ([]ToolFailure, error) {
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour).UTC().Format(time.RFC3339)
	rows, err := d.db.QueryContext(ctx,
		`SELECT tool, SUM(1 - success) AS failures, COUNT(*) AS total
		 FROM tool_events WHERE occurred_at >= ? GROUP BY tool`, since)
	if err != nil {
		return nil, fmt.Errorf("query failing tools: %w", err)
	}
	defer rows.Close()

	var out []ToolFailure
	for rows.Next() {
		var tool string
		var failures, total int64
		if err := rows.Scan(&tool, &failures, &total); err != nil {
			return nil, fmt.Errorf("scan failing tools row: %w", err)
		}
		if total == 0 {
			continue
		}
		rate := float64(failures) / float64(total)
		if rate > threshold {
			out = append(out, ToolFailure{Tool: tool, FailureRate: rate})
		}
	}
	return out, rows.Err()
}

// IsSuppressed reports whether pattern has an active (not yet expired)
// suppression entry.
func (d *DB) IsSuppressed(ctx context.Context, pattern types.PatternKind) (bool, error) {
	var until string
	err := d.db.QueryRowContext(ctx, `SELECT until FROM suppressions WHERE pattern_kind = ?`, string(pattern)).Scan(&until)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query suppression: %w", err)
	}
	t, err := time.Parse(time.RFC3339, until)
	if err != nil {
		return false, nil
	}
	return time.Now().Before(t), nil
}

// Suppress silences pattern for the given duration.
func (d *DB) Suppress(ctx context.Context, pattern types.PatternKind, duration time.Duration) error {
	until := time.Now().Add(duration).UTC().Format(time.RFC3339)
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO suppressions (pattern_kind, until) VALUES (?, ?)
		 ON CONFLICT(pattern_kind) DO UPDATE SET until = excluded.until`,
		string(pattern), until)
	if err != nil {
		return fmt.Errorf("suppress pattern: %w", err)
	}
	return nil
}

// InsertFix persists a newly proposed fix.
func (d *DB) InsertFix(ctx context.Context, fix types.Fix, actionJSON string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO fixes (id, detected_at, pattern, diagnosis, action_json) VALUES (?, ?, ?, ?, ?)`,
		fix.ID.String(), fix.DetectedAt.UTC().Format(time.RFC3339), string(fix.Pattern), fix.Diagnosis, actionJSON)
	if err != nil {
		return fmt.Errorf("insert fix: %w", err)
	}
	return nil
}

// UpdateFix records the outcome of applying and verifying a fix.
func (d *DB) UpdateFix(ctx context.Context, id uuid.UUID, appliedAt time.Time, verified bool) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE fixes SET applied_at = ?, verified = ? WHERE id = ?`,
		appliedAt.UTC().Format(time.RFC3339), boolToInt(verified), id.String())
	if err != nil {
		return fmt.Errorf("update fix: %w", err)
	}
	return nil
}

// UpdateRecord tracks one self-update attempt's lifecycle.
type UpdateRecord struct {
	ID             int64
	CheckedAt      time.Time
	FromVersion    string
	ToVersion      string
	Status         string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	RollbackReason *string
	MigrationLog   *string
}

// InsertUpdate records a newly discovered release and returns its row id.
func (d *DB) InsertUpdate(ctx context.Context, rec UpdateRecord) (int64, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO update_records (checked_at, from_version, to_version, status) VALUES (?, ?, ?, ?)`,
		rec.CheckedAt.UTC().Format(time.RFC3339), rec.FromVersion, rec.ToVersion, rec.Status)
	if err != nil {
		return 0, fmt.Errorf("insert update record: %w", err)
	}
	return res.LastInsertId()
}

// SetUpdateStatus transitions an update record to a new status, optionally
// recording start/completion timestamps and a rollback reason or migration
// log.
func (d *DB) SetUpdateStatus(ctx context.Context, id int64, status string, startedAt, completedAt *time.Time, rollbackReason, migrationLog *string) error {
	_, err := d.db.ExecContext(ctx,
		`UPDATE update_records SET status = ?, started_at = COALESCE(?, started_at),
		 completed_at = COALESCE(?, completed_at), rollback_reason = COALESCE(?, rollback_reason),
		 migration_log = COALESCE(?, migration_log) WHERE id = ?`,
		status, formatOptTime(startedAt), formatOptTime(completedAt), rollbackReason, migrationLog, id)
	if err != nil {
		return fmt.Errorf("set update status: %w", err)
	}
	return nil
}

func formatOptTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package journal implements the kernel's crash-safe durable store: persona,
// long-term memory, conversation turns, working memory, and pending
// setup-flow state. It is backed by modernc.org/sqlite (pure Go, no cgo),
// grounded on the teacher's own preference for modernc.org/sqlite in
// internal/memory/backend/sqlitevec over the cgo-based mattn/go-sqlite3.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// MemorySource enumerates how a memory row entered the journal.
type MemorySource string

const (
	SourceExplicit   MemorySource = "explicit"
	SourceReflection MemorySource = "reflection"
	SourceObserver   MemorySource = "observer"
)

// ConversationRole distinguishes user vs assistant turns.
type ConversationRole string

const (
	RoleUser      ConversationRole = "user"
	RoleAssistant ConversationRole = "assistant"
)

const (
	maxConversationTurns = 20
	maxWorkingMemory     = 10
)

// Journal wraps a SQLite-backed database implementing the abstract tables
// from the kernel's data model.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and ensures
// the schema exists.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}
	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS persona (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			text TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memory (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			label INTEGER NOT NULL,
			source TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			task_id TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS memory_content_idx ON memory(content)`,
		`CREATE TABLE IF NOT EXISTS conversation_turn (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal TEXT NOT NULL,
			role TEXT NOT NULL,
			summary TEXT NOT NULL,
			ts TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS conversation_turn_principal_idx ON conversation_turn(principal, ts)`,
		`CREATE TABLE IF NOT EXISTS working_memory (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			principal TEXT NOT NULL,
			task_id TEXT NOT NULL,
			ts TIMESTAMP NOT NULL,
			request_summary TEXT NOT NULL,
			tool_outputs_json TEXT NOT NULL,
			response_summary TEXT NOT NULL,
			label INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS working_memory_principal_idx ON working_memory(principal, ts)`,
		`CREATE TABLE IF NOT EXISTS pending_credential_prompt (
			principal_key TEXT PRIMARY KEY,
			service TEXT NOT NULL,
			vault_key TEXT NOT NULL,
			expected_prefix TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS pending_message_deletion (
			chat_id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			PRIMARY KEY (chat_id, message_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := j.db.Exec(s); err != nil {
			return fmt.Errorf("migrate journal: %w", err)
		}
	}
	return nil
}

// PendingSentinel marks that onboarding has prompted for a persona but the
// owner has not yet answered.
const PendingSentinel = "__pending__"

// SetPersona upserts the singleton persona row.
func (j *Journal) SetPersona(ctx context.Context, text string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO persona (id, text) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET text = excluded.text`, text)
	if err != nil {
		return fmt.Errorf("set persona: %w", err)
	}
	return nil
}

// Persona returns the current persona text, or "" if never set.
func (j *Journal) Persona(ctx context.Context) (string, error) {
	var text string
	err := j.db.QueryRowContext(ctx, `SELECT text FROM persona WHERE id = 1`).Scan(&text)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load persona: %w", err)
	}
	return text, nil
}

// MemoryRow is one entry in the memory table.
type MemoryRow struct {
	ID        string
	Content   string
	Label     int
	Source    MemorySource
	CreatedAt time.Time
	TaskID    string
}

// InsertMemory appends a memory row.
func (j *Journal) InsertMemory(ctx context.Context, row MemoryRow) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO memory (id, content, label, source, created_at, task_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		row.ID, row.Content, row.Label, row.Source, row.CreatedAt, row.TaskID)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// SearchMemory returns rows matching a content substring whose label is at
// most ceiling, enforcing the No Read Up invariant (I3) at the query
// boundary rather than trusting callers to filter after the fact.
func (j *Journal) SearchMemory(ctx context.Context, query string, ceiling int) ([]MemoryRow, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, content, label, source, created_at, task_id
		FROM memory
		WHERE content LIKE ? AND label <= ?
		ORDER BY created_at DESC`, "%"+query+"%", ceiling)
	if err != nil {
		return nil, fmt.Errorf("search memory: %w", err)
	}
	defer rows.Close()

	var out []MemoryRow
	for rows.Next() {
		var r MemoryRow
		var taskID sql.NullString
		if err := rows.Scan(&r.ID, &r.Content, &r.Label, &r.Source, &r.CreatedAt, &taskID); err != nil {
			return nil, fmt.Errorf("scan memory row: %w", err)
		}
		r.TaskID = taskID.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendConversationTurn records a turn and trims the principal's history to
// the last maxConversationTurns entries.
func (j *Journal) AppendConversationTurn(ctx context.Context, principal string, role ConversationRole, summary string, ts time.Time) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_turn (principal, role, summary, ts) VALUES (?, ?, ?, ?)`,
		principal, role, summary, ts); err != nil {
		return fmt.Errorf("insert conversation turn: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM conversation_turn
		WHERE principal = ? AND id NOT IN (
			SELECT id FROM conversation_turn WHERE principal = ? ORDER BY ts DESC LIMIT ?
		)`, principal, principal, maxConversationTurns); err != nil {
		return fmt.Errorf("trim conversation turns: %w", err)
	}

	return tx.Commit()
}

// ConversationHistory returns up to maxConversationTurns turns for a
// principal, oldest first.
func (j *Journal) ConversationHistory(ctx context.Context, principal string) ([]struct {
	Role    ConversationRole
	Summary string
	Ts      time.Time
}, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT role, summary, ts FROM conversation_turn
		WHERE principal = ? ORDER BY ts ASC LIMIT ?`, principal, maxConversationTurns)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}
	defer rows.Close()

	var out []struct {
		Role    ConversationRole
		Summary string
		Ts      time.Time
	}
	for rows.Next() {
		var item struct {
			Role    ConversationRole
			Summary string
			Ts      time.Time
		}
		if err := rows.Scan(&item.Role, &item.Summary, &item.Ts); err != nil {
			return nil, fmt.Errorf("scan conversation turn: %w", err)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// AppendWorkingMemory records a task's working-memory snapshot and trims to
// the last maxWorkingMemory entries per principal.
func (j *Journal) AppendWorkingMemory(ctx context.Context, principal, taskID string, ts time.Time, requestSummary, toolOutputsJSON, responseSummary string, label int) error {
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO working_memory (principal, task_id, ts, request_summary, tool_outputs_json, response_summary, label)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		principal, taskID, ts, requestSummary, toolOutputsJSON, responseSummary, label); err != nil {
		return fmt.Errorf("insert working memory: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM working_memory
		WHERE principal = ? AND id NOT IN (
			SELECT id FROM working_memory WHERE principal = ? ORDER BY ts DESC LIMIT ?
		)`, principal, principal, maxWorkingMemory); err != nil {
		return fmt.Errorf("trim working memory: %w", err)
	}

	return tx.Commit()
}

// SavePendingCredentialPrompt journals an in-flight setup-flow credential
// prompt so a restart does not drop it.
func (j *Journal) SavePendingCredentialPrompt(ctx context.Context, principalKey, service, vaultKey string, expectedPrefix *string) error {
	var prefix sql.NullString
	if expectedPrefix != nil {
		prefix = sql.NullString{String: *expectedPrefix, Valid: true}
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO pending_credential_prompt (principal_key, service, vault_key, expected_prefix)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(principal_key) DO UPDATE SET
			service = excluded.service, vault_key = excluded.vault_key, expected_prefix = excluded.expected_prefix`,
		principalKey, service, vaultKey, prefix)
	if err != nil {
		return fmt.Errorf("save pending credential prompt: %w", err)
	}
	return nil
}

// PendingCredentialPrompt is one row of pending_credential_prompt.
type PendingCredentialPrompt struct {
	PrincipalKey   string
	Service        string
	VaultKey       string
	ExpectedPrefix *string
}

// LoadAllPendingCredentialPrompts restores every in-flight flow at startup.
func (j *Journal) LoadAllPendingCredentialPrompts(ctx context.Context) ([]PendingCredentialPrompt, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT principal_key, service, vault_key, expected_prefix FROM pending_credential_prompt`)
	if err != nil {
		return nil, fmt.Errorf("load pending credential prompts: %w", err)
	}
	defer rows.Close()

	var out []PendingCredentialPrompt
	for rows.Next() {
		var p PendingCredentialPrompt
		var prefix sql.NullString
		if err := rows.Scan(&p.PrincipalKey, &p.Service, &p.VaultKey, &prefix); err != nil {
			return nil, fmt.Errorf("scan pending credential prompt: %w", err)
		}
		if prefix.Valid {
			p.ExpectedPrefix = &prefix.String
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePendingCredentialPrompt removes a flow once it completes or expires.
func (j *Journal) DeletePendingCredentialPrompt(ctx context.Context, principalKey string) error {
	_, err := j.db.ExecContext(ctx, `DELETE FROM pending_credential_prompt WHERE principal_key = ?`, principalKey)
	if err != nil {
		return fmt.Errorf("delete pending credential prompt: %w", err)
	}
	return nil
}

// SavePendingMessageDeletion journals a transport-message deletion request so
// it completes even if the adapter reconnects after a crash.
func (j *Journal) SavePendingMessageDeletion(ctx context.Context, chatID, messageID string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO pending_message_deletion (chat_id, message_id) VALUES (?, ?)`, chatID, messageID)
	if err != nil {
		return fmt.Errorf("save pending message deletion: %w", err)
	}
	return nil
}

// ResolvePendingMessageDeletion marks a deletion as completed.
func (j *Journal) ResolvePendingMessageDeletion(ctx context.Context, chatID, messageID string) error {
	_, err := j.db.ExecContext(ctx, `
		DELETE FROM pending_message_deletion WHERE chat_id = ? AND message_id = ?`, chatID, messageID)
	if err != nil {
		return fmt.Errorf("resolve pending message deletion: %w", err)
	}
	return nil
}

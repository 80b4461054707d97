// Package sqlite implements archive.Store backed by SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/tabrelay/tabrelay-gateway/internal/archive"
)

// Store implements archive.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite archive at the supplied path.
func New(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create archive directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS completions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	tab_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	finish_reason TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_completions_conversation ON completions(conversation_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init archive schema: %w", err)
	}
	return nil
}

// SaveCompletion appends one finalized completion.
func (s *Store) SaveCompletion(ctx context.Context, rec archive.Record) error {
	const q = `
INSERT INTO completions (request_id, conversation_id, tab_id, model, finish_reason, content, tool_calls, prompt_tokens, completion_tokens)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, q,
		rec.RequestID, rec.ConversationID, rec.TabID, rec.Model,
		rec.FinishReason, rec.Content, rec.ToolCallsJSON,
		rec.PromptTokens, rec.CompletionTokens)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}

// RecentCompletions returns the newest records first.
func (s *Store) RecentCompletions(ctx context.Context, limit int) ([]archive.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	const q = `
SELECT id, request_id, conversation_id, tab_id, model, finish_reason, content, tool_calls, prompt_tokens, completion_tokens, created_at
FROM completions ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("query completions: %w", err)
	}
	defer rows.Close()

	var out []archive.Record
	for rows.Next() {
		var rec archive.Record
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.ConversationID, &rec.TabID,
			&rec.Model, &rec.FinishReason, &rec.Content, &rec.ToolCallsJSON,
			&rec.PromptTokens, &rec.CompletionTokens, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

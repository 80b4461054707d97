// Package postgres implements archive.Store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tabrelay/tabrelay-gateway/internal/archive"
)

// Store implements archive.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed archive using the provided DSN.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
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
	id BIGSERIAL PRIMARY KEY,
	request_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL DEFAULT '',
	tab_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	finish_reason TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL DEFAULT '',
	tool_calls TEXT NOT NULL DEFAULT '',
	prompt_tokens BIGINT NOT NULL DEFAULT 0,
	completion_tokens BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_completions_conversation ON completions(conversation_id);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply archive schema: %w", err)
	}
	return nil
}

// SaveCompletion appends one finalized completion.
func (s *Store) SaveCompletion(ctx context.Context, rec archive.Record) error {
	const q = `
INSERT INTO completions (request_id, conversation_id, tab_id, model, finish_reason, content, tool_calls, prompt_tokens, completion_tokens)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
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
FROM completions ORDER BY id DESC LIMIT $1`
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

// Close releases underlying database resources.
func (s *Store) Close() error { return s.db.Close() }

// Package archive persists finalized completions. The core only feeds this
// consumer; archive failures are logged and never affect a request.
package archive

import (
	"context"
	"time"
)

// Record is one finalized completion.
type Record struct {
	ID               int64
	RequestID        string
	ConversationID   string
	TabID            string
	Model            string
	FinishReason     string
	Content          string
	ToolCallsJSON    string
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// Store is implemented by the sqlite and postgres backends.
type Store interface {
	SaveCompletion(ctx context.Context, rec Record) error
	RecentCompletions(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

package callstore

import (
	"context"
	"errors"
	"time"
)

// ErrConversationConflict is returned when a call record already holds a
// different conversation id. The stored value is never overwritten.
var ErrConversationConflict = errors.New("call record already has a different conversation id")

// CallRecord is the durable per-call row: outcome status and the provider
// conversation id, keyed by the external call correlation id (or the
// stream id when no correlation id was supplied).
type CallRecord struct {
	CallKey        string
	Status         string
	ConversationID string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store persists call records. Both operations are idempotent upserts with
// no ordering dependency between them: a status may land before or after
// the conversation id.
type Store interface {
	// UpsertStatus records the call's lifecycle status, creating the row if
	// needed. Repeating the same value is a no-op.
	UpsertStatus(ctx context.Context, callKey, status string) error

	// UpsertConversationID records the provider conversation id, creating
	// the row if needed. Repeating the same value is a no-op; a different
	// value returns ErrConversationConflict and leaves the row untouched.
	UpsertConversationID(ctx context.Context, callKey, conversationID string) error

	// GetByKey returns the record for a call key, or nil if none exists.
	GetByKey(ctx context.Context, callKey string) (*CallRecord, error)

	// ListRecent returns the most recently updated records up to limit.
	ListRecent(ctx context.Context, limit int) ([]CallRecord, error)

	// CountByStatus returns record counts grouped by status.
	CountByStatus(ctx context.Context) (map[string]int64, error)

	Close() error
}

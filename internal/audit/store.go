package audit

import (
	"context"
	"errors"
	"time"
)

var ErrEntryExists = errors.New("audit: entry id already persisted")

// Filter narrows a ledger query. Zero values match everything.
type Filter struct {
	EntityType string
	EntityID   string
	Actor      string
	Action     string
	Category   Category
	From       time.Time
	To         time.Time
	Limit      int
}

// Store persists audit entry batches.
//
// AppendBatch must be atomic per batch and must reject (not overwrite)
// entries whose ID is already persisted, so a retried flush cannot
// duplicate a completed append.
type Store interface {
	AppendBatch(ctx context.Context, entries []*Entry) error
	Query(ctx context.Context, f Filter) ([]*Entry, error)
	Count(ctx context.Context) (int64, error)
}

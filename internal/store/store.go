package store

import (
	"context"

	"github.com/rendis/maildigest/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Snapshots. Save assigns the next version and writes the audit history row in
	// the same transaction as the upsert.
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, threadID string) (*Snapshot, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Snapshot, error)
	History(ctx context.Context, threadID string) ([]*Snapshot, error)

	// Event Sourcing (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error)

	// Pending Confirmations
	UpsertPending(ctx context.Context, p *PendingConfirmation) error
	ListPending(ctx context.Context, filter PendingFilter) ([]*PendingConfirmation, error)
	ResolvePending(ctx context.Context, threadID, eventID string, action schema.Action) error
	// ExpirePending closes every open confirmation of the thread and returns how
	// many it closed.
	ExpirePending(ctx context.Context, threadID string) (int, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Package steps implements the digest workflow: the step functions, the
// collaborator contracts they call and the default transition graph.
package steps

import (
	"context"

	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

// MailSource fetches recent mail. timeRange uses the <n>h|<n>d|<n>w grammar.
type MailSource interface {
	Fetch(ctx context.Context, timeRange string, maxItems int) ([]schema.Message, error)
}

// Classifier assigns an importance to messages, keyed by message id. Ids it does
// not know about are ignored; messages it omits fall back to low.
type Classifier interface {
	Classify(ctx context.Context, msgs []schema.Message) (map[string]schema.Importance, error)
}

// Summarizer writes the digest summary for classified mail.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []schema.Message, classified *schema.Classified) (*schema.Digest, error)
}

// EventDetector extracts calendar candidates from messages.
type EventDetector interface {
	Detect(ctx context.Context, msgs []schema.Message) ([]schema.DetectedEvent, error)
}

// Notifier is the chat channel. SendReport returns delivered=false without an
// error when the channel answered but refused the message.
type Notifier interface {
	SendReport(ctx context.Context, report string) (delivered bool, err error)
	RequestConfirmation(ctx context.Context, threadID string, events []schema.DetectedEvent) (handle string, err error)
	MarkDecided(ctx context.Context, handle string, ev schema.DetectedEvent, action schema.Action) error
}

// CalendarSink creates calendar entries and returns the provider's event id.
type CalendarSink interface {
	CreateEvent(ctx context.Context, ev schema.DetectedEvent) (string, error)
}

// ConfirmationLookup reads pending confirmations. Satisfied by store.Store.
type ConfirmationLookup interface {
	ListPending(ctx context.Context, filter store.PendingFilter) ([]*store.PendingConfirmation, error)
}

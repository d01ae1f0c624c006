// Package lock provides the per-thread single-writer guarantee used by the engine.
package lock

import (
	"context"
	"time"

	"github.com/rendis/maildigest/pkg/schema"
)

// Locker grants exclusive ownership of a thread id. Acquire returns a release
// function, or a CONFLICT DigestError when another writer holds the thread.
type Locker interface {
	Acquire(ctx context.Context, threadID string) (release func(), err error)
}

// DefaultTTL bounds how long a crashed holder can keep a Redis lock.
const DefaultTTL = 10 * time.Minute

func conflict(threadID string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "thread %q is locked by another writer", threadID).
		WithDetails(map[string]any{"thread_id": threadID})
}

package lock

import (
	"context"
	"sync"
)

// MemoryLocker is an in-process Locker. Suitable when a single process serves all threads.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewMemoryLocker creates an empty MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

// Acquire fails fast with CONFLICT if the thread is already held.
func (l *MemoryLocker) Acquire(_ context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[threadID]; ok {
		return nil, conflict(threadID)
	}
	l.held[threadID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, threadID)
			l.mu.Unlock()
		})
	}, nil
}

var _ Locker = (*MemoryLocker)(nil)

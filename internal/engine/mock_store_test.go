package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

// mockStore is a minimal in-memory Store for testing. Snapshots are deep-copied
// on the way in and out so tests observe only what was persisted.
type mockStore struct {
	mu       sync.Mutex
	runs     map[string]*store.Snapshot
	history  map[string][]*store.Snapshot
	events   []*store.Event
	seq      map[string]int64
	pending  map[string]*store.PendingConfirmation // thread/event -> row
	saveErr  error
	saves    int
	resolved []string
}

func newMockStore() *mockStore {
	return &mockStore{
		runs:    make(map[string]*store.Snapshot),
		history: make(map[string][]*store.Snapshot),
		seq:     make(map[string]int64),
		pending: make(map[string]*store.PendingConfirmation),
	}
}

func copySnapshot(s *store.Snapshot) *store.Snapshot {
	raw, err := json.Marshal(s)
	if err != nil {
		panic(err)
	}
	var out store.Snapshot
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *mockStore) Save(_ context.Context, snap *store.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	var version int64 = 1
	if cur, ok := m.runs[snap.ThreadID]; ok {
		version = cur.Version + 1
		snap.CreatedAt = cur.CreatedAt
	}
	snap.Version = version
	snap.UpdatedAt = time.Now().UTC()
	m.runs[snap.ThreadID] = copySnapshot(snap)
	m.history[snap.ThreadID] = append(m.history[snap.ThreadID], copySnapshot(snap))
	m.saves++
	return nil
}

func (m *mockStore) Load(_ context.Context, threadID string) (*store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.runs[threadID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "thread %q not found", threadID)
	}
	return copySnapshot(s), nil
}

func (m *mockStore) ListRuns(_ context.Context, filter store.RunFilter) ([]*store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Snapshot
	for _, s := range m.runs {
		if filter.Status != "" && s.Status != filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !s.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, copySnapshot(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out, nil
}

func (m *mockStore) History(_ context.Context, threadID string) ([]*store.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Snapshot(nil), m.history[threadID]...), nil
}

func (m *mockStore) AppendEvent(_ context.Context, event *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq[event.ThreadID]++
	event.Sequence = m.seq[event.ThreadID]
	event.ID = int64(len(m.events) + 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	cp := *event
	m.events = append(m.events, &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, threadID string, since int64) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, e := range m.events {
		if e.ThreadID == threadID && e.Sequence > since {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *mockStore) eventTypes(threadID string) []string {
	events, _ := m.GetEvents(context.Background(), threadID, 0)
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func pendingKey(threadID, eventID string) string { return threadID + "/" + eventID }

func (m *mockStore) UpsertPending(_ context.Context, p *store.PendingConfirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pendingKey(p.ThreadID, p.EventID)
	cp := *p
	if cp.Status == "" {
		cp.Status = store.PendingOpen
	}
	m.pending[key] = &cp
	return nil
}

func (m *mockStore) ListPending(_ context.Context, filter store.PendingFilter) ([]*store.PendingConfirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.PendingConfirmation
	for _, p := range m.pending {
		if filter.ThreadID != "" && p.ThreadID != filter.ThreadID {
			continue
		}
		if filter.EventID != "" && p.EventID != filter.EventID {
			continue
		}
		if filter.Handle != "" && p.Handle != filter.Handle {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (m *mockStore) ResolvePending(_ context.Context, threadID, eventID string, action schema.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[pendingKey(threadID, eventID)]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "no pending confirmation for %s", eventID)
	}
	now := time.Now().UTC()
	p.Status = store.PendingResolved
	p.Action = action
	p.ResolvedAt = &now
	m.resolved = append(m.resolved, eventID)
	return nil
}

func (m *mockStore) ExpirePending(_ context.Context, threadID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	now := time.Now().UTC()
	for _, p := range m.pending {
		if p.ThreadID == threadID && p.Status == store.PendingOpen {
			p.Status = store.PendingExpired
			p.ResolvedAt = &now
			n++
		}
	}
	return n, nil
}

func (m *mockStore) Migrate(_ context.Context) error { return nil }
func (m *mockStore) Close() error                    { return nil }

var errStoreDown = errors.New("disk unavailable")

var _ store.Store = (*mockStore)(nil)

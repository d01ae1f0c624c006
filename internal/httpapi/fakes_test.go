package httpapi_test

import (
	"context"
	"sync"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

type resumeCall struct {
	threadID string
	decision schema.Decision
}

type fakeRunner struct {
	mu         sync.Mutex
	triggered  []engine.StartParams
	resumed    []resumeCall
	triggerErr error
	resumeErr  error
}

func (f *fakeRunner) Trigger(_ context.Context, p engine.StartParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggerErr != nil {
		return "", f.triggerErr
	}
	f.triggered = append(f.triggered, p)
	if p.ThreadID == "" {
		return "digest-generated", nil
	}
	return p.ThreadID, nil
}

func (f *fakeRunner) Resume(_ context.Context, threadID string, d *schema.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resumeErr != nil {
		return f.resumeErr
	}
	if err := d.Validate(); err != nil {
		return err
	}
	f.resumed = append(f.resumed, resumeCall{threadID, *d})
	return nil
}

type fakeStatus struct {
	views map[string]*engine.StatusView
}

func (f *fakeStatus) Status(_ context.Context, threadID string) (*engine.StatusView, error) {
	v, ok := f.views[threadID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "thread %q not found", threadID)
	}
	return v, nil
}

type fakePending struct {
	rows []*store.PendingConfirmation
}

func (f *fakePending) ListPending(_ context.Context, filter store.PendingFilter) ([]*store.PendingConfirmation, error) {
	var out []*store.PendingConfirmation
	for _, r := range f.rows {
		if filter.EventID != "" && r.EventID != filter.EventID {
			continue
		}
		if filter.Handle != "" && r.Handle != filter.Handle {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

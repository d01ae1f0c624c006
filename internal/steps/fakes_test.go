package steps

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type fakeMail struct {
	msgs []schema.Message
	err  error
	got  struct {
		timeRange string
		max       int
	}
}

func (f *fakeMail) Fetch(_ context.Context, timeRange string, maxItems int) ([]schema.Message, error) {
	f.got.timeRange, f.got.max = timeRange, maxItems
	return f.msgs, f.err
}

type fakeClassifier struct {
	levels map[string]schema.Importance
	err    error
	seen   []string
}

func (f *fakeClassifier) Classify(_ context.Context, msgs []schema.Message) (map[string]schema.Importance, error) {
	for _, m := range msgs {
		f.seen = append(f.seen, m.ID)
	}
	return f.levels, f.err
}

type fakeSummarizer struct {
	summary string
	err     error
	calls   int
}

func (f *fakeSummarizer) Summarize(context.Context, []schema.Message, *schema.Classified) (*schema.Digest, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	// Counts from the model are ignored.
	return &schema.Digest{Summary: f.summary, ImportanceCount: map[string]int{"high": 99}}, nil
}

type fakeDetector struct {
	events []schema.DetectedEvent
	err    error
	calls  int
}

func (f *fakeDetector) Detect(context.Context, []schema.Message) ([]schema.DetectedEvent, error) {
	f.calls++
	return f.events, f.err
}

type markCall struct {
	handle  string
	eventID string
	action  schema.Action
}

type fakeNotifier struct {
	mu        sync.Mutex
	delivered bool
	sendErr   error
	reports   []string
	requests  [][]schema.DetectedEvent
	marks     []markCall
}

func (f *fakeNotifier) SendReport(_ context.Context, report string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return f.delivered, f.sendErr
}

func (f *fakeNotifier) RequestConfirmation(_ context.Context, _ string, events []schema.DetectedEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, events)
	return fmt.Sprintf("C1:1700000000.000%d00", len(f.requests)), nil
}

func (f *fakeNotifier) MarkDecided(_ context.Context, handle string, ev schema.DetectedEvent, action schema.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, markCall{handle, ev.ID, action})
	return nil
}

type fakeCalendar struct {
	mu      sync.Mutex
	created []string
	err     error
}

func (f *fakeCalendar) CreateEvent(_ context.Context, ev schema.DetectedEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.created = append(f.created, ev.ID)
	return "gcal-" + ev.ID, nil
}

type fakePending struct {
	rows []*store.PendingConfirmation
}

func (f *fakePending) ListPending(_ context.Context, filter store.PendingFilter) ([]*store.PendingConfirmation, error) {
	var out []*store.PendingConfirmation
	for _, r := range f.rows {
		if r.ThreadID == filter.ThreadID && (filter.Status == "" || r.Status == filter.Status) {
			out = append(out, r)
		}
	}
	return out, nil
}

func msg(id, subject string) schema.Message {
	return schema.Message{ID: id, Subject: subject, From: "alice@example.com", Date: "Sat, 14 Mar 2026 08:00:00 +0000"}
}

func event(id string, confidence float64) schema.DetectedEvent {
	start := testNow.Add(48 * time.Hour)
	return schema.DetectedEvent{
		ID:         id,
		EmailID:    "m1",
		Title:      "Planning " + id,
		StartTime:  start,
		EndTime:    start.Add(30 * time.Minute),
		Confidence: confidence,
	}
}

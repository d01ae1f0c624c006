package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/maildigest/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append marshals payload and appends the event to the thread's log.
func (el *EventLog) Append(ctx context.Context, threadID, step, eventType string, payload any) (*Event, error) {
	e := &Event{ThreadID: threadID, Step: step, Type: eventType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		e.Payload = raw
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// GetEvents returns events for a thread with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, threadID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, threadID, since)
}

// Replay folds a thread's event log into per-step records, in first-seen order.
// Returns an error if sequence gaps are detected.
func (el *EventLog) Replay(ctx context.Context, threadID string) ([]*StepRecord, error) {
	events, err := el.store.GetEvents(ctx, threadID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in thread %s: expected %d, got %d", threadID, expected, e.Sequence)
		}
	}

	var order []string
	records := make(map[string]*StepRecord)

	for _, e := range events {
		if e.Step == "" {
			continue
		}
		rec, ok := records[e.Step]
		if !ok {
			rec = &StepRecord{Step: e.Step, Status: schema.StepStatusPending}
			records[e.Step] = rec
			order = append(order, e.Step)
		}

		switch e.Type {
		case schema.EventStepStarted:
			rec.Status = schema.StepStatusRunning
			rec.Attempts++
			ts := e.Timestamp
			rec.StartedAt = &ts
			rec.CompletedAt = nil
			rec.Error = nil

		case schema.EventStepCompleted:
			rec.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			rec.CompletedAt = &ts
			if rec.StartedAt != nil {
				rec.DurationMs = ts.Sub(*rec.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			rec.Status = schema.StepStatusFailed
			rec.Error = e.Payload

		case schema.EventStepSuspended:
			rec.Status = schema.StepStatusSuspended
		}
	}

	out := make([]*StepRecord, 0, len(order))
	for _, name := range order {
		out = append(out, records[name])
	}
	return out, nil
}

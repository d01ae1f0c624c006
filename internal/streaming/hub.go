package streaming

import (
	"context"
	"time"
)

// StreamEvent is a real-time event emitted while a thread executes.
type StreamEvent struct {
	ThreadID  string    `json:"thread_id"`
	Step      string    `json:"step,omitempty"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status,omitempty"`
	Changed   []string  `json:"changed,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	ThreadID   string   `json:"thread_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time thread events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// matchFilter returns true if the event passes the filter criteria.
func matchFilter(f EventFilter, e StreamEvent) bool {
	if f.ThreadID != "" && f.ThreadID != e.ThreadID {
		return false
	}
	if len(f.EventTypes) > 0 {
		found := false
		for _, t := range f.EventTypes {
			if t == e.EventType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

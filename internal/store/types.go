package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/maildigest/pkg/schema"
)

// Snapshot is the persisted record of one thread: the full workflow state plus
// where the run stands.
type Snapshot struct {
	ThreadID string           `json:"thread_id"`
	Version  int64            `json:"version"`
	Status   schema.RunStatus `json:"status"`
	// Cursor names the next step to execute. Empty once the run is completed.
	Cursor string `json:"cursor,omitempty"`
	// SuspendedAt is the suspension marker: the step waiting for a resume value.
	SuspendedAt string               `json:"suspended_at,omitempty"`
	Suspension  json.RawMessage      `json:"suspension,omitempty"`
	State       schema.WorkflowState `json:"state"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

// Suspended reports whether the snapshot is parked at a known suspension point.
func (s *Snapshot) Suspended() bool {
	return s.Status == schema.RunStatusSuspended && s.SuspendedAt != ""
}

// SuspendPayload decodes the suspension payload, or nil when absent.
func (s *Snapshot) SuspendPayload() (*schema.SuspendPayload, error) {
	if len(s.Suspension) == 0 {
		return nil, nil
	}
	var p schema.SuspendPayload
	if err := json.Unmarshal(s.Suspension, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Event is an append-only entry in a thread's event log.
type Event struct {
	ID        int64           `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Step      string          `json:"step,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// PendingStatus is the lifecycle of a confirmation request for one event.
type PendingStatus string

const (
	PendingOpen     PendingStatus = "pending"
	PendingResolved PendingStatus = "resolved"
	// PendingExpired marks a request whose run ended or was replaced before a decision.
	PendingExpired PendingStatus = "expired"
)

// PendingConfirmation links a detected event to the suspended thread waiting on it.
type PendingConfirmation struct {
	ThreadID   string        `json:"thread_id"`
	EventID    string        `json:"event_id"`
	Handle     string        `json:"message_handle"`
	Status     PendingStatus `json:"status"`
	Action     schema.Action `json:"action,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status        schema.RunStatus
	UpdatedBefore *time.Time
	Limit         int
}

// PendingFilter narrows ListPending. Empty fields match anything.
type PendingFilter struct {
	ThreadID string
	EventID  string
	Handle   string
	Status   PendingStatus
	Limit    int
}

// StepRecord is the replayed view of one step across a thread's event log.
type StepRecord struct {
	Step        string            `json:"step"`
	Status      schema.StepStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
}

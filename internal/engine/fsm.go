package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// --- Run FSM ---

type runHookKey struct {
	from, to schema.RunStatus
}

// RunFSM manages run lifecycle state transitions.
type RunFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[runHookKey][]TransitionHook
	after    map[runHookKey][]TransitionHook
}

// NewRunFSM creates a RunFSM that emits events via the given appender.
func NewRunFSM(appender EventAppender) *RunFSM {
	return &RunFSM{
		appender: appender,
		before:   make(map[runHookKey][]TransitionHook),
		after:    make(map[runHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a run transition.
func (f *RunFSM) OnBefore(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a run transition.
func (f *RunFSM) OnAfter(from, to schema.RunStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a run transition and emits the corresponding event.
// Persisting the new status is the caller's job.
func (f *RunFSM) Transition(ctx context.Context, threadID string, from, to schema.RunStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidRunTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"thread_id": threadID, "from": string(from), "to": string(to)})
	}

	key := runHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := runEventType(from, to); eventType != "" {
		if err := emit(ctx, f.appender, threadID, "", eventType, payload); err != nil {
			return err
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func runEventType(from, to schema.RunStatus) string {
	switch to {
	case schema.RunStatusRunning:
		switch from {
		case schema.RunStatusSuspended:
			return schema.EventRunResumed
		case schema.RunStatusFailed:
			return schema.EventRunRetried
		case schema.RunStatusNotStarted:
			return schema.EventRunStarted
		}
		// running -> running is a step boundary, not a lifecycle event.
		return ""
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusCompleted:
		return schema.EventRunCompleted
	case schema.RunStatusFailed:
		return schema.EventRunFailed
	}
	return ""
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepFSM manages step lifecycle state transitions.
type StepFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates a step transition and emits the corresponding event.
func (f *StepFSM) Transition(ctx context.Context, threadID, step string, from, to schema.StepStatus, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !slices.Contains(ValidStepTransitions[from], to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition for %s: %s -> %s", step, from, to).
			WithStep(step).
			WithDetails(map[string]any{"thread_id": threadID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	if eventType := stepEventType(to); eventType != "" {
		if err := emit(ctx, f.appender, threadID, step, eventType, payload); err != nil {
			return err
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSuspended:
		return schema.EventStepSuspended
	}
	return ""
}

func emit(ctx context.Context, appender EventAppender, threadID, step, eventType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "marshal %s payload: %s", eventType, err.Error()).WithCause(err)
		}
		raw = b
	}
	event := &store.Event{ThreadID: threadID, Step: step, Type: eventType, Payload: raw}
	if err := appender.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "emit %s event: %s", eventType, err.Error()).WithCause(err)
	}
	return nil
}

// ValidRunTransitions defines allowed run status transitions. Starting a thread
// whose previous run is terminal begins again from not_started.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusNotStarted: {schema.RunStatusRunning},
	schema.RunStatusRunning: {
		schema.RunStatusRunning,
		schema.RunStatusSuspended,
		schema.RunStatusCompleted,
		schema.RunStatusFailed,
	},
	schema.RunStatusSuspended: {schema.RunStatusRunning},
	schema.RunStatusFailed:    {schema.RunStatusRunning},
}

// ValidStepTransitions defines allowed step status transitions.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending: {schema.StepStatusRunning},
	schema.StepStatusRunning: {
		schema.StepStatusCompleted,
		schema.StepStatusFailed,
		schema.StepStatusSuspended,
	},
	schema.StepStatusSuspended: {schema.StepStatusRunning},
	schema.StepStatusFailed:    {schema.StepStatusRunning},
}

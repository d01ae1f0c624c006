package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/maildigest/internal/lock"
	"github.com/rendis/maildigest/internal/logging"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/internal/streaming"
	"github.com/rendis/maildigest/pkg/schema"
)

// Run parameter defaults applied when a trigger omits them.
const (
	DefaultTimeRange = "24h"
	DefaultMaxItems  = 20
)

// ThreadPrefix prefixes generated thread ids.
const ThreadPrefix = "digest-"

// Config wires an Engine. Store, Registry and Graph are required.
type Config struct {
	Store    store.Store
	Registry *Registry
	Graph    *Graph
	Locker   lock.Locker        // defaults to an in-process locker
	Hub      streaming.EventHub // optional
	Logger   *slog.Logger
	Tracer   trace.Tracer
	Now      func() time.Time
}

// Engine drives runs through the transition graph, persisting a snapshot after
// every step. All entry points hold the per-thread lock for their whole duration.
type Engine struct {
	store    store.Store
	events   *store.EventLog
	registry *Registry
	graph    *Graph
	locker   lock.Locker
	hub      streaming.EventHub
	runFSM   *RunFSM
	stepFSM  *StepFSM
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// StartParams are the inputs of a new run.
type StartParams struct {
	ThreadID  string `json:"thread_id,omitempty"`
	TimeRange string `json:"time_range"`
	MaxItems  int    `json:"max_items"`
}

// RunResult is what Start, Resume and Retry return once the run stops advancing.
type RunResult struct {
	ThreadID    string                 `json:"thread_id"`
	Status      schema.RunStatus       `json:"status"`
	Version     int64                  `json:"version"`
	Cursor      string                 `json:"cursor,omitempty"`
	SuspendedAt string                 `json:"suspended_at,omitempty"`
	Suspension  *schema.SuspendPayload `json:"suspension,omitempty"`
	State       schema.WorkflowState   `json:"state"`
	Error       *schema.DigestError    `json:"error,omitempty"`
}

// StatusView is a read-only picture of a thread for operators.
type StatusView struct {
	Snapshot *store.Snapshot              `json:"snapshot"`
	Pending  []*store.PendingConfirmation `json:"pending,omitempty"`
	Steps    []*store.StepRecord          `json:"steps,omitempty"`
	Events   []*store.Event               `json:"events,omitempty"`
}

// New validates the graph against the registry and returns a ready Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil || cfg.Registry == nil || cfg.Graph == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires store, registry and graph")
	}
	if err := cfg.Graph.Validate(cfg.Registry); err != nil {
		return nil, err
	}
	if cfg.Locker == nil {
		cfg.Locker = lock.NewMemoryLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/rendis/maildigest/internal/engine")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:    cfg.Store,
		events:   store.NewEventLog(cfg.Store),
		registry: cfg.Registry,
		graph:    cfg.Graph,
		locker:   cfg.Locker,
		hub:      cfg.Hub,
		runFSM:   NewRunFSM(cfg.Store),
		stepFSM:  NewStepFSM(cfg.Store),
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		now:      cfg.Now,
	}, nil
}

// Graph returns the transition graph the engine drives.
func (e *Engine) Graph() *Graph { return e.graph }

// Registry returns the step registry.
func (e *Engine) Registry() *Registry { return e.registry }

// NewThreadID returns a fresh thread id.
func NewThreadID() string { return ThreadPrefix + uuid.NewString() }

// Start creates the state of a new run and executes steps until the run suspends
// or reaches a terminal status. A thread whose previous run is running or suspended
// cannot be started again.
func (e *Engine) Start(ctx context.Context, p StartParams) (*RunResult, error) {
	if p.ThreadID == "" {
		p.ThreadID = NewThreadID()
	}
	if p.TimeRange == "" {
		p.TimeRange = DefaultTimeRange
	}
	if p.MaxItems <= 0 {
		p.MaxItems = DefaultMaxItems
	}
	ctx = logging.WithThreadID(ctx, p.ThreadID)

	release, err := e.locker.Acquire(ctx, p.ThreadID)
	if err != nil {
		return nil, err
	}
	defer release()

	prev, err := e.store.Load(ctx, p.ThreadID)
	switch {
	case err == nil:
		if !prev.Status.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"thread %q already has a %s run", p.ThreadID, prev.Status).
				WithDetails(map[string]any{"thread_id": p.ThreadID, "status": string(prev.Status)})
		}
	case schema.IsNotFound(err):
	default:
		return nil, storeErr("load snapshot", err)
	}

	// Confirmations still open from an earlier run on this thread can no longer
	// be decided.
	expired, err := e.store.ExpirePending(ctx, p.ThreadID)
	if err != nil {
		return nil, storeErr("expire pending confirmations", err)
	}
	if expired > 0 {
		e.logger.InfoContext(ctx, "expired confirmations of previous run", "count", expired)
	}

	snap := &store.Snapshot{
		ThreadID:  p.ThreadID,
		Status:    schema.RunStatusRunning,
		Cursor:    e.graph.Entry(),
		State:     *schema.NewState(p.TimeRange, p.MaxItems),
		CreatedAt: e.now(),
	}
	if err := e.runFSM.Transition(ctx, p.ThreadID, schema.RunStatusNotStarted, schema.RunStatusRunning, p); err != nil {
		return nil, err
	}
	if err := e.save(ctx, snap); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "run started", "time_range", p.TimeRange, "max_items", p.MaxItems)
	e.publish(ctx, snap, "", schema.EventRunStarted, nil, p)

	return e.drive(ctx, snap, nil, schema.StepStatusPending)
}

// Resume delivers one decision to a suspended run and continues it. A thread that
// is unknown or not suspended yields INVALID_STATE and is left untouched.
func (e *Engine) Resume(ctx context.Context, threadID string, d *schema.Decision) (*RunResult, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	ctx = logging.WithEventID(logging.WithThreadID(ctx, threadID), d.EventID)

	release, err := e.locker.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := e.store.Load(ctx, threadID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "no run for thread %q", threadID).
				WithDetails(map[string]any{"thread_id": threadID})
		}
		return nil, storeErr("load snapshot", err)
	}
	if !snap.Suspended() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"thread %q is %s, not suspended", threadID, snap.Status).
			WithDetails(map[string]any{"thread_id": threadID, "status": string(snap.Status)})
	}
	reg, ok := e.registry.Get(snap.SuspendedAt)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"thread %q is suspended at unknown step %q", threadID, snap.SuspendedAt)
	}
	if v, ok := reg.Step.(ResumeValidator); ok {
		if err := v.ValidateResume(&snap.State, d); err != nil {
			return nil, err
		}
	}

	if _, err := e.events.Append(ctx, threadID, reg.Name, schema.EventDecisionReceived, d); err != nil {
		return nil, err
	}
	if err := e.runFSM.Transition(ctx, threadID, schema.RunStatusSuspended, schema.RunStatusRunning, d); err != nil {
		return nil, err
	}
	// The snapshot stays suspended on disk until the resumed step completes, so a
	// crash here leaves the run resumable with the same decision.
	snap.Status = schema.RunStatusRunning
	snap.Cursor = reg.Name
	e.logger.InfoContext(ctx, "run resumed", "action", string(d.Action))
	e.publish(ctx, snap, reg.Name, schema.EventRunResumed, nil, d)

	return e.drive(ctx, snap, d, schema.StepStatusSuspended)
}

// Retry re-executes a failed run from the step that failed.
func (e *Engine) Retry(ctx context.Context, threadID string) (*RunResult, error) {
	ctx = logging.WithThreadID(ctx, threadID)

	release, err := e.locker.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := e.store.Load(ctx, threadID)
	if err != nil {
		if schema.IsNotFound(err) {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidState, "no run for thread %q", threadID)
		}
		return nil, storeErr("load snapshot", err)
	}
	if snap.Status != schema.RunStatusFailed {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidState,
			"thread %q is %s, only failed runs can be retried", threadID, snap.Status).
			WithDetails(map[string]any{"thread_id": threadID, "status": string(snap.Status)})
	}

	if err := e.runFSM.Transition(ctx, threadID, schema.RunStatusFailed, schema.RunStatusRunning,
		map[string]any{"cursor": snap.Cursor, "retry_count": snap.State.RetryCount}); err != nil {
		return nil, err
	}
	snap.Status = schema.RunStatusRunning
	snap.State.Error = ""
	if err := e.save(ctx, snap); err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "run retried", "cursor", snap.Cursor, "retry_count", snap.State.RetryCount)
	e.publish(ctx, snap, snap.Cursor, schema.EventRunRetried, nil, nil)

	return e.drive(ctx, snap, nil, schema.StepStatusFailed)
}

// Status returns the snapshot, confirmations, replayed steps and event log of a thread.
func (e *Engine) Status(ctx context.Context, threadID string) (*StatusView, error) {
	snap, err := e.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	pending, err := e.store.ListPending(ctx, store.PendingFilter{ThreadID: threadID})
	if err != nil {
		return nil, storeErr("list pending", err)
	}
	events, err := e.events.GetEvents(ctx, threadID, 0)
	if err != nil {
		return nil, storeErr("get events", err)
	}
	steps, err := e.events.Replay(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return &StatusView{Snapshot: snap, Pending: pending, Steps: steps, Events: events}, nil
}

// RecoverInterrupted marks runs left running by a dead process as failed so an
// operator can retry them. Only runs not updated since before are touched; a run
// whose lock is held is still alive and skipped.
func (e *Engine) RecoverInterrupted(ctx context.Context, before time.Time) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: schema.RunStatusRunning, UpdatedBefore: &before})
	if err != nil {
		return 0, storeErr("list running", err)
	}

	recovered := 0
	for _, r := range runs {
		n, err := e.recoverOne(ctx, r.ThreadID)
		if err != nil {
			e.logger.WarnContext(ctx, "recover interrupted run", "thread_id", r.ThreadID, "error", err)
			continue
		}
		recovered += n
	}
	return recovered, nil
}

func (e *Engine) recoverOne(ctx context.Context, threadID string) (int, error) {
	ctx = logging.WithThreadID(ctx, threadID)
	release, err := e.locker.Acquire(ctx, threadID)
	if err != nil {
		if schema.CodeOf(err) == schema.ErrCodeConflict {
			return 0, nil
		}
		return 0, err
	}
	defer release()

	snap, err := e.store.Load(ctx, threadID)
	if err != nil {
		return 0, err
	}
	if snap.Status != schema.RunStatusRunning {
		return 0, nil
	}

	if _, err := e.events.Append(ctx, threadID, snap.Cursor, schema.EventRunInterrupted,
		map[string]any{"cursor": snap.Cursor}); err != nil {
		return 0, err
	}
	if err := e.runFSM.Transition(ctx, threadID, schema.RunStatusRunning, schema.RunStatusFailed, nil); err != nil {
		return 0, err
	}
	snap.Status = schema.RunStatusFailed
	snap.State.Error = fmt.Sprintf("run interrupted at step %s", snap.Cursor)
	snap.State.RetryCount++
	if err := e.save(ctx, snap); err != nil {
		return 0, err
	}
	e.logger.WarnContext(ctx, "run marked failed after interruption", "cursor", snap.Cursor)
	e.publish(ctx, snap, snap.Cursor, schema.EventRunInterrupted, nil, nil)
	return 1, nil
}

// drive executes steps from snap.Cursor until the run suspends, fails or ends.
// resume is handed to the first step only; entry is that step's prior status.
func (e *Engine) drive(ctx context.Context, snap *store.Snapshot, resume *schema.Decision, entry schema.StepStatus) (*RunResult, error) {
	for snap.Cursor != "" && snap.Cursor != End {
		name := snap.Cursor
		reg, ok := e.registry.Get(name)
		if !ok {
			return e.fail(ctx, snap, name, schema.NewErrorf(schema.ErrCodeValidation, "unknown step %q", name))
		}

		res, err := e.execStep(ctx, snap, reg, resume, entry)
		if err != nil {
			return e.fail(ctx, snap, name, err)
		}
		if res.Suspended() {
			return e.suspend(ctx, snap, name, res.Payload())
		}

		changed := snap.State.Merge(res.Update())
		snap.SuspendedAt = ""
		snap.Suspension = nil

		next, err := e.graph.Next(ctx, name, &snap.State, runData(snap))
		if err != nil {
			return e.fail(ctx, snap, name, err)
		}
		if edge, _ := e.graph.Edge(name); edge.Conditional() {
			if _, err := e.events.Append(ctx, snap.ThreadID, name, schema.EventEdgeEvaluated,
				map[string]any{"condition": edge.Condition, "next": next}); err != nil {
				return e.fail(ctx, snap, name, err)
			}
		}

		if err := e.stepFSM.Transition(ctx, snap.ThreadID, name, schema.StepStatusRunning, schema.StepStatusCompleted,
			map[string]any{"changed": changed}); err != nil {
			return e.fail(ctx, snap, name, err)
		}

		if next == End {
			if err := e.runFSM.Transition(ctx, snap.ThreadID, schema.RunStatusRunning, schema.RunStatusCompleted, nil); err != nil {
				return e.fail(ctx, snap, name, err)
			}
			done := e.now()
			snap.Status = schema.RunStatusCompleted
			snap.Cursor = ""
			snap.CompletedAt = &done
		} else {
			snap.Cursor = next
		}
		if err := e.save(ctx, snap); err != nil {
			return nil, err
		}

		if resume != nil {
			if err := e.store.ResolvePending(ctx, snap.ThreadID, resume.EventID, resume.Action); err != nil && !schema.IsNotFound(err) {
				e.logger.WarnContext(ctx, "resolve pending confirmation", "event_id", resume.EventID, "error", err)
			}
		}

		e.publish(ctx, snap, name, schema.EventStepCompleted, changed, nil)
		resume = nil
		entry = schema.StepStatusPending
	}

	if snap.Status == schema.RunStatusCompleted {
		e.logger.InfoContext(ctx, "run completed", "version", snap.Version)
		e.publish(ctx, snap, "", schema.EventRunCompleted, nil, nil)
	}
	return resultOf(snap), nil
}

// execStep runs one step inside its own span with the boundary checks applied.
func (e *Engine) execStep(ctx context.Context, snap *store.Snapshot, reg *Registration, resume *schema.Decision, entry schema.StepStatus) (Result, error) {
	ctx = logging.WithStep(ctx, reg.Name)
	ctx, span := e.tracer.Start(ctx, "step."+reg.Name, trace.WithAttributes(
		attribute.String("maildigest.thread_id", snap.ThreadID),
		attribute.String("maildigest.step", reg.Name),
		attribute.Bool("maildigest.resumed", resume != nil),
	))
	defer span.End()

	if err := reg.CheckRequires(&snap.State); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	if err := e.stepFSM.Transition(ctx, snap.ThreadID, reg.Name, entry, schema.StepStatusRunning, nil); err != nil {
		return Result{}, err
	}

	in, err := cloneState(&snap.State)
	if err != nil {
		return Result{}, err
	}
	started := e.now()
	res, err := invoke(ctx, reg.Step, Input{ThreadID: snap.ThreadID, State: in, Resume: resume})
	if err == nil && !res.Suspended() {
		err = reg.CheckOwns(res.Update())
	}
	elapsed := e.now().Sub(started)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ferr := e.stepFSM.Transition(ctx, snap.ThreadID, reg.Name, schema.StepStatusRunning, schema.StepStatusFailed,
			map[string]any{"error": asDigestError(err, reg.Name), "duration_ms": elapsed.Milliseconds()}); ferr != nil {
			e.logger.WarnContext(ctx, "record step failure", "error", ferr)
		}
		e.logger.ErrorContext(ctx, "step failed", "error", err, "duration_ms", elapsed.Milliseconds())
		return Result{}, err
	}

	span.SetAttributes(attribute.Bool("maildigest.suspended", res.Suspended()))
	e.logger.DebugContext(ctx, "step finished", "suspended", res.Suspended(), "duration_ms", elapsed.Milliseconds())
	return res, nil
}

// invoke calls the step, turning a panic into an EXECUTION error.
func invoke(ctx context.Context, s Step, in Input) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "step panicked: %v", r).
				WithDetails(map[string]any{"stack": string(debug.Stack())})
		}
	}()
	return s.Run(ctx, in)
}

// suspend persists the suspension marker and payload, then records one pending
// confirmation per event. The cursor stays on the suspending step.
func (e *Engine) suspend(ctx context.Context, snap *store.Snapshot, step string, payload schema.SuspendPayload) (*RunResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return e.fail(ctx, snap, step, schema.NewErrorf(schema.ErrCodeExecution, "marshal suspension: %s", err.Error()).WithCause(err))
	}

	if err := e.stepFSM.Transition(ctx, snap.ThreadID, step, schema.StepStatusRunning, schema.StepStatusSuspended, payload); err != nil {
		return e.fail(ctx, snap, step, err)
	}
	if err := e.runFSM.Transition(ctx, snap.ThreadID, schema.RunStatusRunning, schema.RunStatusSuspended,
		map[string]any{"step": step, "message_handle": payload.MessageHandle}); err != nil {
		return e.fail(ctx, snap, step, err)
	}

	snap.Status = schema.RunStatusSuspended
	snap.Cursor = step
	snap.SuspendedAt = step
	snap.Suspension = raw
	if err := e.save(ctx, snap); err != nil {
		return nil, err
	}

	now := e.now()
	for _, ev := range payload.Events {
		p := &store.PendingConfirmation{
			ThreadID:  snap.ThreadID,
			EventID:   ev.ID,
			Handle:    payload.MessageHandle,
			Status:    store.PendingOpen,
			CreatedAt: now,
		}
		if err := e.store.UpsertPending(ctx, p); err != nil {
			e.logger.WarnContext(ctx, "record pending confirmation", "event_id", ev.ID, "error", err)
		}
	}
	if _, err := e.events.Append(ctx, snap.ThreadID, step, schema.EventConfirmationRequested, payload); err != nil {
		e.logger.WarnContext(ctx, "append confirmation event", "error", err)
	}

	e.logger.InfoContext(ctx, "run suspended", "step", step, "events", len(payload.Events), "message_handle", payload.MessageHandle)
	e.publish(ctx, snap, step, schema.EventRunSuspended, nil, payload)
	return resultOf(snap), nil
}

// fail records the error on the state and persists the run as failed. The cursor
// stays on the failed step so Retry re-executes it.
func (e *Engine) fail(ctx context.Context, snap *store.Snapshot, step string, cause error) (*RunResult, error) {
	de := asDigestError(cause, step)

	snap.State.Error = de.Error()
	snap.State.RetryCount++
	snap.Cursor = step
	snap.SuspendedAt = ""
	snap.Suspension = nil

	if err := e.runFSM.Transition(ctx, snap.ThreadID, snap.Status, schema.RunStatusFailed, de); err != nil {
		e.logger.WarnContext(ctx, "record run failure", "error", err)
	}
	snap.Status = schema.RunStatusFailed
	if err := e.save(ctx, snap); err != nil {
		return nil, errors.Join(de, err)
	}
	e.logger.ErrorContext(ctx, "run failed", "step", step, "error", de, "retry_count", snap.State.RetryCount)
	e.publish(ctx, snap, step, schema.EventRunFailed, nil, de)

	res := resultOf(snap)
	res.Error = de
	return res, schema.NewErrorf(schema.ErrCodeStepFailed, "step %s failed: %s", step, de.Message).
		WithStep(step).
		WithCause(de)
}

func (e *Engine) save(ctx context.Context, snap *store.Snapshot) error {
	if err := e.store.Save(ctx, snap); err != nil {
		return storeErr("save snapshot", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, snap *store.Snapshot, step, eventType string, changed []string, payload any) {
	if e.hub == nil {
		return
	}
	ev := streaming.StreamEvent{
		ThreadID:  snap.ThreadID,
		Step:      step,
		EventType: eventType,
		Status:    string(snap.Status),
		Changed:   changed,
		Payload:   payload,
		Timestamp: e.now(),
	}
	if err := e.hub.Publish(ctx, ev); err != nil {
		e.logger.DebugContext(ctx, "publish stream event", "event_type", eventType, "error", err)
	}
}

func runData(snap *store.Snapshot) map[string]any {
	return map[string]any{
		"thread_id": snap.ThreadID,
		"status":    string(snap.Status),
	}
}

func resultOf(snap *store.Snapshot) *RunResult {
	res := &RunResult{
		ThreadID:    snap.ThreadID,
		Status:      snap.Status,
		Version:     snap.Version,
		Cursor:      snap.Cursor,
		SuspendedAt: snap.SuspendedAt,
		State:       snap.State,
	}
	if p, err := snap.SuspendPayload(); err == nil {
		res.Suspension = p
	}
	return res
}

// cloneState deep-copies st so a step cannot alias the engine's copy.
func cloneState(st *schema.WorkflowState) (*schema.WorkflowState, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "copy state: %s", err.Error()).WithCause(err)
	}
	var out schema.WorkflowState
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "copy state: %s", err.Error()).WithCause(err)
	}
	return &out, nil
}

func asDigestError(err error, step string) *schema.DigestError {
	var de *schema.DigestError
	if errors.As(err, &de) {
		if de.Step == "" {
			de.Step = step
		}
		return de
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(step).WithCause(err)
}

func storeErr(op string, err error) error {
	var de *schema.DigestError
	if errors.As(err, &de) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

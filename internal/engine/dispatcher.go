package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/maildigest/internal/lock"
	"github.com/rendis/maildigest/internal/logging"
	"github.com/rendis/maildigest/internal/retry"
	"github.com/rendis/maildigest/pkg/schema"
)

// Dispatcher hands runs and resumes to the worker pool so inbound callers get an
// immediate acknowledgment. Outcomes are observable only through persisted state,
// the event log and the stream hub.
type Dispatcher struct {
	engine *Engine
	pool   *WorkerPool
	logger *slog.Logger
	// busy paces retries while another process holds the thread lock. busyWait
	// bounds the total; it matches the lock TTL, after which a stale holder is gone.
	busy     retry.Policy
	busyWait time.Duration
}

// NewDispatcher creates a Dispatcher over engine and pool.
func NewDispatcher(engine *Engine, pool *WorkerPool, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		engine: engine,
		pool:   pool,
		logger: logger,
		busy: retry.Policy{
			Backoff:  retry.BackoffExponential,
			Delay:    250 * time.Millisecond,
			MaxDelay: 5 * time.Second,
		},
		busyWait: lock.DefaultTTL,
	}
}

// Trigger schedules a new run and returns its thread id. A thread that already
// has an active run is refused synchronously with CONFLICT.
func (d *Dispatcher) Trigger(ctx context.Context, p StartParams) (string, error) {
	if p.ThreadID == "" {
		p.ThreadID = NewThreadID()
	} else {
		snap, err := d.engine.store.Load(ctx, p.ThreadID)
		switch {
		case err == nil && !snap.Status.Terminal():
			return "", schema.NewErrorf(schema.ErrCodeConflict,
				"thread %q already has a %s run", p.ThreadID, snap.Status).
				WithDetails(map[string]any{"thread_id": p.ThreadID, "status": string(snap.Status)})
		case err != nil && !schema.IsNotFound(err):
			return "", storeErr("load snapshot", err)
		}
	}

	err := d.pool.Submit(ctx, p.ThreadID, "start", func(ctx context.Context) error {
		runCtx := logging.WithThreadID(ctx, p.ThreadID)
		res, err := d.engine.Start(runCtx, p)
		if err != nil {
			return err
		}
		d.logger.InfoContext(runCtx, "background run stopped", "status", string(res.Status))
		return nil
	})
	if err != nil {
		return "", err
	}
	return p.ThreadID, nil
}

// Resume schedules delivery of one decision. Decisions for a thread are applied
// in arrival order. One that finds the thread locked by another process is
// retried with backoff until busyWait runs out.
func (d *Dispatcher) Resume(ctx context.Context, threadID string, dec *schema.Decision) error {
	if err := dec.Validate(); err != nil {
		return err
	}

	return d.pool.Submit(ctx, threadID, "resume "+dec.EventID, func(ctx context.Context) error {
		runCtx := logging.WithEventID(logging.WithThreadID(ctx, threadID), dec.EventID)
		deadline := time.Now().Add(d.busyWait)
		for attempt := 0; ; attempt++ {
			res, err := d.engine.Resume(runCtx, threadID, dec)
			if err == nil {
				d.logger.InfoContext(runCtx, "background resume stopped", "status", string(res.Status))
				return nil
			}
			if schema.CodeOf(err) != schema.ErrCodeConflict {
				return err
			}
			delay := retry.ComputeBackoff(d.busy, min(attempt, 16))
			if time.Now().Add(delay).After(deadline) {
				d.logger.ErrorContext(runCtx, "decision dropped, thread stayed locked", "waited", d.busyWait, "action", string(dec.Action))
				return err
			}
			d.logger.DebugContext(runCtx, "thread busy, retrying resume", "attempt", attempt+1, "delay", delay)
			if err := retry.WaitForBackoff(runCtx, delay); err != nil {
				return err
			}
		}
	})
}

// Wait blocks until every dispatched task has finished.
func (d *Dispatcher) Wait() { d.pool.Wait() }

package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/logging"
	"github.com/rendis/maildigest/internal/store"
	"github.com/rendis/maildigest/pkg/schema"
)

// confirmStep is the human-in-the-loop checkpoint. One decision is applied per
// resume; the run re-suspends here until every detected event is decided.
type confirmStep struct {
	notifier Notifier
	pending  ConfirmationLookup
	logger   *slog.Logger
}

var _ engine.ResumeValidator = (*confirmStep)(nil)

func (s *confirmStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	if in.Resume != nil {
		return s.apply(ctx, in)
	}

	undecided := in.State.Undecided()
	if len(undecided) == 0 {
		confirmed := in.State.ConfirmedEvents
		if confirmed == nil {
			confirmed = []string{}
		}
		return engine.Continue(&schema.WorkflowState{ConfirmedEvents: confirmed}), nil
	}

	handle, err := s.openHandle(ctx, in.ThreadID, undecided)
	if err != nil {
		return engine.Result{}, err
	}
	if handle == "" {
		handle, err = s.notifier.RequestConfirmation(ctx, in.ThreadID, undecided)
		if err != nil {
			return engine.Result{}, err
		}
	}
	return engine.Suspend(schema.SuspendPayload{Events: undecided, MessageHandle: handle}), nil
}

// ValidateResume rejects decisions for events this run never detected or has
// already decided.
func (s *confirmStep) ValidateResume(st *schema.WorkflowState, d *schema.Decision) error {
	if _, ok := st.Event(d.EventID); !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "event %q is not awaiting confirmation", d.EventID).
			WithDetails(map[string]any{"event_id": d.EventID})
	}
	if st.Decided(d.EventID) {
		return schema.NewErrorf(schema.ErrCodeValidation, "event %q has already been decided", d.EventID).
			WithDetails(map[string]any{"event_id": d.EventID})
	}
	return nil
}

func (s *confirmStep) apply(ctx context.Context, in engine.Input) (engine.Result, error) {
	d := in.Resume
	if err := s.ValidateResume(in.State, d); err != nil {
		return engine.Result{}, err
	}
	ctx = logging.WithEventID(ctx, d.EventID)

	update := &schema.WorkflowState{LastDecision: d}
	switch d.Action {
	case schema.ActionConfirm:
		update.ConfirmedEvents = append(append([]string{}, in.State.ConfirmedEvents...), d.EventID)
	case schema.ActionSkip:
		update.SkippedEvents = append(append([]string{}, in.State.SkippedEvents...), d.EventID)
	}

	ev, _ := in.State.Event(d.EventID)
	if handle, err := s.openHandle(ctx, in.ThreadID, []schema.DetectedEvent{ev}); err == nil && handle != "" {
		if err := s.notifier.MarkDecided(ctx, handle, ev, d.Action); err != nil {
			s.logger.WarnContext(ctx, "could not update confirmation message", "error", err)
		}
	}
	s.logger.InfoContext(ctx, "decision applied", "action", string(d.Action))
	return engine.Continue(update), nil
}

// openHandle returns the message handle of an open confirmation for one of
// events. Rows left open for other events, such as those of an earlier run on
// the same thread, are ignored.
func (s *confirmStep) openHandle(ctx context.Context, threadID string, events []schema.DetectedEvent) (string, error) {
	if s.pending == nil {
		return "", nil
	}
	rows, err := s.pending.ListPending(ctx, store.PendingFilter{ThreadID: threadID, Status: store.PendingOpen})
	if err != nil {
		return "", err
	}
	for _, r := range rows {
		if r.Handle == "" {
			continue
		}
		for _, ev := range events {
			if ev.ID == r.EventID {
				return r.Handle, nil
			}
		}
	}
	return "", nil
}

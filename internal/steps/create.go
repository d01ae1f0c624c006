package steps

import (
	"context"
	"log/slog"
	"maps"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

type createStep struct {
	calendar CalendarSink
	logger   *slog.Logger
}

// Run acts on the latest decision only. A skip or an event that already has a
// calendar entry leaves the sink untouched.
func (s *createStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	d := in.State.LastDecision
	created := make(map[string]string, len(in.State.CreatedEvents)+1)
	maps.Copy(created, in.State.CreatedEvents)

	if d.Action != schema.ActionConfirm {
		return engine.Continue(&schema.WorkflowState{CreatedEvents: created}), nil
	}
	if _, done := created[d.EventID]; done {
		s.logger.DebugContext(ctx, "calendar entry already exists", "event_id", d.EventID)
		return engine.Continue(&schema.WorkflowState{CreatedEvents: created}), nil
	}

	ev, ok := in.State.Event(d.EventID)
	if !ok {
		return engine.Result{}, schema.NewErrorf(schema.ErrCodeInvalidState, "confirmed event %q is not in detected_events", d.EventID)
	}
	id, err := s.calendar.CreateEvent(ctx, ev)
	if err != nil {
		return engine.Result{}, err
	}
	created[ev.ID] = id
	s.logger.InfoContext(ctx, "calendar entry created", "event_id", ev.ID, "calendar_id", id)
	return engine.Continue(&schema.WorkflowState{CreatedEvents: created}), nil
}

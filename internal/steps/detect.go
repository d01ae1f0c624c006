package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

type detectStep struct {
	detector EventDetector
}

// Run keeps only candidates at or above the confidence threshold, so weaker
// candidates never reach state or the confirmation channel.
func (s *detectStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	events := []schema.DetectedEvent{}
	if len(in.State.RawItems) == 0 {
		return engine.Continue(&schema.WorkflowState{DetectedEvents: events}), nil
	}

	found, err := s.detector.Detect(ctx, in.State.RawItems)
	if err != nil {
		return engine.Result{}, err
	}
	seen := make(map[string]bool, len(found))
	perEmail := make(map[string]int)
	for _, ev := range found {
		if ev.Confidence < schema.ConfidenceThreshold || ev.Confidence > 1 {
			continue
		}
		ev = normalizeEvent(ev, perEmail)
		if seen[ev.ID] {
			continue
		}
		seen[ev.ID] = true
		events = append(events, ev)
	}
	return engine.Continue(&schema.WorkflowState{DetectedEvents: events}), nil
}

// normalizeEvent assigns <email_id>_event_<n> ids when missing and defaults the
// end to one hour after the start.
func normalizeEvent(ev schema.DetectedEvent, perEmail map[string]int) schema.DetectedEvent {
	perEmail[ev.EmailID]++
	if ev.ID == "" {
		ev.ID = fmt.Sprintf("%s_event_%d", ev.EmailID, perEmail[ev.EmailID])
	}
	if ev.EndTime.IsZero() || !ev.EndTime.After(ev.StartTime) {
		ev.EndTime = ev.StartTime.Add(time.Hour)
	}
	return ev
}

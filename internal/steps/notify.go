package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

type notifyStep struct {
	notifier Notifier
	logger   *slog.Logger
}

// Run fails the step on transport errors. A refused delivery is recorded as
// notified=false and the run carries on.
func (s *notifyStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	delivered, err := s.notifier.SendReport(ctx, *in.State.ReportText)
	if err != nil {
		return engine.Result{}, err
	}
	if !delivered {
		s.logger.WarnContext(ctx, "report was not accepted by the chat channel")
	}
	return engine.Continue(&schema.WorkflowState{Notified: &delivered}), nil
}

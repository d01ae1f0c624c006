package steps

import (
	"context"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

type fetchStep struct {
	mail MailSource
}

func (s *fetchStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	msgs, err := s.mail.Fetch(ctx, in.State.TimeRange, in.State.MaxItems)
	if err != nil {
		return engine.Result{}, err
	}
	if len(msgs) > in.State.MaxItems {
		msgs = msgs[:in.State.MaxItems]
	}
	if msgs == nil {
		msgs = []schema.Message{}
	}
	return engine.Continue(&schema.WorkflowState{RawItems: msgs}), nil
}

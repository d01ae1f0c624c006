package steps

import (
	"context"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

const emptySummary = "No new mail in this period."

type summarizeStep struct {
	summarizer Summarizer
}

// Run asks the summarizer for prose only; the counts and the list of important
// ids always come from the classification itself.
func (s *summarizeStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	c := in.State.Classified
	digest := &schema.Digest{
		Summary:         emptySummary,
		ImportanceCount: c.Counts(),
		ImportantEmails: make([]string, 0, len(c.High)),
	}
	for _, m := range c.High {
		digest.ImportantEmails = append(digest.ImportantEmails, m.ID)
	}

	if c.Total() > 0 {
		got, err := s.summarizer.Summarize(ctx, in.State.RawItems, c)
		if err != nil {
			return engine.Result{}, err
		}
		if got != nil && got.Summary != "" {
			digest.Summary = got.Summary
		}
	}
	return engine.Continue(&schema.WorkflowState{Digest: digest}), nil
}

package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/maildigest/pkg/schema"
)

type SummaryResponse struct {
	Summary string `json:"summary"`
}

var summarySchema = GenerateSchema[SummaryResponse]()

// Summarizer writes the digest prose. Counts are left to the caller.
type Summarizer struct {
	client Client
}

func NewSummarizer(c Client) *Summarizer { return &Summarizer{client: c} }

func (s *Summarizer) Summarize(ctx context.Context, msgs []schema.Message, classified *schema.Classified) (*schema.Digest, error) {
	var b strings.Builder
	for _, bucket := range []struct {
		name string
		msgs []schema.Message
	}{
		{"High importance", classified.High},
		{"Medium importance", classified.Medium},
		{"Low importance", classified.Low},
	} {
		if len(bucket.msgs) == 0 {
			continue
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", bucket.name, emailBlock(bucket.msgs, false))
	}

	var resp SummaryResponse
	_, err := s.client.Chat(ctx, Request{
		SystemPrompt: assistantPrompt,
		UserPrompt:   summarizeInstructions + "\n\n" + b.String(),
		SchemaName:   "email_digest",
		Schema:       summarySchema,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &schema.Digest{Summary: strings.TrimSpace(resp.Summary)}, nil
}

package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/rendis/maildigest/internal/validation"
	"github.com/rendis/maildigest/pkg/schema"
)

type CandidateEvent struct {
	EmailID     string  `json:"email_id"`
	Title       string  `json:"title"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	Location    string  `json:"location"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

type DetectionResponse struct {
	Events []CandidateEvent `json:"events"`
}

var detectionSchema = GenerateSchema[DetectionResponse]()

// Detector extracts calendar candidates. Times without a zone are read in Loc.
type Detector struct {
	client    Client
	validator validation.Validator
	loc       *time.Location
	logger    *slog.Logger
}

func NewDetector(c Client, v validation.Validator, loc *time.Location, logger *slog.Logger) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{client: c, validator: v, loc: loc, logger: logger}
}

// Detect returns every parseable candidate. Threshold filtering and id
// assignment happen in the detect step.
func (d *Detector) Detect(ctx context.Context, msgs []schema.Message) ([]schema.DetectedEvent, error) {
	var raw json.RawMessage
	_, err := d.client.Chat(ctx, Request{
		SystemPrompt: assistantPrompt,
		UserPrompt:   detectInstructions + "\n\nEmails:\n\n" + emailBlock(msgs, true),
		SchemaName:   "events_detection",
		Schema:       detectionSchema,
		Temperature:  Temp(0),
	}, &raw)
	if err != nil {
		return nil, err
	}
	if d.validator != nil {
		if err := d.validator.ValidateJSON(validation.SchemaDetection, raw); err != nil {
			return nil, err
		}
	}
	var resp DetectionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode detection: %s", err.Error()).WithCause(err)
	}

	known := make(map[string]bool, len(msgs))
	for _, m := range msgs {
		known[m.ID] = true
	}

	out := make([]schema.DetectedEvent, 0, len(resp.Events))
	for _, c := range resp.Events {
		if !known[c.EmailID] {
			d.logger.DebugContext(ctx, "dropping event for unknown email", "email_id", c.EmailID)
			continue
		}
		start, ok := parseTime(c.StartTime, d.loc)
		if !ok {
			d.logger.WarnContext(ctx, "dropping event with unreadable start", "email_id", c.EmailID, "start_time", c.StartTime)
			continue
		}
		end, _ := parseTime(c.EndTime, d.loc)
		out = append(out, schema.DetectedEvent{
			EmailID:     c.EmailID,
			Title:       strings.TrimSpace(c.Title),
			StartTime:   start,
			EndTime:     end,
			Location:    c.Location,
			Description: c.Description,
			Confidence:  c.Confidence,
		})
	}
	return out, nil
}

var zonedLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04Z07:00"}

var localLayouts = []string{"2006-01-02T15:04:05", "2006-01-02T15:04", "2006-01-02 15:04:05", "2006-01-02 15:04"}

func parseTime(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, l := range zonedLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, true
		}
	}
	for _, l := range localLayouts {
		if t, err := time.ParseInLocation(l, s, loc); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

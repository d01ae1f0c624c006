package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/expressions"
	"github.com/rendis/maildigest/pkg/schema"
)

// Step names.
const (
	StepFetch     = "fetch"
	StepClassify  = "classify"
	StepSummarize = "summarize"
	StepDetect    = "detect"
	StepReport    = "report"
	StepNotify    = "notify"
	StepConfirm   = "confirm"
	StepCreate    = "create_calendar_entries"
)

// Edge conditions, evaluated as CEL over the run state.
const (
	HasDetectedEvents = `has(state.detected_events) && size(state.detected_events) > 0`
	HasUndecided      = `size(state.detected_events) > ` +
		`(has(state.confirmed_events) ? size(state.confirmed_events) : 0) + ` +
		`(has(state.skipped_events) ? size(state.skipped_events) : 0)`
)

// Deps are the collaborators and policy the digest steps run with.
type Deps struct {
	Mail       MailSource
	Classifier Classifier
	Summarizer Summarizer
	Detector   EventDetector
	Notifier   Notifier
	Calendar   CalendarSink
	// Pending lets the confirm step reuse an open confirmation message. Optional.
	Pending ConfirmationLookup

	Rules []ImportanceRule
	Exprs *expressions.ExprEngine

	Now    func() time.Time
	Logger *slog.Logger
}

func (d *Deps) defaults() {
	if d.Exprs == nil {
		d.Exprs = expressions.NewExprEngine()
	}
	if d.Now == nil {
		d.Now = func() time.Time { return time.Now().UTC() }
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

func (d *Deps) validate() error {
	missing := map[string]bool{
		"mail":       d.Mail == nil,
		"classifier": d.Classifier == nil,
		"summarizer": d.Summarizer == nil,
		"detector":   d.Detector == nil,
		"notifier":   d.Notifier == nil,
		"calendar":   d.Calendar == nil,
	}
	for _, name := range []string{"mail", "classifier", "summarizer", "detector", "notifier", "calendar"} {
		if missing[name] {
			return schema.NewErrorf(schema.ErrCodeValidation, "digest workflow needs a %s", name)
		}
	}
	return ValidateRules(context.Background(), d.Exprs, d.Rules)
}

// Build registers the digest steps and wires the default graph:
//
//	fetch -> classify -> summarize -> detect -> report -> notify
//	notify  -[events]->    confirm, else end
//	confirm -> create_calendar_entries
//	create_calendar_entries -[undecided]-> confirm, else end
func Build(deps Deps, cel *expressions.CELEngine) (*engine.Registry, *engine.Graph, error) {
	deps.defaults()
	if err := deps.validate(); err != nil {
		return nil, nil, err
	}
	logger := deps.Logger.With("component", "steps")

	regs := []engine.Registration{
		{
			Name:     StepFetch,
			Step:     &fetchStep{mail: deps.Mail},
			Requires: []string{schema.FieldTimeRange, schema.FieldMaxItems},
			Owns:     []string{schema.FieldRawItems},
		},
		{
			Name:     StepClassify,
			Step:     &classifyStep{classifier: deps.Classifier, rules: deps.Rules, exprs: deps.Exprs, logger: logger},
			Requires: []string{schema.FieldRawItems},
			Owns:     []string{schema.FieldClassified},
		},
		{
			Name:     StepSummarize,
			Step:     &summarizeStep{summarizer: deps.Summarizer},
			Requires: []string{schema.FieldRawItems, schema.FieldClassified},
			Owns:     []string{schema.FieldDigest},
		},
		{
			Name:     StepDetect,
			Step:     &detectStep{detector: deps.Detector},
			Requires: []string{schema.FieldRawItems},
			Owns:     []string{schema.FieldDetectedEvents},
		},
		{
			Name:     StepReport,
			Step:     &reportStep{now: deps.Now},
			Requires: []string{schema.FieldRawItems, schema.FieldClassified, schema.FieldDigest},
			Owns:     []string{schema.FieldReportText},
		},
		{
			Name:     StepNotify,
			Step:     &notifyStep{notifier: deps.Notifier, logger: logger},
			Requires: []string{schema.FieldReportText},
			Owns:     []string{schema.FieldNotified},
		},
		{
			Name:     StepConfirm,
			Step:     &confirmStep{notifier: deps.Notifier, pending: deps.Pending, logger: logger},
			Requires: []string{schema.FieldDetectedEvents},
			Owns:     []string{schema.FieldConfirmedEvents, schema.FieldSkippedEvents, schema.FieldLastDecision},
		},
		{
			Name:     StepCreate,
			Step:     &createStep{calendar: deps.Calendar, logger: logger},
			Requires: []string{schema.FieldDetectedEvents, schema.FieldLastDecision},
			Owns:     []string{schema.FieldCreatedEvents},
		},
	}

	reg := engine.NewRegistry()
	for _, r := range regs {
		if err := reg.Register(r); err != nil {
			return nil, nil, err
		}
	}

	g := engine.NewGraph(cel, StepFetch)
	chain := []string{StepFetch, StepClassify, StepSummarize, StepDetect, StepReport, StepNotify}
	for i := 0; i+1 < len(chain); i++ {
		if err := g.AddEdge(chain[i], chain[i+1]); err != nil {
			return nil, nil, err
		}
	}
	if err := g.AddConditional(StepNotify, HasDetectedEvents, StepConfirm, engine.End); err != nil {
		return nil, nil, err
	}
	if err := g.AddEdge(StepConfirm, StepCreate); err != nil {
		return nil, nil, err
	}
	if err := g.AddConditional(StepCreate, HasUndecided, StepConfirm, engine.End); err != nil {
		return nil, nil, err
	}
	if err := g.Validate(reg); err != nil {
		return nil, nil, err
	}
	return reg, g, nil
}

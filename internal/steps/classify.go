package steps

import (
	"context"
	"log/slog"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/expressions"
	"github.com/rendis/maildigest/pkg/schema"
)

// ImportanceRule short-circuits the classifier: messages matching When get
// Importance without a model call. When is an expr-lang expression over
// id, account, from, to, subject, snippet, body and labels.
type ImportanceRule struct {
	Name       string            `json:"name" yaml:"name"`
	When       string            `json:"when" yaml:"when"`
	Importance schema.Importance `json:"importance" yaml:"importance"`
}

type classifyStep struct {
	classifier Classifier
	rules      []ImportanceRule
	exprs      *expressions.ExprEngine
	logger     *slog.Logger
}

func (s *classifyStep) Run(ctx context.Context, in engine.Input) (engine.Result, error) {
	msgs := in.State.RawItems
	out := &schema.Classified{High: []schema.Message{}, Medium: []schema.Message{}, Low: []schema.Message{}}
	if len(msgs) == 0 {
		return engine.Continue(&schema.WorkflowState{Classified: out}), nil
	}

	levels := make(map[string]schema.Importance, len(msgs))
	var rest []schema.Message
	for _, m := range msgs {
		lvl, ok, err := s.matchRule(ctx, m)
		if err != nil {
			return engine.Result{}, err
		}
		if ok {
			levels[m.ID] = lvl
			continue
		}
		rest = append(rest, m)
	}

	if len(rest) > 0 {
		got, err := s.classifier.Classify(ctx, rest)
		if err != nil {
			return engine.Result{}, err
		}
		known := make(map[string]bool, len(rest))
		for _, m := range rest {
			known[m.ID] = true
		}
		for id, lvl := range got {
			if !known[id] {
				s.logger.DebugContext(ctx, "classifier returned unknown message id", "id", id)
				continue
			}
			levels[id] = lvl
		}
	}

	for _, m := range msgs {
		lvl, ok := levels[m.ID]
		if !ok {
			lvl = schema.ImportanceLow
		}
		out.Add(lvl, m)
	}
	return engine.Continue(&schema.WorkflowState{Classified: out}), nil
}

func (s *classifyStep) matchRule(ctx context.Context, m schema.Message) (schema.Importance, bool, error) {
	if len(s.rules) == 0 {
		return "", false, nil
	}
	data := ruleData(m)
	for _, r := range s.rules {
		ok, err := expressions.EvaluateBool(ctx, s.exprs, r.When, data)
		if err != nil {
			return "", false, schema.NewErrorf(schema.ErrCodeValidation, "importance rule %q: %s", r.Name, err.Error()).WithCause(err)
		}
		if ok {
			return r.Importance, true, nil
		}
	}
	return "", false, nil
}

func ruleData(m schema.Message) map[string]any {
	labels := m.Labels
	if labels == nil {
		labels = []string{}
	}
	return map[string]any{
		"id":      m.ID,
		"account": m.Account,
		"from":    m.From,
		"to":      m.To,
		"subject": m.Subject,
		"snippet": m.Snippet,
		"body":    m.Body,
		"labels":  labels,
	}
}

// ValidateRules compiles every rule once and checks its importance label.
func ValidateRules(ctx context.Context, exprs *expressions.ExprEngine, rules []ImportanceRule) error {
	sample := ruleData(schema.Message{})
	for _, r := range rules {
		if _, ok := schema.ParseImportance(string(r.Importance)); !ok {
			return schema.NewErrorf(schema.ErrCodeValidation, "importance rule %q: unknown importance %q", r.Name, r.Importance)
		}
		if _, err := expressions.EvaluateBool(ctx, exprs, r.When, sample); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "importance rule %q: %s", r.Name, err.Error()).WithCause(err)
		}
	}
	return nil
}

package expressions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/maildigest/pkg/schema"
)

// Engine evaluates expressions over workflow data.
// Three implementations: CEL (edge conditions), Expr (importance rules), GoJQ (inspection).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// StateData converts a workflow state into a plain map holding only the present fields,
// so `has(state.x)` in CEL and `x != nil` in expr follow field presence.
func StateData(st *schema.WorkflowState) (map[string]any, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	var all map[string]any
	if err := json.Unmarshal(raw, &all); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	out := make(map[string]any, len(all))
	for _, f := range st.Fields() {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// EvaluateBool evaluates expression and requires a boolean result.
func EvaluateBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeValidation,
			"%s expression %q returned %T, want bool", e.Name(), expression, out)
	}
	return b, nil
}

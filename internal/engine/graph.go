package engine

import (
	"context"
	"sort"

	"github.com/rendis/maildigest/internal/expressions"
	"github.com/rendis/maildigest/pkg/schema"
)

// End is the terminal pseudo-node. Reaching it completes the run.
const End = "__end__"

// Edge is the outgoing transition of one step. A static edge has only To; a
// conditional edge routes to To when Condition holds and to Else otherwise.
type Edge struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"`
	Else      string `json:"else,omitempty"`
}

// Conditional reports whether the edge carries a CEL condition.
func (e Edge) Conditional() bool { return e.Condition != "" }

// Graph is the transition table over step names. Cycles are allowed; every step
// has exactly one outgoing edge.
type Graph struct {
	entry string
	edges map[string]Edge
	order []string
	cel   *expressions.CELEngine
}

// NewGraph creates a graph starting at entry whose conditions are evaluated by cel.
func NewGraph(cel *expressions.CELEngine, entry string) *Graph {
	return &Graph{entry: entry, edges: make(map[string]Edge), cel: cel}
}

// Entry returns the first step of a run.
func (g *Graph) Entry() string { return g.entry }

// AddEdge adds a static edge from -> to.
func (g *Graph) AddEdge(from, to string) error {
	return g.add(Edge{From: from, To: to})
}

// AddConditional adds an edge that goes to then when expr is true and to els otherwise.
func (g *Graph) AddConditional(from, expr, then, els string) error {
	if err := g.cel.Compile(expr); err != nil {
		return err
	}
	return g.add(Edge{From: from, To: then, Condition: expr, Else: els})
}

func (g *Graph) add(e Edge) error {
	if e.From == "" || e.From == End {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid edge source %q", e.From)
	}
	if _, exists := g.edges[e.From]; exists {
		return schema.NewErrorf(schema.ErrCodeValidation, "step %q already has an outgoing edge", e.From)
	}
	g.edges[e.From] = e
	g.order = append(g.order, e.From)
	return nil
}

// Edge returns the outgoing edge of from.
func (g *Graph) Edge(from string) (Edge, bool) {
	e, ok := g.edges[from]
	return e, ok
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.order))
	for _, from := range g.order {
		out = append(out, g.edges[from])
	}
	return out
}

// Validate checks the graph against the registry: every node is a registered
// step or End, every step has an outgoing edge and is reachable from the entry,
// and End is reachable.
func (g *Graph) Validate(reg *Registry) error {
	if _, ok := reg.Get(g.entry); !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "entry step %q is not registered", g.entry)
	}

	known := func(name string) bool {
		if name == End {
			return true
		}
		_, ok := reg.Get(name)
		return ok
	}
	for _, e := range g.Edges() {
		for _, n := range []string{e.From, e.To} {
			if !known(n) {
				return schema.NewErrorf(schema.ErrCodeValidation, "edge %s -> %s references unknown step %q", e.From, e.To, n)
			}
		}
		if e.Conditional() && !known(e.Else) {
			return schema.NewErrorf(schema.ErrCodeValidation, "edge %s references unknown step %q", e.From, e.Else)
		}
	}

	var missing []string
	for _, name := range reg.Names() {
		if _, ok := g.edges[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return schema.NewError(schema.ErrCodeValidation, "steps without outgoing edge").
			WithDetails(map[string]any{"steps": missing})
	}

	seen := map[string]bool{g.entry: true}
	queue := []string{g.entry}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		e, ok := g.edges[n]
		if !ok {
			continue
		}
		for _, next := range []string{e.To, e.Else} {
			if next != "" && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	var unreachable []string
	for _, name := range reg.Names() {
		if !seen[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		sort.Strings(unreachable)
		return schema.NewError(schema.ErrCodeValidation, "steps unreachable from entry").
			WithDetails(map[string]any{"steps": unreachable})
	}
	if !seen[End] {
		return schema.NewError(schema.ErrCodeValidation, "graph never reaches the end")
	}
	return nil
}

// Next evaluates the outgoing edge of from against the state and run metadata.
func (g *Graph) Next(ctx context.Context, from string, st *schema.WorkflowState, run map[string]any) (string, error) {
	e, ok := g.edges[from]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "step %q has no outgoing edge", from).WithStep(from)
	}
	if !e.Conditional() {
		return e.To, nil
	}

	data, err := expressions.StateData(st)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "build edge data: %s", err.Error()).WithCause(err).WithStep(from)
	}
	ok, err = expressions.EvaluateBool(ctx, g.cel, e.Condition, map[string]any{"state": data, "run": run})
	if err != nil {
		return "", err
	}
	if ok {
		return e.To, nil
	}
	return e.Else, nil
}

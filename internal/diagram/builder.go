package diagram

import (
	"slices"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/internal/store"
)

// Options tune how a graph is drawn.
type Options struct {
	Title string
	// Waits names the steps that may suspend the run.
	Waits []string
	// Records overlay runtime status. The last record per step wins.
	Records []*store.StepRecord
}

// Build lays out the transition graph breadth-first from its entry step.
// Conditional edges become a "yes" branch and a "no" branch.
func Build(g *engine.Graph, opts Options) *Model {
	overlay := make(map[string]*StatusOverlay, len(opts.Records))
	for _, r := range opts.Records {
		overlay[r.Step] = &StatusOverlay{Status: string(r.Status), DurationMs: r.DurationMs, Attempts: r.Attempts}
	}

	m := &Model{Title: opts.Title}
	m.Nodes = append(m.Nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	m.Edges = append(m.Edges, Edge{From: StartID, To: g.Entry()})
	m.Levels = append(m.Levels, []string{StartID})

	seen := map[string]bool{StartID: true, engine.End: true}
	frontier := []string{g.Entry()}
	seen[g.Entry()] = true
	for len(frontier) > 0 {
		m.Levels = append(m.Levels, frontier)
		var next []string
		for _, name := range frontier {
			kind := NodeKindStep
			if slices.Contains(opts.Waits, name) {
				kind = NodeKindWait
			}
			m.Nodes = append(m.Nodes, &Node{ID: name, Label: name, Kind: kind, Status: overlay[name]})

			e, ok := g.Edge(name)
			if !ok {
				continue
			}
			targets := []string{e.To}
			if e.Conditional() {
				targets = append(targets, e.Else)
				m.Edges = append(m.Edges,
					Edge{From: name, To: nodeID(e.To), Label: "yes"},
					Edge{From: name, To: nodeID(e.Else), Label: "no"})
			} else {
				m.Edges = append(m.Edges, Edge{From: name, To: nodeID(e.To)})
			}
			for _, t := range targets {
				if !seen[t] {
					seen[t] = true
					next = append(next, t)
				}
			}
		}
		frontier = next
	}

	m.Nodes = append(m.Nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})
	m.Levels = append(m.Levels, []string{EndID})
	return m
}

func nodeID(step string) string {
	if step == engine.End {
		return EndID
	}
	return step
}

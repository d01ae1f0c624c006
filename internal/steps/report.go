package steps

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/maildigest/internal/engine"
	"github.com/rendis/maildigest/pkg/schema"
)

type reportStep struct {
	now func() time.Time
}

func (s *reportStep) Run(_ context.Context, in engine.Input) (engine.Result, error) {
	text := RenderReport(in.State, s.now())
	return engine.Continue(&schema.WorkflowState{ReportText: &text}), nil
}

// RenderReport formats the digest as Markdown. The output depends only on st and at.
func RenderReport(st *schema.WorkflowState, at time.Time) string {
	var b strings.Builder
	c := st.Classified
	counts := c.Counts()

	b.WriteString("# Email Digest\n\n")
	fmt.Fprintf(&b, "**Time range:** last %s\n", describeRange(st.TimeRange))
	fmt.Fprintf(&b, "**Generated:** %s\n", at.Format("2006-01-02 15:04"))
	fmt.Fprintf(&b, "**Total emails:** %d\n\n", len(st.RawItems))

	b.WriteString("## By importance\n\n")
	fmt.Fprintf(&b, "- High: %d\n", counts[string(schema.ImportanceHigh)])
	fmt.Fprintf(&b, "- Medium: %d\n", counts[string(schema.ImportanceMedium)])
	fmt.Fprintf(&b, "- Low: %d\n\n", counts[string(schema.ImportanceLow)])

	b.WriteString("## Summary\n\n")
	b.WriteString(strings.TrimSpace(st.Digest.Summary))
	b.WriteString("\n")

	if len(c.High) > 0 {
		b.WriteString("\n## Important emails\n\n")
		for i, m := range c.High {
			fmt.Fprintf(&b, "%d. **%s**\n", i+1, orNone(m.Subject, "(no subject)"))
			fmt.Fprintf(&b, "   - From: %s\n", orNone(m.From, "unknown"))
			if m.Date != "" {
				fmt.Fprintf(&b, "   - Date: %s\n", m.Date)
			}
		}
	}

	if n := len(st.DetectedEvents); n > 0 {
		fmt.Fprintf(&b, "\n## Possible calendar events: %d\n", n)
	}
	return b.String()
}

func describeRange(r string) string {
	if len(r) < 2 {
		return r
	}
	n, unit := r[:len(r)-1], r[len(r)-1]
	name := map[byte]string{'h': "hour", 'd': "day", 'w': "week"}[unit]
	if name == "" {
		return r
	}
	if n != "1" {
		name += "s"
	}
	return n + " " + name
}

func orNone(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	return s
}

package notify

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/rendis/maildigest/pkg/schema"
)

type eventLayout struct {
	loc *time.Location
}

func newEventLayout(tz string) (eventLayout, error) {
	if tz == "" {
		return eventLayout{loc: time.UTC}, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return eventLayout{}, schema.NewErrorf(schema.ErrCodeValidation, "slack timezone %q: %s", tz, err.Error()).WithCause(err)
	}
	return eventLayout{loc: loc}, nil
}

func (l eventLayout) describe(ev schema.DetectedEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", ev.Title)
	start := ev.StartTime.In(l.loc)
	end := ev.EndTime.In(l.loc)
	if start.Format("2006-01-02") == end.Format("2006-01-02") {
		fmt.Fprintf(&b, ":calendar: %s - %s\n", start.Format("Mon Jan 2 15:04"), end.Format("15:04"))
	} else {
		fmt.Fprintf(&b, ":calendar: %s - %s\n", start.Format("Mon Jan 2 15:04"), end.Format("Mon Jan 2 15:04"))
	}
	if ev.Location != "" {
		fmt.Fprintf(&b, ":round_pushpin: %s\n", ev.Location)
	}
	if ev.Description != "" {
		fmt.Fprintf(&b, "%s\n", ev.Description)
	}
	fmt.Fprintf(&b, "_confidence %.0f%%_", ev.Confidence*100)
	return b.String()
}

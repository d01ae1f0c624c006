package mail

import (
	"regexp"
	"strconv"
	"time"

	"github.com/rendis/maildigest/pkg/schema"
)

// DefaultTimeRange is used when a trigger omits time_range.
const DefaultTimeRange = "24h"

var timeRangeRe = regexp.MustCompile(`^([1-9][0-9]{0,4})([hdw])$`)

// ParseTimeRange parses "<n>h", "<n>d" or "<n>w". An empty string is the default
// window; anything else is a VALIDATION error.
func ParseTimeRange(s string) (time.Duration, error) {
	if s == "" {
		s = DefaultTimeRange
	}
	m := timeRangeRe.FindStringSubmatch(s)
	if m == nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "time_range %q must look like 24h, 7d or 2w", s).
			WithDetails(map[string]any{"time_range": s})
	}
	n, _ := strconv.Atoi(m[1])
	unit := time.Hour
	switch m[2] {
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	}
	return time.Duration(n) * unit, nil
}

// Since returns the start of the window ending at now.
func Since(now time.Time, timeRange string) (time.Time, error) {
	d, err := ParseTimeRange(timeRange)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

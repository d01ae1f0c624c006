// Package calendar writes confirmed events to Google Calendar.
package calendar

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata"

	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/rendis/maildigest/internal/gcreds"
	"github.com/rendis/maildigest/pkg/schema"
)

// Defaults for inserted entries.
const (
	DefaultCalendarID = "primary"
	DefaultTimeZone   = "Asia/Taipei"
	untitled          = "Untitled event"
)

// Config controls where and how entries are written.
type Config struct {
	CalendarID string
	TimeZone   string
}

// Google is a CalendarSink backed by the Calendar v3 API.
type Google struct {
	svc *gcal.Service
	cfg Config
	loc *time.Location
}

// New wraps an existing service.
func New(svc *gcal.Service, cfg Config) (*Google, error) {
	if cfg.CalendarID == "" {
		cfg.CalendarID = DefaultCalendarID
	}
	if cfg.TimeZone == "" {
		cfg.TimeZone = DefaultTimeZone
	}
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "calendar timezone %q: %s", cfg.TimeZone, err.Error()).WithCause(err)
	}
	return &Google{svc: svc, cfg: cfg, loc: loc}, nil
}

// Open authorizes with stored credentials and returns a ready sink.
func Open(ctx context.Context, creds gcreds.Credentials, cfg Config, opts ...option.ClientOption) (*Google, error) {
	creds.Scopes = []string{gcreds.ScopeCalendar}
	ts, err := gcreds.TokenSource(ctx, creds)
	if err != nil {
		return nil, err
	}
	svc, err := gcal.NewService(ctx, append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("calendar client: %w", err)
	}
	return New(svc, cfg)
}

// CreateEvent inserts ev with an email reminder a day ahead and a popup thirty
// minutes ahead. It returns the provider's event id.
func (g *Google) CreateEvent(ctx context.Context, ev schema.DetectedEvent) (string, error) {
	created, err := g.svc.Events.Insert(g.cfg.CalendarID, g.entry(ev)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert calendar event %s: %w", ev.ID, err)
	}
	return created.Id, nil
}

func (g *Google) entry(ev schema.DetectedEvent) *gcal.Event {
	title := ev.Title
	if title == "" {
		title = untitled
	}
	end := ev.EndTime
	if end.IsZero() {
		end = ev.StartTime.Add(time.Hour)
	}
	return &gcal.Event{
		Summary:     title,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       &gcal.EventDateTime{DateTime: ev.StartTime.In(g.loc).Format(time.RFC3339), TimeZone: g.cfg.TimeZone},
		End:         &gcal.EventDateTime{DateTime: end.In(g.loc).Format(time.RFC3339), TimeZone: g.cfg.TimeZone},
		Reminders: &gcal.EventReminders{
			UseDefault:      false,
			ForceSendFields: []string{"UseDefault"},
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 30},
			},
		},
	}
}

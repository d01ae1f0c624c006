package schema

import (
	"slices"
	"strings"
	"time"
)

// ConfidenceThreshold is the minimum detector confidence for an event to enter state.
const ConfidenceThreshold = 0.7

// Field names of WorkflowState. Steps declare ownership and requirements with these.
const (
	FieldTimeRange       = "time_range"
	FieldMaxItems        = "max_items"
	FieldRawItems        = "raw_items"
	FieldClassified      = "classified"
	FieldDigest          = "digest"
	FieldDetectedEvents  = "detected_events"
	FieldConfirmedEvents = "confirmed_events"
	FieldSkippedEvents   = "skipped_events"
	FieldLastDecision    = "last_decision"
	FieldCreatedEvents   = "created_events"
	FieldReportText      = "report_text"
	FieldNotified        = "notified"
	FieldError           = "error"
	FieldRetryCount      = "retry_count"
)

// Message is a normalized mail record.
type Message struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"thread_id,omitempty"`
	Account  string   `json:"account,omitempty"`
	Subject  string   `json:"subject"`
	From     string   `json:"from"`
	To       string   `json:"to,omitempty"`
	Date     string   `json:"date,omitempty"`
	Body     string   `json:"body,omitempty"`
	Snippet  string   `json:"snippet,omitempty"`
	Labels   []string `json:"labels,omitempty"`
}

// Importance is a classification bucket.
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// ParseImportance maps free-form labels ("High", "medium") onto a bucket.
func ParseImportance(s string) (Importance, bool) {
	switch Importance(strings.ToLower(strings.TrimSpace(s))) {
	case ImportanceHigh:
		return ImportanceHigh, true
	case ImportanceMedium:
		return ImportanceMedium, true
	case ImportanceLow:
		return ImportanceLow, true
	}
	return "", false
}

// Classified buckets raw items by importance.
type Classified struct {
	High   []Message `json:"high"`
	Medium []Message `json:"medium"`
	Low    []Message `json:"low"`
}

// Add appends m to the bucket for level.
func (c *Classified) Add(level Importance, m Message) {
	switch level {
	case ImportanceHigh:
		c.High = append(c.High, m)
	case ImportanceMedium:
		c.Medium = append(c.Medium, m)
	default:
		c.Low = append(c.Low, m)
	}
}

// Counts returns the size of each bucket keyed by importance.
func (c *Classified) Counts() map[string]int {
	return map[string]int{
		string(ImportanceHigh):   len(c.High),
		string(ImportanceMedium): len(c.Medium),
		string(ImportanceLow):    len(c.Low),
	}
}

// Total returns the number of classified items.
func (c *Classified) Total() int {
	return len(c.High) + len(c.Medium) + len(c.Low)
}

// Digest is the derived summary of a run's mail.
type Digest struct {
	Summary         string         `json:"summary"`
	ImportanceCount map[string]int `json:"importance_count"`
	ImportantEmails []string       `json:"important_emails"`
}

// DetectedEvent is a calendar candidate extracted from a message. Immutable once produced.
type DetectedEvent struct {
	ID          string    `json:"id"`
	EmailID     string    `json:"email_id"`
	Title       string    `json:"title"`
	StartTime   time.Time `json:"start_time"`
	EndTime     time.Time `json:"end_time"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	Confidence  float64   `json:"confidence"`
}

// WorkflowState is the accumulated state of one run. A nil field is absent; steps only
// read fields that an earlier step in transition order has populated.
type WorkflowState struct {
	TimeRange string `json:"time_range,omitempty"`
	MaxItems  int    `json:"max_items,omitempty"`

	RawItems        []Message         `json:"raw_items"`
	Classified      *Classified       `json:"classified"`
	Digest          *Digest           `json:"digest"`
	DetectedEvents  []DetectedEvent   `json:"detected_events"`
	ConfirmedEvents []string          `json:"confirmed_events"`
	SkippedEvents   []string          `json:"skipped_events"`
	LastDecision    *Decision         `json:"last_decision"`
	CreatedEvents   map[string]string `json:"created_events"`
	ReportText      *string           `json:"report_text"`
	Notified        *bool             `json:"notified"`

	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
}

// NewState returns the initial state for a run.
func NewState(timeRange string, maxItems int) *WorkflowState {
	return &WorkflowState{TimeRange: timeRange, MaxItems: maxItems}
}

// Has reports whether the named field is present.
func (s *WorkflowState) Has(field string) bool {
	switch field {
	case FieldTimeRange:
		return s.TimeRange != ""
	case FieldMaxItems:
		return s.MaxItems > 0
	case FieldRawItems:
		return s.RawItems != nil
	case FieldClassified:
		return s.Classified != nil
	case FieldDigest:
		return s.Digest != nil
	case FieldDetectedEvents:
		return s.DetectedEvents != nil
	case FieldConfirmedEvents:
		return s.ConfirmedEvents != nil
	case FieldSkippedEvents:
		return s.SkippedEvents != nil
	case FieldLastDecision:
		return s.LastDecision != nil
	case FieldCreatedEvents:
		return s.CreatedEvents != nil
	case FieldReportText:
		return s.ReportText != nil
	case FieldNotified:
		return s.Notified != nil
	case FieldError:
		return s.Error != ""
	case FieldRetryCount:
		return s.RetryCount > 0
	}
	return false
}

// Fields lists the present fields in declaration order.
func (s *WorkflowState) Fields() []string {
	var out []string
	for _, f := range allFields {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

var allFields = []string{
	FieldTimeRange, FieldMaxItems, FieldRawItems, FieldClassified, FieldDigest,
	FieldDetectedEvents, FieldConfirmedEvents, FieldSkippedEvents, FieldLastDecision,
	FieldCreatedEvents, FieldReportText, FieldNotified, FieldError, FieldRetryCount,
}

// Merge copies every field present in update onto s and returns the copied field names.
func (s *WorkflowState) Merge(update *WorkflowState) []string {
	if update == nil {
		return nil
	}
	changed := update.Fields()
	for _, f := range changed {
		switch f {
		case FieldTimeRange:
			s.TimeRange = update.TimeRange
		case FieldMaxItems:
			s.MaxItems = update.MaxItems
		case FieldRawItems:
			s.RawItems = update.RawItems
		case FieldClassified:
			s.Classified = update.Classified
		case FieldDigest:
			s.Digest = update.Digest
		case FieldDetectedEvents:
			s.DetectedEvents = update.DetectedEvents
		case FieldConfirmedEvents:
			s.ConfirmedEvents = update.ConfirmedEvents
		case FieldSkippedEvents:
			s.SkippedEvents = update.SkippedEvents
		case FieldLastDecision:
			s.LastDecision = update.LastDecision
		case FieldCreatedEvents:
			s.CreatedEvents = update.CreatedEvents
		case FieldReportText:
			s.ReportText = update.ReportText
		case FieldNotified:
			s.Notified = update.Notified
		case FieldError:
			s.Error = update.Error
		case FieldRetryCount:
			s.RetryCount = update.RetryCount
		}
	}
	return changed
}

// Event returns the detected event with the given id.
func (s *WorkflowState) Event(id string) (DetectedEvent, bool) {
	for _, e := range s.DetectedEvents {
		if e.ID == id {
			return e, true
		}
	}
	return DetectedEvent{}, false
}

// Decided reports whether a decision for the event id has already been applied.
func (s *WorkflowState) Decided(id string) bool {
	return slices.Contains(s.ConfirmedEvents, id) || slices.Contains(s.SkippedEvents, id)
}

// Undecided returns detected events without a decision, in detection order.
func (s *WorkflowState) Undecided() []DetectedEvent {
	var out []DetectedEvent
	for _, e := range s.DetectedEvents {
		if !s.Decided(e.ID) {
			out = append(out, e)
		}
	}
	return out
}

// StrPtr returns a pointer to v.
func StrPtr(v string) *string { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

package schema

import "fmt"

// FieldIssue is a single state-boundary problem.
type FieldIssue struct {
	Step    string `json:"step"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// BoundaryCheck aggregates problems found when a step's inputs or outputs are checked.
type BoundaryCheck struct {
	Step   string       `json:"step"`
	Issues []FieldIssue `json:"issues,omitempty"`
}

// Valid returns true when no issue was recorded.
func (c *BoundaryCheck) Valid() bool {
	return len(c.Issues) == 0
}

// Missing records a required field that is absent.
func (c *BoundaryCheck) Missing(field string) {
	c.Issues = append(c.Issues, FieldIssue{
		Step: c.Step, Field: field, Message: fmt.Sprintf("required field %q is absent", field),
	})
}

// NotOwned records a field written by a step that does not own it.
func (c *BoundaryCheck) NotOwned(field string) {
	c.Issues = append(c.Issues, FieldIssue{
		Step: c.Step, Field: field, Message: fmt.Sprintf("field %q is not owned by this step", field),
	})
}

// ToError converts the check to a DigestError if invalid, nil if valid.
func (c *BoundaryCheck) ToError() error {
	if c.Valid() {
		return nil
	}
	msg := c.Issues[0].Message
	if len(c.Issues) > 1 {
		msg = fmt.Sprintf("state boundary check failed with %d issues", len(c.Issues))
	}
	fields := make([]string, 0, len(c.Issues))
	for _, is := range c.Issues {
		fields = append(fields, is.Field)
	}
	return NewError(ErrCodeValidation, msg).
		WithStep(c.Step).
		WithDetails(map[string]any{"fields": fields, "issues": c.Issues})
}

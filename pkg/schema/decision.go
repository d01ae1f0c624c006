package schema

// Action is a human answer to a confirmation request.
type Action string

const (
	ActionConfirm Action = "confirm"
	ActionSkip    Action = "skip"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionConfirm || a == ActionSkip
}

// Decision is the resume value delivered to the suspended confirmation step.
type Decision struct {
	EventID string `json:"event_id"`
	Action  Action `json:"action"`
	// Actor is the chat user who answered, when known.
	Actor string `json:"actor,omitempty"`
}

// Validate checks the decision shape.
func (d *Decision) Validate() error {
	if d == nil {
		return NewError(ErrCodeValidation, "decision is nil")
	}
	if d.EventID == "" {
		return NewError(ErrCodeValidation, "decision event_id is required")
	}
	if !d.Action.Valid() {
		return NewErrorf(ErrCodeValidation, "decision action %q must be confirm or skip", d.Action)
	}
	return nil
}

// SuspendPayload describes what a suspended run is waiting for.
type SuspendPayload struct {
	Events        []DetectedEvent `json:"events"`
	MessageHandle string          `json:"message_handle"`
}

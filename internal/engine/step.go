package engine

import (
	"context"

	"github.com/rendis/maildigest/pkg/schema"
)

type resultKind int

const (
	kindContinue resultKind = iota
	kindSuspend
)

// Result is the tagged outcome of a step: either a partial state update to merge
// (Continue) or a request to park the run until a decision arrives (Suspend).
type Result struct {
	kind    resultKind
	update  *schema.WorkflowState
	payload schema.SuspendPayload
}

// Continue returns a result whose present fields are merged into the run state.
// A nil update changes nothing.
func Continue(update *schema.WorkflowState) Result {
	return Result{kind: kindContinue, update: update}
}

// Suspend returns a result that parks the run with payload.
func Suspend(payload schema.SuspendPayload) Result {
	return Result{kind: kindSuspend, payload: payload}
}

// Suspended reports whether the step asked to suspend.
func (r Result) Suspended() bool { return r.kind == kindSuspend }

// Update returns the partial state of a Continue result.
func (r Result) Update() *schema.WorkflowState { return r.update }

// Payload returns the suspension payload of a Suspend result.
func (r Result) Payload() schema.SuspendPayload { return r.payload }

// Input is what a step sees. State is a copy; steps report changes through Result.
// Resume is set only when the step re-enters after a suspension.
type Input struct {
	ThreadID string
	State    *schema.WorkflowState
	Resume   *schema.Decision
}

// Step is one named unit of work in the transition graph. Steps may run more than
// once for the same state, so collaborator calls must tolerate repetition.
type Step interface {
	Run(ctx context.Context, in Input) (Result, error)
}

// StepFunc adapts a plain function to Step.
type StepFunc func(ctx context.Context, in Input) (Result, error)

// Run calls f.
func (f StepFunc) Run(ctx context.Context, in Input) (Result, error) { return f(ctx, in) }

// ResumeValidator is implemented by suspending steps that can reject a decision
// before the engine touches any state.
type ResumeValidator interface {
	ValidateResume(st *schema.WorkflowState, d *schema.Decision) error
}

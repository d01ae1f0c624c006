package schema

// Event type constants for the per-thread event log.
const (
	EventRunStarted     = "run_started"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventRunSuspended   = "run_suspended"
	EventRunResumed     = "run_resumed"
	EventRunRetried     = "run_retried"
	EventRunInterrupted = "run_interrupted"

	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSuspended = "step_suspended"

	EventConfirmationRequested = "confirmation_requested"
	EventDecisionReceived      = "decision_received"
	EventEdgeEvaluated         = "edge_evaluated"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusNotStarted RunStatus = "not_started"
	RunStatusRunning    RunStatus = "running"
	RunStatusSuspended  RunStatus = "suspended"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// Terminal reports whether no further step will execute without operator action.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of one step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSuspended StepStatus = "suspended"
)

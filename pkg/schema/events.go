package schema

// DefinitionStatus is the lifecycle state of a workflow version.
type DefinitionStatus string

const (
	DefinitionDraft    DefinitionStatus = "draft"
	DefinitionActive   DefinitionStatus = "active"
	DefinitionArchived DefinitionStatus = "archived"
)

// ExecutionStatus is the lifecycle state of a workflow run.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// ProcessingStatus is the state of a processing record.
type ProcessingStatus string

const (
	ProcessingClaimed   ProcessingStatus = "claimed"
	ProcessingCompleted ProcessingStatus = "completed"
)

// Log event names emitted by the runner.
const (
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventStepCompleted      = "step_completed"
	EventStepFailed         = "step_failed"
	EventStepRetrying       = "step_retrying"
	EventLoopIteration      = "loop_iteration"
	EventLoopCompleted      = "loop_completed"
	EventRecordClaimed      = "record_claimed"
	EventClaimContended     = "claim_contended"
	EventRecordProcessed    = "record_processed"
)

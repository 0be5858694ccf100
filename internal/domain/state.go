package domain

// TaskState is the closed set of states a Task can occupy. It is a named
// string type rather than an interface hierarchy so the transition table in
// internal/statemachine can exhaustively range over every value.
type TaskState string

const (
	TaskPending                TaskState = "pending"
	TaskInitializing           TaskState = "initializing"
	TaskEnqueuingSteps         TaskState = "enqueuing_steps"
	TaskStepsInProcess         TaskState = "steps_in_process"
	TaskEvaluatingResults      TaskState = "evaluating_results"
	TaskWaitingForDependencies TaskState = "waiting_for_dependencies"
	TaskBlockedByFailures      TaskState = "blocked_by_failures"
	TaskComplete               TaskState = "complete"
	TaskError                  TaskState = "error"
	TaskCancelled              TaskState = "cancelled"
	TaskResolvedManually       TaskState = "resolved_manually"
	TaskTimedOut                TaskState = "timed_out"
)

// TaskTerminalStates are states with no outgoing transitions.
var TaskTerminalStates = map[TaskState]bool{
	TaskComplete:         true,
	TaskError:            true,
	TaskCancelled:        true,
	TaskResolvedManually: true,
	TaskTimedOut:         true,
}

func (s TaskState) Terminal() bool { return TaskTerminalStates[s] }

// StepState is the closed set of states a Step can occupy.
type StepState string

const (
	StepPending                  StepState = "pending"
	StepEnqueued                 StepState = "enqueued"
	StepInProgress               StepState = "in_progress"
	StepEnqueuedForOrchestration StepState = "enqueued_for_orchestration"
	StepWaitingForRetry          StepState = "waiting_for_retry"
	StepComplete                 StepState = "complete"
	StepError                    StepState = "error"
	StepCancelled                StepState = "cancelled"
	StepResolvedManually         StepState = "resolved_manually"
	StepSkipped                  StepState = "skipped"
)

var StepTerminalStates = map[StepState]bool{
	StepComplete:         true,
	StepError:            true,
	StepCancelled:        true,
	StepResolvedManually: true,
	StepSkipped:          true,
}

func (s StepState) Terminal() bool { return StepTerminalStates[s] }

// StepTerminalSuccessStates are the terminal states counted as "success" for
// dependency-readiness and finalization purposes (Complete only; Skipped is
// terminal but never unblocks a dependent step by itself).
var StepTerminalSuccessStates = map[StepState]bool{
	StepComplete: true,
}

// FailurePolicy selects how TaskFinalizer handles a task with no remaining
// progress and at least one failed step.
type FailurePolicy string

const (
	FailurePolicyAutoFail        FailurePolicy = "auto_fail"
	FailurePolicyOperatorResolve FailurePolicy = "operator_resolve"
)

// EntityKind distinguishes which entity a TransitionRecord describes.
type EntityKind string

const (
	EntityTask EntityKind = "task"
	EntityStep EntityKind = "step"
)

// Event names accepted by the transition tables. Kept as a distinct type
// from the states themselves so `(state, event)` pairs can be used as map
// keys without ambiguity.
type Event string

const (
	EventInitialize       Event = "initialize"
	EventStepsPersisted   Event = "steps_persisted"
	EventStepsEnqueued    Event = "steps_enqueued"
	EventNoStepsReady     Event = "no_steps_ready"
	EventResultIngested   Event = "result_ingested"
	EventAllStepsComplete Event = "all_steps_complete"
	EventFailuresBlocking Event = "failures_blocking"
	EventAutoFail         Event = "auto_fail"
	EventAllCancelled     Event = "all_cancelled"
	EventCancel           Event = "cancel"
	EventResolveManually  Event = "resolve_manually"
	EventTimeout          Event = "timeout"

	EventEnqueue  Event = "enqueue"
	EventClaim    Event = "claim"
	EventComplete Event = "complete"
	EventFail     Event = "fail"
	EventRetry    Event = "retry"
	EventExhaust  Event = "exhaust"
	EventCheckpoint Event = "checkpoint"
	EventSkip     Event = "skip"
)

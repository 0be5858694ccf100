package actors

import "github.com/google/uuid"

// TaskRequestMessage is the inbound payload on task_requests.
type TaskRequestMessage struct {
	TemplateName  string            `json:"template_name"`
	Namespace     string            `json:"namespace"`
	Version       string            `json:"version"`
	Context       map[string]any    `json:"context"`
	Initiator     string            `json:"initiator"`
	SourceSystem  string            `json:"source_system"`
	Reason        string            `json:"reason"`
	CorrelationID string            `json:"correlation_id"`
	Priority      int               `json:"priority"`
	Tags          map[string]string `json:"tags"`
}

// StepWorkMessage is the outbound payload enqueued to a namespace queue,
// inbound to a worker.
type StepWorkMessage struct {
	StepID            uuid.UUID                 `json:"step_id"`
	TaskID            uuid.UUID                 `json:"task_id"`
	HandlerCallable   string                    `json:"handler_callable"`
	Inputs            map[string]any            `json:"inputs"`
	DependencyResults map[string]map[string]any `json:"dependency_results"`
	Attempts          int                       `json:"attempts"`
	MaxAttempts       int                       `json:"max_attempts"`
	CorrelationID     string                    `json:"correlation_id"`
	Checkpoint        map[string]any            `json:"checkpoint,omitempty"`
}

// StepResultError is the error shape carried on a failed step result.
type StepResultError struct {
	Message               string `json:"message"`
	ErrorType             string `json:"error_type"`
	Retryable             bool   `json:"retryable"`
	ErrorCode             string `json:"error_code,omitempty"`
	BackoffRequestSeconds *int   `json:"backoff_request_seconds,omitempty"`
}

// StepResultMessage is the inbound payload on step_results, from a worker.
type StepResultMessage struct {
	StepID              uuid.UUID        `json:"step_id"`
	WorkerID            string           `json:"worker_id"`
	Success             bool             `json:"success"`
	Result              map[string]any   `json:"result,omitempty"`
	Error               *StepResultError `json:"error,omitempty"`
	ExecutionDurationMs int64            `json:"execution_duration_ms"`
	Checkpoint          map[string]any   `json:"checkpoint,omitempty"`
	CheckpointDone      bool             `json:"checkpoint_done,omitempty"`
}

// TaskPointer is the minimal payload on the two "needing_*" signal queues:
// just enough to tell the receiving actor which task to reconsider.
type TaskPointer struct {
	TaskID uuid.UUID `json:"task_id"`
}

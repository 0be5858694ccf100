package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Step is a single unit of work within a Task: one node of the DAG.
type Step struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID uuid.UUID `gorm:"type:uuid;not null;index:idx_steps_task" json:"task_id"`

	Name            string `gorm:"size:128;not null" json:"name"`
	HandlerCallable string `gorm:"size:256;not null" json:"handler_callable"`

	Inputs  datatypes.JSON `gorm:"type:jsonb" json:"inputs"`
	Results datatypes.JSON `gorm:"type:jsonb" json:"results,omitempty"`

	Attempts       int `gorm:"default:0" json:"attempts"`
	MaxAttempts    int `gorm:"default:3" json:"max_attempts"`
	BackoffBaseSec int `gorm:"default:1" json:"backoff_base_seconds"`
	BackoffMaxSec  int `gorm:"default:30" json:"backoff_max_seconds"`
	BackoffJitter  float64 `gorm:"default:0.2" json:"backoff_jitter_frac"`

	// BackoffRequestSec, when non-nil, is a worker-supplied override for the
	// retry delay. It is not cleared on enqueue; every retryable failure
	// overwrites it (with nil when that failure requested no delay).
	BackoffRequestSec *int `json:"backoff_request_seconds,omitempty"`

	State StepState `gorm:"size:32;not null;default:pending;index:idx_steps_state" json:"state"`

	Checkpoint datatypes.JSON `gorm:"type:jsonb" json:"checkpoint,omitempty"`

	Error     string `gorm:"type:text" json:"error,omitempty"`
	ErrorCode string `gorm:"size:128" json:"error_code,omitempty"`

	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty"`
	NextRetryAt     *time.Time `gorm:"index:idx_steps_next_retry" json:"next_retry_at,omitempty"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`

	CreatedAt time.Time      `gorm:"index:idx_steps_created" json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Step) TableName() string { return "steps" }

// StepDependency is a directed edge (ParentStepID -> ChildStepID) within a
// single task's step DAG.
type StepDependency struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	TaskID       uuid.UUID `gorm:"type:uuid;not null;index:idx_step_deps_task" json:"task_id"`
	ParentStepID uuid.UUID `gorm:"type:uuid;not null;index:idx_step_deps_parent" json:"parent_step_id"`
	ChildStepID  uuid.UUID `gorm:"type:uuid;not null;index:idx_step_deps_child" json:"child_step_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (StepDependency) TableName() string { return "step_dependencies" }

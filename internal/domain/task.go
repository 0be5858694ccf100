package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Task is an instance of a template: a DAG of steps submitted by a caller.
// Steps refer to their task only through Step.TaskID; no GORM association,
// foreign key or cascade is declared, so deleting a task row does not
// delete its steps.
type Task struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	TemplateNamespace string `gorm:"size:128;not null;index:idx_tasks_template" json:"template_namespace"`
	TemplateName      string `gorm:"size:128;not null;index:idx_tasks_template" json:"template_name"`
	TemplateVersion   string `gorm:"size:32;not null" json:"template_version"`

	Context       datatypes.JSON `gorm:"type:jsonb" json:"context"`
	IdentityHash  string         `gorm:"size:64;index:idx_tasks_identity_hash" json:"identity_hash"`
	CorrelationID string         `gorm:"size:128;index:idx_tasks_correlation" json:"correlation_id"`

	Priority int `gorm:"default:0" json:"priority"`

	Initiator    string `gorm:"size:128" json:"initiator"`
	SourceSystem string `gorm:"size:128" json:"source_system"`
	Reason       string `gorm:"size:512" json:"reason"`
	Tags         datatypes.JSON `gorm:"type:jsonb" json:"tags"`

	FailurePolicy FailurePolicy `gorm:"size:32;default:operator_resolve" json:"failure_policy"`

	State TaskState `gorm:"size:32;not null;default:pending;index:idx_tasks_state" json:"state"`

	Error string `gorm:"type:text" json:"error,omitempty"`

	CreatedAt   time.Time      `json:"created_at"`
	RequestedAt *time.Time     `json:"requested_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Task) TableName() string { return "tasks" }

package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// TransitionRecord is an append-only audit row describing one state change
// of a Task or Step. Rows are never updated or deleted; Seq gives a total
// order per entity independent of clock skew between writers.
type TransitionRecord struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	EntityKind EntityKind `gorm:"size:16;not null;index:idx_transitions_entity" json:"entity_kind"`
	EntityID   uuid.UUID  `gorm:"type:uuid;not null;index:idx_transitions_entity" json:"entity_id"`
	Seq        int64      `gorm:"not null" json:"seq"`

	FromState string `gorm:"size:32;not null" json:"from_state"`
	ToState   string `gorm:"size:32;not null" json:"to_state"`
	Event     string `gorm:"size:32;not null" json:"event"`
	Actor     string `gorm:"size:64;not null" json:"actor"`

	CorrelationID string `gorm:"size:128;index:idx_transitions_correlation" json:"correlation_id,omitempty"`
	WorkerID      string `gorm:"size:128" json:"worker_id,omitempty"`

	Success         bool            `json:"success"`
	ExecutionDurMs  *int64          `json:"execution_duration_ms,omitempty"`
	ResultSnapshot  datatypes.JSON  `gorm:"type:jsonb" json:"result_snapshot,omitempty"`

	RecordedAt time.Time `gorm:"index:idx_transitions_recorded_at" json:"recorded_at"`
}

func (TransitionRecord) TableName() string { return "transition_records" }

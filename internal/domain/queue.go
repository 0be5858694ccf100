package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// QueueMessage is a persisted record on a named queue carrying a step work
// order or a step result. The messaging abstraction (internal/messaging)
// owns enqueue/claim/complete/release against this table.
type QueueMessage struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	QueueName string         `gorm:"size:128;not null;index:idx_queue_messages_queue" json:"queue_name"`
	Payload   datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	Priority  int            `gorm:"default:0" json:"priority"`

	IdempotencyKey string `gorm:"size:128;index:idx_queue_messages_idem" json:"idempotency_key,omitempty"`

	EnqueuedAt        time.Time  `gorm:"index:idx_queue_messages_enqueued" json:"enqueued_at"`
	VisibleAt         time.Time  `gorm:"index:idx_queue_messages_visible" json:"visible_at"`
	VisibilityExpires *time.Time `json:"visibility_expires,omitempty"`

	DeliveryCount int `gorm:"default:0" json:"delivery_count"`

	ClaimedBy string `gorm:"size:128" json:"claimed_by,omitempty"`
}

func (QueueMessage) TableName() string { return "queue_messages" }

// DeadLetterEntry is a queue message moved aside after exceeding its
// delivery-count threshold or failing classification as Permanent/Integrity.
type DeadLetterEntry struct {
	ID uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`

	QueueName      string         `gorm:"size:128;not null;index:idx_dlq_queue" json:"queue_name"`
	OriginalID     uuid.UUID      `gorm:"type:uuid;not null" json:"original_id"`
	Payload        datatypes.JSON `gorm:"type:jsonb;not null" json:"payload"`
	DeliveryCount  int            `json:"delivery_count"`
	Classification string         `gorm:"size:32" json:"classification"`
	Reason         string         `gorm:"type:text" json:"reason,omitempty"`

	DeadAt time.Time `json:"dead_at"`
}

func (DeadLetterEntry) TableName() string { return "dead_letter_entries" }

package repos

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// QueueRepo is the storage layer beneath the messaging abstraction
// (internal/messaging): a single table shared by every named queue,
// discriminated by queue_name. internal/messaging.Queue is the
// provider-agnostic interface; this repo is the Postgres-specific
// implementation detail it delegates to.
type QueueRepo interface {
	Enqueue(dbc dbctx.Context, msg *domain.QueueMessage) (*domain.QueueMessage, error)
	// ClaimBatch atomically removes up to batchSize visible messages from
	// queueName and marks them invisible until now+visibilityTimeout,
	// incrementing delivery_count. Uses SELECT ... FOR UPDATE SKIP LOCKED so
	// concurrent claimers never see the same row.
	ClaimBatch(dbc dbctx.Context, queueName string, batchSize int, visibilityTimeout time.Duration, claimedBy string) ([]*domain.QueueMessage, error)
	Complete(dbc dbctx.Context, id uuid.UUID) error
	Release(dbc dbctx.Context, id uuid.UUID) error
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.QueueMessage, error)
	MoveToDeadLetter(dbc dbctx.Context, msg *domain.QueueMessage, classification, reason string) error
	CountVisible(dbc dbctx.Context, queueName string) (int64, error)
}

type queueRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewQueueRepo(db *gorm.DB, baseLog *logger.Logger) QueueRepo {
	return &queueRepo{db: db, log: baseLog.With("repo", "QueueRepo")}
}

func (r *queueRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *queueRepo) Enqueue(dbc dbctx.Context, msg *domain.QueueMessage) (*domain.QueueMessage, error) {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	now := time.Now()
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	if msg.VisibleAt.IsZero() {
		msg.VisibleAt = now
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(msg).Error; err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *queueRepo) ClaimBatch(dbc dbctx.Context, queueName string, batchSize int, visibilityTimeout time.Duration, claimedBy string) ([]*domain.QueueMessage, error) {
	if batchSize <= 0 {
		batchSize = 1
	}
	now := time.Now()
	var claimed []*domain.QueueMessage

	err := r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txn *gorm.DB) error {
		var rows []domain.QueueMessage
		err := txn.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("queue_name = ? AND visible_at <= ?", queueName, now).
			Order("priority DESC, enqueued_at ASC").
			Limit(batchSize).
			Find(&rows).Error
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		expires := now.Add(visibilityTimeout)
		ids := make([]uuid.UUID, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
		}
		err = txn.Model(&domain.QueueMessage{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"visible_at":         expires,
				"visibility_expires": expires,
				"delivery_count":     gorm.Expr("delivery_count + 1"),
				"claimed_by":         claimedBy,
			}).Error
		if err != nil {
			return err
		}
		for i := range rows {
			rows[i].VisibleAt = expires
			rows[i].VisibilityExpires = &expires
			rows[i].DeliveryCount++
			rows[i].ClaimedBy = claimedBy
			claimed = append(claimed, &rows[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *queueRepo) Complete(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&domain.QueueMessage{}).Error
}

// Release returns the message to the queue immediately (visible now),
// without deleting it. Delivery count was already incremented at claim
// time; release does not increment it again.
func (r *queueRepo) Release(dbc dbctx.Context, id uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"visible_at":         time.Now(),
			"visibility_expires": nil,
			"claimed_by":         "",
		}).Error
}

func (r *queueRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.QueueMessage, error) {
	var m domain.QueueMessage
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// MoveToDeadLetter inserts a DeadLetterEntry and deletes the original
// message in one transaction, so a message is never visible in both places.
func (r *queueRepo) MoveToDeadLetter(dbc dbctx.Context, msg *domain.QueueMessage, classification, reason string) error {
	return r.tx(dbc).WithContext(dbc.Ctx).Transaction(func(txn *gorm.DB) error {
		entry := &domain.DeadLetterEntry{
			ID:             uuid.New(),
			QueueName:      msg.QueueName,
			OriginalID:     msg.ID,
			Payload:        msg.Payload,
			DeliveryCount:  msg.DeliveryCount,
			Classification: classification,
			Reason:         reason,
			DeadAt:         time.Now(),
		}
		if err := txn.Create(entry).Error; err != nil {
			return err
		}
		return txn.Where("id = ?", msg.ID).Delete(&domain.QueueMessage{}).Error
	})
}

func (r *queueRepo) CountVisible(dbc dbctx.Context, queueName string) (int64, error) {
	var count int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.QueueMessage{}).
		Where("queue_name = ? AND visible_at <= ?", queueName, time.Now()).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// TransitionRepo appends audit rows and never updates or deletes them.
// Append assigns Seq itself, inside the row-locking
// pattern the saga ledger uses for the same "next sequence number" problem,
// so two concurrent writers for the same entity can't compute the same Seq.
type TransitionRepo interface {
	Append(dbc dbctx.Context, rec *domain.TransitionRecord) (*domain.TransitionRecord, error)
	ListByEntity(dbc dbctx.Context, kind domain.EntityKind, entityID uuid.UUID) ([]*domain.TransitionRecord, error)
	GetMaxSeq(dbc dbctx.Context, kind domain.EntityKind, entityID uuid.UUID) (int64, error)
}

type transitionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTransitionRepo(db *gorm.DB, baseLog *logger.Logger) TransitionRepo {
	return &transitionRepo{db: db, log: baseLog.With("repo", "TransitionRepo")}
}

func (r *transitionRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// Append locks the entity's most recent transition row (if any) with a
// blocking FOR UPDATE — not SKIP LOCKED, since a sequence assignment must
// never be skipped, only serialized — computes the next Seq, and inserts.
// Callers are expected to invoke this inside the same transaction as the
// state mutation it documents.
func (r *transitionRepo) Append(dbc dbctx.Context, rec *domain.TransitionRecord) (*domain.TransitionRecord, error) {
	t := r.tx(dbc)
	var last domain.TransitionRecord
	err := t.WithContext(dbc.Ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("entity_kind = ? AND entity_id = ?", rec.EntityKind, rec.EntityID).
		Order("seq DESC").
		Limit(1).
		Find(&last).Error
	if err != nil {
		return nil, err
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Seq = last.Seq + 1
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	if err := t.WithContext(dbc.Ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *transitionRepo) ListByEntity(dbc dbctx.Context, kind domain.EntityKind, entityID uuid.UUID) ([]*domain.TransitionRecord, error) {
	var out []*domain.TransitionRecord
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("entity_kind = ? AND entity_id = ?", kind, entityID).
		Order("seq ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *transitionRepo) GetMaxSeq(dbc dbctx.Context, kind domain.EntityKind, entityID uuid.UUID) (int64, error) {
	var maxSeq int64
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.TransitionRecord{}).
		Select("COALESCE(MAX(seq), 0)").
		Where("entity_kind = ? AND entity_id = ?", kind, entityID).
		Scan(&maxSeq).Error
	if err != nil {
		return 0, err
	}
	return maxSeq, nil
}

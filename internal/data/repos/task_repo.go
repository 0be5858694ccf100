package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// TaskRepo is the system-of-record access point for Task rows. It never
// decides whether a transition is legal (that is internal/statemachine's
// job); it only persists whatever state the caller hands it, guarded by a
// WHERE clause on the expected current state so two actors racing on the
// same task can't both believe they made the transition.
type TaskRepo interface {
	Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	FindByIdentityHash(dbc dbctx.Context, hash string) (*domain.Task, error)
	// UpdateStateGuarded applies updates (which must include "state") only if
	// the row's current state still equals expectedState. Returns false
	// (no error) if the guard failed — the caller treats that as a
	// Guard-violation and re-reads.
	UpdateStateGuarded(dbc dbctx.Context, id uuid.UUID, expectedState domain.TaskState, updates map[string]interface{}) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListCandidatesForEnqueue(dbc dbctx.Context, limit int) ([]*domain.Task, error)
	ListCandidatesForFinalize(dbc dbctx.Context, limit int) ([]*domain.Task, error)
	ListNonTerminalByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Task, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: db, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRepo) Create(dbc dbctx.Context, task *domain.Task) (*domain.Task, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	var t domain.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *taskRepo) FindByIdentityHash(dbc dbctx.Context, hash string) (*domain.Task, error) {
	if hash == "" {
		return nil, nil
	}
	var t domain.Task
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("identity_hash = ?", hash).
		Order("created_at ASC").
		Limit(1).
		Find(&t).Error
	if err != nil {
		return nil, err
	}
	if t.ID == uuid.Nil {
		return nil, nil
	}
	return &t, nil
}

func (r *taskRepo) UpdateStateGuarded(dbc dbctx.Context, id uuid.UUID, expectedState domain.TaskState, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ? AND state = ?", id, expectedState).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// ListCandidatesForEnqueue returns tasks the StepEnqueuerActor should
// consider this tick: anything still producing or waiting on steps,
// highest priority and oldest first.
func (r *taskRepo) ListCandidatesForEnqueue(dbc dbctx.Context, limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Where("state IN ?", []domain.TaskState{
			domain.TaskEnqueuingSteps,
			domain.TaskStepsInProcess,
			domain.TaskWaitingForDependencies,
		}).
		Order("priority DESC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// ListCandidatesForFinalize returns tasks that might be ready for
// TaskFinalizerActor to classify: anything in an active "evaluating"
// posture, plus anything already waiting-for-dependencies in case all
// remaining steps just got skipped/cancelled out from under it.
func (r *taskRepo) ListCandidatesForFinalize(dbc dbctx.Context, limit int) ([]*domain.Task, error) {
	var out []*domain.Task
	q := r.tx(dbc).WithContext(dbc.Ctx).
		Where("state IN ?", []domain.TaskState{
			domain.TaskEvaluatingResults,
			domain.TaskStepsInProcess,
			domain.TaskWaitingForDependencies,
		}).
		Order("priority DESC, created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ListNonTerminalByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Task, error) {
	var out []*domain.Task
	if len(ids) == 0 {
		return out, nil
	}
	terminal := make([]domain.TaskState, 0, len(domain.TaskTerminalStates))
	for s := range domain.TaskTerminalStates {
		terminal = append(terminal, s)
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("id IN ? AND state NOT IN ?", ids, terminal).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

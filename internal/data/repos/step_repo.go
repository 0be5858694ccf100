package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

type StepRepo interface {
	CreateBatch(dbc dbctx.Context, steps []*domain.Step) ([]*domain.Step, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Step, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Step, error)
	ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Step, error)
	// UpdateStateGuarded is the single guarded-write path every FSM-driven
	// mutation funnels through: it only applies when the row's current
	// state still matches expectedState, preventing a double-enqueue or a
	// stale worker result from clobbering a concurrently-updated step.
	UpdateStateGuarded(dbc dbctx.Context, id uuid.UUID, expectedState domain.StepState, updates map[string]interface{}) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	StateHistogram(dbc dbctx.Context, taskID uuid.UUID) (map[domain.StepState]int, error)
	CreateDependencies(dbc dbctx.Context, edges []*domain.StepDependency) error
	ListDependenciesByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.StepDependency, error)
	CancelNonTerminalByTask(dbc dbctx.Context, taskID uuid.UUID) (int64, error)
}

type stepRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStepRepo(db *gorm.DB, baseLog *logger.Logger) StepRepo {
	return &stepRepo{db: db, log: baseLog.With("repo", "StepRepo")}
}

func (r *stepRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *stepRepo) CreateBatch(dbc dbctx.Context, steps []*domain.Step) ([]*domain.Step, error) {
	if len(steps) == 0 {
		return steps, nil
	}
	for _, s := range steps {
		if s.ID == uuid.Nil {
			s.ID = uuid.New()
		}
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(&steps).Error; err != nil {
		return nil, err
	}
	return steps, nil
}

func (r *stepRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Step, error) {
	var s domain.Step
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *stepRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*domain.Step, error) {
	var out []*domain.Step
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id IN ?", ids).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepRepo) ListByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.Step, error) {
	var out []*domain.Step
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stepRepo) UpdateStateGuarded(dbc dbctx.Context, id uuid.UUID, expectedState domain.StepState, updates map[string]interface{}) (bool, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Step{}).
		Where("id = ? AND state = ?", id, expectedState).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *stepRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Step{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// StateHistogram is the input to TaskFinalizerActor's classification step:
// counts of steps per state for one task.
func (r *stepRepo) StateHistogram(dbc dbctx.Context, taskID uuid.UUID) (map[domain.StepState]int, error) {
	var rows []struct {
		State domain.StepState
		Count int
	}
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Step{}).
		Select("state, count(*) as count").
		Where("task_id = ?", taskID).
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.StepState]int, len(rows))
	for _, row := range rows {
		out[row.State] = row.Count
	}
	return out, nil
}

func (r *stepRepo) CreateDependencies(dbc dbctx.Context, edges []*domain.StepDependency) error {
	if len(edges) == 0 {
		return nil
	}
	for _, e := range edges {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
	}
	return r.tx(dbc).WithContext(dbc.Ctx).Create(&edges).Error
}

func (r *stepRepo) ListDependenciesByTask(dbc dbctx.Context, taskID uuid.UUID) ([]*domain.StepDependency, error) {
	var out []*domain.StepDependency
	err := r.tx(dbc).WithContext(dbc.Ctx).Where("task_id = ?", taskID).Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CancelNonTerminalByTask implements the rule that cancelling a task cancels
// all its non-terminal steps in a single transaction. Callers are expected
// to run this inside the same transaction that
// transitions the task itself.
func (r *stepRepo) CancelNonTerminalByTask(dbc dbctx.Context, taskID uuid.UUID) (int64, error) {
	terminal := make([]domain.StepState, 0, len(domain.StepTerminalStates))
	for s := range domain.StepTerminalStates {
		terminal = append(terminal, s)
	}
	res := r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.Step{}).
		Where("task_id = ? AND state NOT IN ?", taskID, terminal).
		Updates(map[string]interface{}{
			"state":      domain.StepCancelled,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

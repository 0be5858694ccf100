package repos

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// ReadyStep is one row of viable-step discovery's output: a step whose
// dependencies are satisfied and which is retry-eligible right now.
type ReadyStep struct {
	StepID          uuid.UUID
	TaskID          uuid.UUID
	Name            string
	HandlerCallable string
	Inputs          []byte
	Attempts        int
	MaxAttempts     int

	// DependencyResults maps parent step name to that parent's persisted
	// result payload. ViableSteps leaves it nil; callers get the mapping
	// from DiscoveryRepo.LoadDependencyResults.
	DependencyResults map[string][]byte
}

// DiscoveryRepo answers "which steps can run right now": it loads a task's
// edges and candidate step rows, then walks them in topological order to
// find steps whose parents have all terminated successfully and whose own
// backoff window (if any) has elapsed. The caller (StepEnqueuer) is
// responsible for turning the result into an enqueue inside one transaction
// per step so the re-verified guard in step_repo.UpdateStateGuarded is the
// only thing standing between two racing enqueuers.
type DiscoveryRepo interface {
	// ViableSteps returns ready steps for a task in depth-first-topological
	// order (roots first, ties broken by step creation order). Returns
	// apierr.ErrTaskNotFound if the task row does not exist, and
	// apierr.ErrDependencyCycle if the step graph is not acyclic.
	ViableSteps(dbc dbctx.Context, taskID uuid.UUID, limit int) ([]ReadyStep, error)
	// LoadDependencyResults resolves, for one step, the name->result mapping
	// the worker needs to see its parents' output.
	LoadDependencyResults(dbc dbctx.Context, stepID uuid.UUID) (map[string][]byte, error)
}

type discoveryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDiscoveryRepo(db *gorm.DB, baseLog *logger.Logger) DiscoveryRepo {
	return &discoveryRepo{db: db, log: baseLog.With("repo", "DiscoveryRepo")}
}

func (r *discoveryRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

// candidateRow is the shape of one joined (step, parent-closure) record
// before the acyclic check and readiness filter are applied in Go. The SQL
// does the heavy join/aggregation; Go does the small amount of graph logic
// that is awkward to express portably (cycle detection, topological order).
type candidateRow struct {
	StepID            uuid.UUID
	Name              string
	HandlerCallable    string
	Inputs             []byte
	Attempts           int
	MaxAttempts        int
	State              domain.StepState
	LastAttemptedAt    *time.Time
	BackoffRequestSec  *int
	BackoffBaseSec     int
	BackoffMaxSec      int
	BackoffJitterFrac  float64
	CreatedAt          time.Time
}

func (r *discoveryRepo) ViableSteps(dbc dbctx.Context, taskID uuid.UUID, limit int) ([]ReadyStep, error) {
	t := r.tx(dbc).WithContext(dbc.Ctx)

	var taskExists bool
	if err := t.Model(&domain.Task{}).
		Select("count(*) > 0").
		Where("id = ?", taskID).
		Scan(&taskExists).Error; err != nil {
		return nil, err
	}
	if !taskExists {
		return nil, apierr.ErrTaskNotFound
	}

	edges, err := r.listEdges(t, taskID)
	if err != nil {
		return nil, err
	}
	allStepIDs, err := r.listStepIDsByCreation(t, taskID)
	if err != nil {
		return nil, err
	}
	order, err := topologicalOrder(allStepIDs, edges)
	if err != nil {
		return nil, err
	}

	var rows []candidateRow
	err = t.Model(&domain.Step{}).
		Select(`id as step_id, name, handler_callable, inputs, attempts, max_attempts,
		        state, last_attempted_at, backoff_request_sec,
		        backoff_base_sec, backoff_max_sec, backoff_jitter as backoff_jitter_frac, created_at`).
		Where("task_id = ? AND state IN ?", taskID, []domain.StepState{domain.StepPending, domain.StepWaitingForRetry}).
		Where("attempts < max_attempts").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	parentsOf := map[uuid.UUID][]uuid.UUID{}
	for _, e := range edges {
		parentsOf[e.ChildStepID] = append(parentsOf[e.ChildStepID], e.ParentStepID)
	}

	successByStep, err := r.loadTerminalSuccess(t, taskID)
	if err != nil {
		return nil, err
	}

	byID := map[uuid.UUID]candidateRow{}
	for _, row := range rows {
		byID[row.StepID] = row
	}

	now := time.Now()
	ready := make([]ReadyStep, 0, len(rows))
	// Walk candidates in the task's topological order so the result is
	// depth-first-topological with roots first, independent of map order.
	for _, stepID := range order {
		row, ok := byID[stepID]
		if !ok {
			continue
		}
		if row.State == domain.StepWaitingForRetry {
			curve := domain.RetryCurve{BaseSeconds: row.BackoffBaseSec, MaxSeconds: row.BackoffMaxSec, JitterFrac: row.BackoffJitterFrac}
			nextRetry := row.CreatedAt
			if row.LastAttemptedAt != nil {
				nextRetry = row.LastAttemptedAt.Add(domain.ComputeBackoff(curve, row.Attempts, row.BackoffRequestSec))
			}
			if nextRetry.After(now) {
				continue
			}
		}
		allParentsSucceeded := true
		for _, p := range parentsOf[stepID] {
			if !successByStep[p] {
				allParentsSucceeded = false
				break
			}
		}
		if !allParentsSucceeded {
			continue
		}
		ready = append(ready, ReadyStep{
			StepID:          row.StepID,
			TaskID:          taskID,
			Name:            row.Name,
			HandlerCallable: row.HandlerCallable,
			Inputs:          row.Inputs,
			Attempts:        row.Attempts,
			MaxAttempts:     row.MaxAttempts,
		})
		if limit > 0 && len(ready) >= limit {
			break
		}
	}
	return ready, nil
}

func (r *discoveryRepo) loadTerminalSuccess(t *gorm.DB, taskID uuid.UUID) (map[uuid.UUID]bool, error) {
	var rows []struct {
		ID    uuid.UUID
		State domain.StepState
	}
	if err := t.Model(&domain.Step{}).
		Select("id, state").
		Where("task_id = ?", taskID).
		Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(rows))
	for _, row := range rows {
		out[row.ID] = domain.StepTerminalSuccessStates[row.State]
	}
	return out, nil
}

func (r *discoveryRepo) listEdges(t *gorm.DB, taskID uuid.UUID) ([]*domain.StepDependency, error) {
	var edges []*domain.StepDependency
	if err := t.Where("task_id = ?", taskID).Find(&edges).Error; err != nil {
		return nil, err
	}
	return edges, nil
}

// listStepIDsByCreation returns every step id belonging to the task ordered
// by creation time, giving topologicalOrder a deterministic iteration order
// so ties among otherwise-unordered roots break by creation order, and so
// steps with no edges at all (single-step tasks) are still included.
func (r *discoveryRepo) listStepIDsByCreation(t *gorm.DB, taskID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	if err := t.Model(&domain.Step{}).
		Where("task_id = ?", taskID).
		Order("created_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// LoadDependencyResults returns, for stepID, a map of parent step name to
// that parent's persisted result JSON. Only parents in a terminal-success
// state have meaningful results; others are omitted.
func (r *discoveryRepo) LoadDependencyResults(dbc dbctx.Context, stepID uuid.UUID) (map[string][]byte, error) {
	t := r.tx(dbc).WithContext(dbc.Ctx)

	var step domain.Step
	if err := t.Where("id = ?", stepID).First(&step).Error; err != nil {
		return nil, err
	}
	var edges []domain.StepDependency
	if err := t.Where("task_id = ? AND child_step_id = ?", step.TaskID, stepID).Find(&edges).Error; err != nil {
		return nil, err
	}
	if len(edges) == 0 {
		return map[string][]byte{}, nil
	}
	parentIDs := make([]uuid.UUID, 0, len(edges))
	for _, e := range edges {
		parentIDs = append(parentIDs, e.ParentStepID)
	}
	var parents []domain.Step
	if err := t.Where("id IN ?", parentIDs).Find(&parents).Error; err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(parents))
	for _, p := range parents {
		if domain.StepTerminalSuccessStates[p.State] {
			out[p.Name] = p.Results
		}
	}
	return out, nil
}

// topologicalOrder performs a Kahn topological sort over the task's step
// DAG, stable by step creation order among ties (mirrors the stage-DAG
// validator in the orchestration engine this package is modeled on). An
// edge set that cannot be fully ordered is a cycle: surfaced loudly as
// apierr.ErrDependencyCycle, since it signals a data-integrity bug rather
// than a transient condition.
func topologicalOrder(stepIDsByCreation []uuid.UUID, edges []*domain.StepDependency) ([]uuid.UUID, error) {
	if len(stepIDsByCreation) == 0 {
		return nil, nil
	}
	out := map[uuid.UUID][]uuid.UUID{}
	indeg := map[uuid.UUID]int{}
	for _, e := range edges {
		out[e.ParentStepID] = append(out[e.ParentStepID], e.ChildStepID)
		indeg[e.ChildStepID]++
	}

	order := make([]uuid.UUID, 0, len(stepIDsByCreation))
	added := map[uuid.UUID]bool{}
	remaining := len(stepIDsByCreation)
	for remaining > 0 {
		progressed := false
		// Iterate in creation order every pass so roots and ties resolve
		// deterministically, matching the stable Kahn's-algorithm style of
		// the orchestration engine this discovery query is grounded on.
		for _, n := range stepIDsByCreation {
			if added[n] || indeg[n] != 0 {
				continue
			}
			added[n] = true
			order = append(order, n)
			remaining--
			progressed = true
			for _, child := range out[n] {
				indeg[child]--
			}
		}
		if !progressed {
			return nil, apierr.ErrDependencyCycle
		}
	}
	return order, nil
}

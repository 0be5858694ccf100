package repos

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/taskflow-core/internal/data/repos/testutil"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
)

func TestTopologicalOrder_DetectsCycle(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	edges := []*domain.StepDependency{
		{ParentStepID: a, ChildStepID: b},
		{ParentStepID: b, ChildStepID: c},
		{ParentStepID: c, ChildStepID: a},
	}
	_, err := topologicalOrder([]uuid.UUID{a, b, c}, edges)
	if !errors.Is(err, apierr.ErrDependencyCycle) {
		t.Fatalf("expected ErrDependencyCycle, got %v", err)
	}
}

func TestTopologicalOrder_DiamondRootsFirstStableTies(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	edges := []*domain.StepDependency{
		{ParentStepID: a, ChildStepID: b},
		{ParentStepID: a, ChildStepID: c},
		{ParentStepID: b, ChildStepID: d},
		{ParentStepID: c, ChildStepID: d},
	}
	order, err := topologicalOrder([]uuid.UUID{a, b, c, d}, edges)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 4 || order[0] != a || order[3] != d {
		t.Fatalf("expected a first and d last, got %v", order)
	}
	// b and c are ties; creation order (b before c) must be preserved.
	if order[1] != b || order[2] != c {
		t.Fatalf("expected stable tie-break b,c got %v,%v", order[1], order[2])
	}
}

func TestTopologicalOrder_IsolatedStepWithNoEdges(t *testing.T) {
	solo := uuid.New()
	order, err := topologicalOrder([]uuid.UUID{solo}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 1 || order[0] != solo {
		t.Fatalf("expected single isolated step to appear, got %v", order)
	}
}

func TestDiscoveryRepo_ViableSteps_DiamondAfterRootCompletes(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	taskRepo := NewTaskRepo(db, testutil.Logger(t))
	stepRepo := NewStepRepo(db, testutil.Logger(t))
	discovery := NewDiscoveryRepo(db, testutil.Logger(t))

	task := &domain.Task{ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "diamond", TemplateVersion: "1", State: domain.TaskStepsInProcess}
	if _, err := taskRepo.Create(dbc, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	now := time.Now()
	mk := func(name string, offset time.Duration) *domain.Step {
		return &domain.Step{
			ID: uuid.New(), TaskID: task.ID, Name: name, HandlerCallable: "noop",
			Inputs: datatypes.JSON([]byte(`{}`)), MaxAttempts: 3,
			BackoffBaseSec: 1, BackoffMaxSec: 30, BackoffJitter: 0,
			State: domain.StepPending, CreatedAt: now.Add(offset),
		}
	}
	a := mk("a", 0)
	b := mk("b", time.Millisecond)
	c := mk("c", 2*time.Millisecond)
	d := mk("d", 3*time.Millisecond)
	if _, err := stepRepo.CreateBatch(dbc, []*domain.Step{a, b, c, d}); err != nil {
		t.Fatalf("create steps: %v", err)
	}
	edges := []*domain.StepDependency{
		{TaskID: task.ID, ParentStepID: a.ID, ChildStepID: b.ID},
		{TaskID: task.ID, ParentStepID: a.ID, ChildStepID: c.ID},
		{TaskID: task.ID, ParentStepID: b.ID, ChildStepID: d.ID},
		{TaskID: task.ID, ParentStepID: c.ID, ChildStepID: d.ID},
	}
	if err := stepRepo.CreateDependencies(dbc, edges); err != nil {
		t.Fatalf("create edges: %v", err)
	}

	ready, err := discovery.ViableSteps(dbc, task.ID, 0)
	if err != nil {
		t.Fatalf("ViableSteps: %v", err)
	}
	if len(ready) != 1 || ready[0].StepID != a.ID {
		t.Fatalf("expected only root 'a' ready, got %+v", ready)
	}

	ok, err := stepRepo.UpdateStateGuarded(dbc, a.ID, domain.StepPending, map[string]interface{}{
		"state": domain.StepComplete, "results": datatypes.JSON([]byte(`{"ok":true}`)),
	})
	if err != nil || !ok {
		t.Fatalf("complete a: ok=%v err=%v", ok, err)
	}

	ready, err = discovery.ViableSteps(dbc, task.ID, 0)
	if err != nil {
		t.Fatalf("ViableSteps after a completes: %v", err)
	}
	if len(ready) != 2 {
		t.Fatalf("expected b and c ready in parallel, got %d: %+v", len(ready), ready)
	}
	if ready[0].StepID != b.ID || ready[1].StepID != c.ID {
		t.Fatalf("expected b before c by creation order, got %+v", ready)
	}

	deps, err := discovery.LoadDependencyResults(dbc, b.ID)
	if err != nil {
		t.Fatalf("LoadDependencyResults: %v", err)
	}
	if string(deps["a"]) != `{"ok": true}` {
		t.Fatalf("expected b to see a's result, got %v", deps)
	}
}

func TestDiscoveryRepo_ViableSteps_TaskNotFound(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}
	discovery := NewDiscoveryRepo(db, testutil.Logger(t))

	_, err := discovery.ViableSteps(dbc, uuid.New(), 0)
	if !errors.Is(err, apierr.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

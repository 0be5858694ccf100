package repos

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/taskflow-core/internal/data/repos/testutil"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
)

func TestTaskRepo_CreateAndFindByIdentityHash(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewTaskRepo(db, testutil.Logger(t))

	task := &domain.Task{
		ID:                uuid.New(),
		TemplateNamespace: "orders",
		TemplateName:      "checkout",
		TemplateVersion:   "1",
		Context:           datatypes.JSON([]byte(`{"n":4}`)),
		IdentityHash:      "abc123",
		State:             domain.TaskPending,
		FailurePolicy:     domain.FailurePolicyOperatorResolve,
	}
	if _, err := repo.Create(dbc, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != domain.TaskPending {
		t.Fatalf("got state %s, want pending", got.State)
	}

	found, err := repo.FindByIdentityHash(dbc, "abc123")
	if err != nil {
		t.Fatalf("FindByIdentityHash: %v", err)
	}
	if found == nil || found.ID != task.ID {
		t.Fatalf("expected to find task by identity hash")
	}

	missing, err := repo.FindByIdentityHash(dbc, "does-not-exist")
	if err != nil {
		t.Fatalf("FindByIdentityHash(missing): %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown identity hash")
	}
}

func TestTaskRepo_UpdateStateGuarded(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewTaskRepo(db, testutil.Logger(t))

	task := &domain.Task{ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "n", TemplateVersion: "1", State: domain.TaskPending}
	if _, err := repo.Create(dbc, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ok, err := repo.UpdateStateGuarded(dbc, task.ID, domain.TaskPending, map[string]interface{}{"state": domain.TaskInitializing})
	if err != nil {
		t.Fatalf("UpdateStateGuarded: %v", err)
	}
	if !ok {
		t.Fatalf("expected guard to pass when expected state matches")
	}

	// A second caller racing with a stale expectation must fail the guard.
	ok2, err := repo.UpdateStateGuarded(dbc, task.ID, domain.TaskPending, map[string]interface{}{"state": domain.TaskEnqueuingSteps})
	if err != nil {
		t.Fatalf("UpdateStateGuarded (race): %v", err)
	}
	if ok2 {
		t.Fatalf("expected guard to fail: task is no longer Pending")
	}

	got, err := repo.GetByID(dbc, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.State != domain.TaskInitializing {
		t.Fatalf("got state %s, want initializing (the losing update must not apply)", got.State)
	}
}

func TestTaskRepo_ListCandidatesForEnqueue_OrdersByPriorityThenAge(t *testing.T) {
	db := testutil.DB(t)
	tx := testutil.Tx(t, db)
	dbc := dbctx.Context{Ctx: context.Background(), Tx: tx}

	repo := NewTaskRepo(db, testutil.Logger(t))

	now := time.Now()
	low := &domain.Task{ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "n", TemplateVersion: "1", State: domain.TaskEnqueuingSteps, Priority: 0, CreatedAt: now.Add(-1 * time.Hour)}
	high := &domain.Task{ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "n", TemplateVersion: "1", State: domain.TaskEnqueuingSteps, Priority: 10, CreatedAt: now}
	done := &domain.Task{ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "n", TemplateVersion: "1", State: domain.TaskComplete, Priority: 100, CreatedAt: now}

	for _, task := range []*domain.Task{low, high, done} {
		if _, err := repo.Create(dbc, task); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	cands, err := repo.ListCandidatesForEnqueue(dbc, 10)
	if err != nil {
		t.Fatalf("ListCandidatesForEnqueue: %v", err)
	}
	if len(cands) != 2 {
		t.Fatalf("expected 2 candidates (completed task excluded), got %d", len(cands))
	}
	if cands[0].ID != high.ID {
		t.Fatalf("expected higher-priority task first, got %s", cands[0].ID)
	}
}

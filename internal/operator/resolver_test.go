package operator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/data/repos/testutil"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/notify"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
)

type noopNotifier = notify.NoopNotifier

func testDBC() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

func newTestResolver(t *testing.T) (*Resolver, repos.TaskRepo, repos.StepRepo) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	taskRepo := repos.NewTaskRepo(db, log)
	stepRepo := repos.NewStepRepo(db, log)
	transitionRepo := repos.NewTransitionRepo(db, log)
	queueRepo := repos.NewQueueRepo(db, log)
	cfg := &config.Config{
		BreakerMaxRequests: 1, BreakerInterval: time.Minute, BreakerTimeout: time.Second, BreakerFailureThreshold: 0.6,
	}
	queue := messaging.NewPostgresQueue(queueRepo, nil, cfg, log)
	resolver := NewResolver(db, taskRepo, stepRepo, transitionRepo, queue, noopNotifier{}, log)
	return resolver, taskRepo, stepRepo
}

func seedBlockedTask(t *testing.T, tasks repos.TaskRepo) *domain.Task {
	t.Helper()
	task := &domain.Task{
		ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "tmpl", TemplateVersion: "v1",
		Context: datatypes.JSON([]byte(`{}`)), CorrelationID: "corr-block",
		FailurePolicy: domain.FailurePolicyOperatorResolve, State: domain.TaskBlockedByFailures,
		CreatedAt: time.Now(),
	}
	if _, err := tasks.Create(testDBC(), task); err != nil {
		t.Fatalf("seed blocked task: %v", err)
	}
	return task
}

func TestResolver_ResolveTaskMovesBlockedTaskToResolvedManually(t *testing.T) {
	resolver, tasks, _ := newTestResolver(t)
	task := seedBlockedTask(t, tasks)

	got, err := resolver.ResolveTask(context.Background(), task.ID, "fixed upstream data")
	if err != nil {
		t.Fatalf("resolve task: %v", err)
	}
	if got.State != domain.TaskResolvedManually {
		t.Fatalf("expected resolved_manually, got %s", got.State)
	}
	if got.Error != "fixed upstream data" {
		t.Fatalf("expected note persisted as error field, got %q", got.Error)
	}
	if got.CompletedAt == nil {
		t.Fatalf("expected completed_at to be set")
	}
}

func TestResolver_ResolveTaskRejectsNonBlockedTask(t *testing.T) {
	resolver, tasks, _ := newTestResolver(t)
	task := &domain.Task{
		ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "tmpl", TemplateVersion: "v1",
		Context: datatypes.JSON([]byte(`{}`)), CorrelationID: "corr-active",
		FailurePolicy: domain.FailurePolicyOperatorResolve, State: domain.TaskStepsInProcess,
		CreatedAt: time.Now(),
	}
	if _, err := tasks.Create(testDBC(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	if _, err := resolver.ResolveTask(context.Background(), task.ID, ""); err == nil {
		t.Fatalf("expected resolve to fail for a task not in blocked_by_failures")
	}
}

func TestResolver_CancelTaskCascadesToNonTerminalSteps(t *testing.T) {
	resolver, tasks, steps := newTestResolver(t)
	task := &domain.Task{
		ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "tmpl", TemplateVersion: "v1",
		Context: datatypes.JSON([]byte(`{}`)), CorrelationID: "corr-cancel",
		FailurePolicy: domain.FailurePolicyOperatorResolve, State: domain.TaskStepsInProcess,
		CreatedAt: time.Now(),
	}
	if _, err := tasks.Create(testDBC(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	inFlight := &domain.Step{
		ID: uuid.New(), TaskID: task.ID, Name: "inflight", HandlerCallable: "echo",
		Inputs: datatypes.JSON([]byte(`{}`)), MaxAttempts: 1, BackoffBaseSec: 1, BackoffMaxSec: 30, BackoffJitter: 0.2,
		State: domain.StepInProgress, CreatedAt: time.Now(),
	}
	if _, err := steps.CreateBatch(testDBC(), []*domain.Step{inFlight}); err != nil {
		t.Fatalf("seed step: %v", err)
	}

	got, err := resolver.CancelTask(context.Background(), task.ID, "operator requested cancellation")
	if err != nil {
		t.Fatalf("cancel task: %v", err)
	}
	if got.State != domain.TaskCancelled {
		t.Fatalf("expected task cancelled, got %s", got.State)
	}

	reloadedStep, err := steps.GetByID(testDBC(), inFlight.ID)
	if err != nil {
		t.Fatalf("reload step: %v", err)
	}
	if reloadedStep.State != domain.StepCancelled {
		t.Fatalf("expected in-flight step cascaded to cancelled, got %s", reloadedStep.State)
	}
}

func TestResolver_ResolveStepOnlyLegalFromError(t *testing.T) {
	resolver, tasks, steps := newTestResolver(t)
	task := &domain.Task{
		ID: uuid.New(), TemplateNamespace: "ns", TemplateName: "tmpl", TemplateVersion: "v1",
		Context: datatypes.JSON([]byte(`{}`)), CorrelationID: "corr-step",
		FailurePolicy: domain.FailurePolicyOperatorResolve, State: domain.TaskBlockedByFailures,
		CreatedAt: time.Now(),
	}
	if _, err := tasks.Create(testDBC(), task); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	failed := &domain.Step{
		ID: uuid.New(), TaskID: task.ID, Name: "broken", HandlerCallable: "always_fail_permanent",
		Inputs: datatypes.JSON([]byte(`{}`)), MaxAttempts: 1, BackoffBaseSec: 1, BackoffMaxSec: 30, BackoffJitter: 0.2,
		State: domain.StepError, CreatedAt: time.Now(),
	}
	if _, err := steps.CreateBatch(testDBC(), []*domain.Step{failed}); err != nil {
		t.Fatalf("seed step: %v", err)
	}

	got, err := resolver.ResolveStep(context.Background(), failed.ID, "manually verified output")
	if err != nil {
		t.Fatalf("resolve step: %v", err)
	}
	if got.State != domain.StepResolvedManually {
		t.Fatalf("expected resolved_manually, got %s", got.State)
	}

	inProgress := &domain.Step{
		ID: uuid.New(), TaskID: task.ID, Name: "running", HandlerCallable: "echo",
		Inputs: datatypes.JSON([]byte(`{}`)), MaxAttempts: 1, BackoffBaseSec: 1, BackoffMaxSec: 30, BackoffJitter: 0.2,
		State: domain.StepInProgress, CreatedAt: time.Now(),
	}
	if _, err := steps.CreateBatch(testDBC(), []*domain.Step{inProgress}); err != nil {
		t.Fatalf("seed in-progress step: %v", err)
	}
	if _, err := resolver.ResolveStep(context.Background(), inProgress.ID, ""); err == nil {
		t.Fatalf("expected resolve to fail for a step not in error state")
	}
}

package actors

import (
	"testing"

	"github.com/flowforge/taskflow-core/internal/domain"
)

func TestTaskFinalizerActor_AllStepsCompleteMarksTaskDone(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-ok-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	seedStep(t, h, task.ID, "one", "echo", domain.StepComplete, 1, 1)
	seedStep(t, h, task.ID, "two", "echo", domain.StepSkipped, 0, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State != domain.TaskComplete {
		t.Fatalf("expected task complete once every step is complete or skipped, got %s", got.State)
	}
	if len(h.notifier.done) != 1 {
		t.Fatalf("expected TaskDone notified once, got %d", len(h.notifier.done))
	}
}

func TestTaskFinalizerActor_FailedStepBlocksUnderOperatorResolvePolicy(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-block-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	seedStep(t, h, task.ID, "one", "echo", domain.StepComplete, 1, 1)
	seedStep(t, h, task.ID, "two", "always_fail_permanent", domain.StepError, 1, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State != domain.TaskBlockedByFailures {
		t.Fatalf("expected task blocked_by_failures under operator_resolve policy, got %s", got.State)
	}
	if len(h.notifier.blocked) != 1 {
		t.Fatalf("expected TaskBlocked notified once, got %d", len(h.notifier.blocked))
	}
}

func TestTaskFinalizerActor_FailedStepAutoFailsUnderAutoFailPolicy(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-autofail-ns", domain.TaskEvaluatingResults, domain.FailurePolicyAutoFail)
	seedStep(t, h, task.ID, "one", "always_fail_permanent", domain.StepError, 1, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State != domain.TaskError {
		t.Fatalf("expected task error under auto_fail policy, got %s", got.State)
	}
	if len(h.notifier.failed) != 1 {
		t.Fatalf("expected TaskFailed notified once, got %d", len(h.notifier.failed))
	}
}

func TestTaskFinalizerActor_AllStepsCancelledCancelsTask(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-cancel-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	seedStep(t, h, task.ID, "one", "echo", domain.StepCancelled, 0, 1)
	seedStep(t, h, task.ID, "two", "echo", domain.StepCancelled, 0, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State != domain.TaskCancelled {
		t.Fatalf("expected task cancelled when every step is cancelled, got %s", got.State)
	}
	if len(h.notifier.cancelled) != 1 {
		t.Fatalf("expected TaskCancelled notified once, got %d", len(h.notifier.cancelled))
	}
}

func TestTaskFinalizerActor_AllStepsSkippedDoesNotAutoComplete(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-allskip-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	seedStep(t, h, task.ID, "one", "echo", domain.StepSkipped, 0, 1)
	seedStep(t, h, task.ID, "two", "echo", domain.StepSkipped, 0, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State == domain.TaskComplete {
		t.Fatalf("expected a task with zero successful steps to never auto-complete, got %s", got.State)
	}
	if got.State != domain.TaskBlockedByFailures {
		t.Fatalf("expected all-skipped task to route through the blocking branch, got %s", got.State)
	}
}

func TestTaskFinalizerActor_ManuallyResolvedStepStillCountsAsFailedBucket(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-manual-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	seedStep(t, h, task.ID, "one", "echo", domain.StepComplete, 1, 1)
	seedStep(t, h, task.ID, "two", "echo", domain.StepResolvedManually, 1, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State != domain.TaskBlockedByFailures {
		t.Fatalf("expected a manually resolved step to still route the task through the failed bucket, not auto-complete it; got %s", got.State)
	}
}

func TestTaskFinalizerActor_SkipsClassificationWhileStepsStillNonTerminal(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "fin-wip-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	seedStep(t, h, task.ID, "one", "echo", domain.StepInProgress, 1, 1)

	actor := h.taskFinalizerActor()
	actor.classify(ctx(), task.ID)

	got, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if got.State != domain.TaskEvaluatingResults {
		t.Fatalf("expected task state untouched while a step is still non-terminal, got %s", got.State)
	}
}

package actors

import (
	"encoding/json"
	"testing"

	"github.com/flowforge/taskflow-core/internal/domain"
)

func TestResultProcessorActor_SuccessCompletesStepAndSignalsDownstream(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "rp-ns", domain.TaskStepsInProcess, domain.FailurePolicyOperatorResolve)
	step := seedStep(t, h, task.ID, "only", "echo", domain.StepEnqueued, 1, 1)

	actor := h.resultProcessorActor()
	result := StepResultMessage{StepID: step.ID, WorkerID: "worker-1", Success: true, Result: map[string]any{"ok": true}, ExecutionDurationMs: 42}
	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx(), QueueStepResults, payload, 0, ""); err != nil {
		t.Fatalf("enqueue result: %v", err)
	}
	claimed, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 claimed result, got %d", len(claimed))
	}

	actor.process(ctx(), claimed[0])

	got, err := h.steps.GetByID(dbCtx(), step.ID)
	if err != nil {
		t.Fatalf("load step: %v", err)
	}
	if got.State != domain.StepComplete {
		t.Fatalf("expected step complete, got %s", got.State)
	}

	reloadedTask, err := h.tasks.GetByID(dbCtx(), task.ID)
	if err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if reloadedTask.State != domain.TaskEvaluatingResults {
		t.Fatalf("expected task advanced to evaluating_results, got %s", reloadedTask.State)
	}

	enqueueSignals, err := h.queue.Claim(ctx(), QueueTasksNeedingEnqueue, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim enqueue signal: %v", err)
	}
	if len(enqueueSignals) != 1 {
		t.Fatalf("expected StepEnqueuerActor signalled once, got %d", len(enqueueSignals))
	}
	finalizeSignals, err := h.queue.Claim(ctx(), QueueTasksNeedingFinalize, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim finalize signal: %v", err)
	}
	if len(finalizeSignals) != 1 {
		t.Fatalf("expected TaskFinalizerActor signalled once, got %d", len(finalizeSignals))
	}
}

func TestResultProcessorActor_RetryableFailureSchedulesBackoff(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "rp-retry-ns", domain.TaskStepsInProcess, domain.FailurePolicyOperatorResolve)
	step := seedStep(t, h, task.ID, "flaky", "always_fail_retryable", domain.StepEnqueued, 1, 3)

	actor := h.resultProcessorActor()
	result := StepResultMessage{
		StepID: step.ID, WorkerID: "worker-1", Success: false,
		Error: &StepResultError{Message: "transient", ErrorType: "timeout", Retryable: true},
	}
	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx(), QueueStepResults, payload, 0, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	actor.process(ctx(), claimed[0])

	got, err := h.steps.GetByID(dbCtx(), step.ID)
	if err != nil {
		t.Fatalf("load step: %v", err)
	}
	if got.State != domain.StepWaitingForRetry {
		t.Fatalf("expected step waiting_for_retry with attempts remaining, got %s", got.State)
	}
	if got.NextRetryAt == nil {
		t.Fatalf("expected next_retry_at to be set")
	}
}

func TestResultProcessorActor_ExhaustedRetriesFailsStepEvenIfRetryable(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "rp-exhaust-ns", domain.TaskStepsInProcess, domain.FailurePolicyOperatorResolve)
	step := seedStep(t, h, task.ID, "flaky", "always_fail_retryable", domain.StepEnqueued, 3, 3)

	actor := h.resultProcessorActor()
	result := StepResultMessage{
		StepID: step.ID, WorkerID: "worker-1", Success: false,
		Error: &StepResultError{Message: "still failing", ErrorType: "timeout", Retryable: true},
	}
	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx(), QueueStepResults, payload, 0, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	actor.process(ctx(), claimed[0])

	got, err := h.steps.GetByID(dbCtx(), step.ID)
	if err != nil {
		t.Fatalf("load step: %v", err)
	}
	if got.State != domain.StepError {
		t.Fatalf("expected step error once attempts are exhausted, even though the failure was retryable, got %s", got.State)
	}
}

func TestResultProcessorActor_PermanentFailureGoesStraightToError(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "rp-perm-ns", domain.TaskStepsInProcess, domain.FailurePolicyOperatorResolve)
	step := seedStep(t, h, task.ID, "bad-input", "always_fail_permanent", domain.StepEnqueued, 1, 3)

	actor := h.resultProcessorActor()
	result := StepResultMessage{
		StepID: step.ID, WorkerID: "worker-1", Success: false,
		Error: &StepResultError{Message: "bad request", ErrorType: "validation", Retryable: false},
	}
	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx(), QueueStepResults, payload, 0, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	actor.process(ctx(), claimed[0])

	got, err := h.steps.GetByID(dbCtx(), step.ID)
	if err != nil {
		t.Fatalf("load step: %v", err)
	}
	if got.State != domain.StepError {
		t.Fatalf("expected step error for a non-retryable failure, got %s", got.State)
	}
}

func TestResultProcessorActor_CheckpointReEnqueuesInsteadOfCompleting(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "rp-ckpt-ns", domain.TaskStepsInProcess, domain.FailurePolicyOperatorResolve)
	step := seedStep(t, h, task.ID, "long-running", "echo", domain.StepEnqueued, 1, 3)

	actor := h.resultProcessorActor()
	result := StepResultMessage{
		StepID: step.ID, WorkerID: "worker-1", Success: false,
		Checkpoint: map[string]any{"progress": 0.5}, CheckpointDone: false,
	}
	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx(), QueueStepResults, payload, 0, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	actor.process(ctx(), claimed[0])

	got, err := h.steps.GetByID(dbCtx(), step.ID)
	if err != nil {
		t.Fatalf("load step: %v", err)
	}
	if got.State != domain.StepEnqueued {
		t.Fatalf("expected step to remain enqueued after a checkpoint (worker keeps the step), got %s", got.State)
	}
	if len(got.Checkpoint) == 0 {
		t.Fatalf("expected checkpoint payload to be persisted")
	}
}

func TestResultProcessorActor_StaleResultForAlreadyTerminalStepIsIgnored(t *testing.T) {
	h := newHarness(t)
	task := seedTask(t, h, "rp-stale-ns", domain.TaskEvaluatingResults, domain.FailurePolicyOperatorResolve)
	step := seedStep(t, h, task.ID, "done", "echo", domain.StepComplete, 1, 1)

	actor := h.resultProcessorActor()
	result := StepResultMessage{StepID: step.ID, WorkerID: "worker-2", Success: true, Result: map[string]any{"ok": true}}
	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := h.queue.Enqueue(ctx(), QueueStepResults, payload, 0, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	actor.process(ctx(), claimed[0])

	remaining, err := h.queue.Claim(ctx(), QueueStepResults, 10, h.cfg.QueueVisibilityTimeout)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the stale redelivery to be completed off the queue, %d still pending", len(remaining))
	}
}

package actors

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/notify"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
	"github.com/flowforge/taskflow-core/internal/statemachine"
)

const actorNameTaskFinalizer = "TaskFinalizerActor"

// TaskFinalizerActor classifies a task once every step in its DAG has
// reached a terminal state: complete, blocked, or failed, depending on the
// step-state histogram and the task's failure policy. It is the only actor
// that moves a task into a terminal or blocked state, except that
// StepEnqueuerActor fails a task outright when its step graph has a cycle.
type TaskFinalizerActor struct {
	db          *gorm.DB
	tasks       repos.TaskRepo
	steps       repos.StepRepo
	transitions repos.TransitionRepo
	queue       messaging.Queue
	notifier    notify.TaskNotifier
	cfg         *config.Config
	log         *logger.Logger
}

func NewTaskFinalizerActor(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.StepRepo,
	transitions repos.TransitionRepo,
	queue messaging.Queue,
	notifier notify.TaskNotifier,
	cfg *config.Config,
	baseLog *logger.Logger,
) *TaskFinalizerActor {
	return &TaskFinalizerActor{
		db: db, tasks: tasks, steps: steps, transitions: transitions,
		queue: queue, notifier: notifier, cfg: cfg, log: baseLog.With("actor", actorNameTaskFinalizer),
	}
}

func (a *TaskFinalizerActor) Run(ctx context.Context) error {
	return messaging.RunHybridLoop(ctx, a.queue, QueueTasksNeedingFinalize, a.cfg.ActorPollInterval, a.tick)
}

func (a *TaskFinalizerActor) tick(ctx context.Context) {
	seen := map[uuid.UUID]bool{}

	claimed, err := a.queue.Claim(ctx, QueueTasksNeedingFinalize, a.cfg.QueueClaimBatchSize, a.cfg.QueueVisibilityTimeout)
	if err != nil {
		a.log.Warn("claim finalize signal queue failed", "error", err)
	}
	for _, msg := range claimed {
		var ptr TaskPointer
		if err := json.Unmarshal(msg.Payload, &ptr); err != nil {
			a.log.Error("malformed task pointer, discarding", "error", err, "message_id", msg.ID)
			_ = a.queue.Complete(ctx, msg.ID)
			continue
		}
		if !seen[ptr.TaskID] {
			seen[ptr.TaskID] = true
			a.classify(ctx, ptr.TaskID)
		}
		if err := a.queue.Complete(ctx, msg.ID); err != nil {
			a.log.Warn("failed to complete finalize signal message", "error", err)
		}
	}

	dbc := dbctx.Context{Ctx: ctx}
	candidates, err := a.tasks.ListCandidatesForFinalize(dbc, a.cfg.QueueClaimBatchSize)
	if err != nil {
		a.log.Warn("list finalize candidates failed", "error", err)
		return
	}
	for _, task := range candidates {
		if seen[task.ID] {
			continue
		}
		a.classify(ctx, task.ID)
	}
}

// classify loads the task's step histogram and, if every step has reached a
// terminal state, determines the single declared event that applies and
// applies it in one transaction alongside the audit record.
func (a *TaskFinalizerActor) classify(ctx context.Context, taskID uuid.UUID) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := a.tasks.GetByID(dbc, taskID)
	if err != nil {
		a.log.Warn("task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if task.State.Terminal() {
		return
	}
	if task.State != domain.TaskEvaluatingResults && task.State != domain.TaskWaitingForDependencies {
		// Still in StepsInProcess or earlier; ResultProcessorActor hasn't
		// moved it into an evaluable posture yet.
		return
	}

	histogram, err := a.steps.StateHistogram(dbc, taskID)
	if err != nil {
		a.log.Warn("state histogram failed", "task_id", taskID, "error", err)
		return
	}
	if len(histogram) == 0 || anyNonTerminal(histogram) {
		return
	}

	event, reason := classifyHistogram(histogram, task.FailurePolicy)
	if event == "" {
		return
	}

	target, err := statemachine.TaskNextState(task.State, event)
	if err != nil {
		a.log.Warn("no declared transition for classification outcome", "task_id", taskID, "from", task.State, "event", event, "error", err)
		return
	}

	updates := map[string]interface{}{"state": target}
	if reason != "" {
		updates["error"] = reason
	}
	applied := false
	err = a.db.Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		ok, err := a.tasks.UpdateStateGuarded(txc, taskID, task.State, updates)
		if err != nil || !ok {
			return err
		}
		if err := appendTransition(txc, a.transitions, domain.EntityTask, taskID, string(task.State), string(target), string(event), actorNameTaskFinalizer, task.CorrelationID, "", target == domain.TaskComplete, nil, nil); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		a.log.Warn("task finalize transition failed", "task_id", taskID, "error", err)
		return
	}
	if !applied {
		return
	}

	a.notify(task.CorrelationID, taskID, target, reason)
}

// classifyHistogram implements the task-completion decision: complete only
// if every step terminated as Complete, Skipped or Cancelled AND at least
// one step actually Completed — a task whose steps were all Skipped never
// produced a successful result and falls through to the blocking branch
// instead. A task whose steps are all Cancelled is cancelled. Otherwise, if
// any step failed, the failure policy decides between blocking for an
// operator and auto-failing the task outright; any remaining mix blocks.
func classifyHistogram(histogram map[domain.StepState]int, policy domain.FailurePolicy) (domain.Event, string) {
	total := 0
	for _, c := range histogram {
		total += c
	}
	succeededOrSkipped := histogram[domain.StepComplete] + histogram[domain.StepSkipped]
	cancelled := histogram[domain.StepCancelled]
	failed := histogram[domain.StepError] + histogram[domain.StepResolvedManually]

	switch {
	case succeededOrSkipped+cancelled == total && histogram[domain.StepComplete] > 0:
		return domain.EventAllStepsComplete, ""
	case cancelled == total:
		return domain.EventAllCancelled, ""
	case failed > 0:
		if policy == domain.FailurePolicyAutoFail {
			return domain.EventAutoFail, "one or more steps failed and failure_policy is auto_fail"
		}
		return domain.EventFailuresBlocking, "one or more steps failed; awaiting operator resolution"
	default:
		// Every step terminal but none failed or cancelled in a way that
		// falls into the branches above (e.g. a mix of cancelled and
		// skipped). Treat as blocking so an operator can decide.
		return domain.EventFailuresBlocking, "task has no path to completion; all steps terminal but none succeeded"
	}
}

func (a *TaskFinalizerActor) notify(correlationID string, taskID uuid.UUID, target domain.TaskState, reason string) {
	switch target {
	case domain.TaskComplete:
		a.notifier.TaskDone(correlationID, taskID)
	case domain.TaskCancelled:
		a.notifier.TaskCancelled(correlationID, taskID)
	case domain.TaskError:
		a.notifier.TaskFailed(correlationID, taskID, reason)
	case domain.TaskBlockedByFailures:
		a.notifier.TaskBlocked(correlationID, taskID, reason)
	}
}

package actors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
	"github.com/flowforge/taskflow-core/internal/statemachine"
)

const actorNameStepEnqueuer = "StepEnqueuerActor"

// StepEnqueuerActor turns viable-step discovery into step work messages. It
// claims work two ways: signal messages on tasks_needing_enqueue (fast
// path) and a direct scan of ListCandidatesForEnqueue (safety net against a
// lost or coalesced signal).
type StepEnqueuerActor struct {
	db          *gorm.DB
	tasks       repos.TaskRepo
	steps       repos.StepRepo
	discovery   repos.DiscoveryRepo
	transitions repos.TransitionRepo
	queue       messaging.Queue
	cfg         *config.Config
	log         *logger.Logger
}

func NewStepEnqueuerActor(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.StepRepo,
	discovery repos.DiscoveryRepo,
	transitions repos.TransitionRepo,
	queue messaging.Queue,
	cfg *config.Config,
	baseLog *logger.Logger,
) *StepEnqueuerActor {
	return &StepEnqueuerActor{
		db: db, tasks: tasks, steps: steps, discovery: discovery, transitions: transitions,
		queue: queue, cfg: cfg, log: baseLog.With("actor", actorNameStepEnqueuer),
	}
}

func (a *StepEnqueuerActor) Run(ctx context.Context) error {
	return messaging.RunHybridLoop(ctx, a.queue, QueueTasksNeedingEnqueue, a.cfg.ActorPollInterval, a.tick)
}

func (a *StepEnqueuerActor) tick(ctx context.Context) {
	seen := map[uuid.UUID]bool{}

	claimed, err := a.queue.Claim(ctx, QueueTasksNeedingEnqueue, a.cfg.QueueClaimBatchSize, a.cfg.QueueVisibilityTimeout)
	if err != nil {
		a.log.Warn("claim signal queue failed", "error", err)
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
			a.processTask(ctx, ptr.TaskID)
		}
		if err := a.queue.Complete(ctx, msg.ID); err != nil {
			a.log.Warn("failed to complete signal message", "error", err)
		}
	}

	dbc := dbctx.Context{Ctx: ctx}
	candidates, err := a.tasks.ListCandidatesForEnqueue(dbc, a.cfg.QueueClaimBatchSize)
	if err != nil {
		a.log.Warn("list enqueue candidates failed", "error", err)
		return
	}
	for _, task := range candidates {
		if seen[task.ID] {
			continue
		}
		a.processTask(ctx, task.ID)
	}
}

// processTask runs viable-step discovery for one task and enqueues every
// ready step, each in its own guarded transaction so one racing enqueuer
// losing a guard never rolls back another step's progress.
func (a *StepEnqueuerActor) processTask(ctx context.Context, taskID uuid.UUID) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := a.tasks.GetByID(dbc, taskID)
	if err != nil {
		a.log.Warn("task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if task.State.Terminal() {
		return
	}

	ready, err := a.discovery.ViableSteps(dbc, taskID, 0)
	if err != nil {
		if err == apierr.ErrDependencyCycle {
			a.log.Error("step graph cycle detected, failing task", "task_id", taskID)
			a.failTaskIntegrity(ctx, task, "dependency cycle detected in step graph")
			return
		}
		a.log.Warn("viable step discovery failed", "task_id", taskID, "error", err)
		return
	}

	enqueuedAny := false
	for _, step := range ready {
		if a.enqueueOneStep(ctx, task, step) {
			enqueuedAny = true
		}
	}

	if enqueuedAny {
		a.advanceTask(ctx, task, domain.EventStepsEnqueued)
		return
	}

	// Nothing enqueued this pass. If the task still has non-terminal steps
	// somewhere in the DAG, it is legitimately waiting on a dependency or a
	// backoff window; if every step is terminal, leave classification to
	// TaskFinalizerActor rather than guessing here.
	histogram, err := a.steps.StateHistogram(dbc, taskID)
	if err != nil {
		a.log.Warn("state histogram failed", "task_id", taskID, "error", err)
		return
	}
	if anyNonTerminal(histogram) {
		a.advanceTask(ctx, task, domain.EventNoStepsReady)
	} else {
		a.signalFinalizer(ctx, taskID)
	}
}

func (a *StepEnqueuerActor) enqueueOneStep(ctx context.Context, task *domain.Task, step repos.ReadyStep) bool {
	depResults, err := a.discovery.LoadDependencyResults(dbctx.Context{Ctx: ctx}, step.StepID)
	if err != nil {
		a.log.Warn("load dependency results failed", "step_id", step.StepID, "error", err)
		return false
	}
	depView := make(map[string]map[string]any, len(depResults))
	for name, raw := range depResults {
		var v map[string]any
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &v); err != nil {
				a.log.Warn("malformed dependency result, omitting", "step_id", step.StepID, "parent", name, "error", err)
				continue
			}
		}
		depView[name] = v
	}
	var inputs map[string]any
	if len(step.Inputs) > 0 {
		if err := json.Unmarshal(step.Inputs, &inputs); err != nil {
			a.log.Error("malformed step inputs, not enqueuing step", "step_id", step.StepID, "error", err)
			return false
		}
	}

	workMsg := StepWorkMessage{
		StepID: step.StepID, TaskID: step.TaskID, HandlerCallable: step.HandlerCallable,
		Inputs: inputs, DependencyResults: depView, Attempts: step.Attempts, MaxAttempts: step.MaxAttempts,
		CorrelationID: task.CorrelationID,
	}
	payload, err := json.Marshal(workMsg)
	if err != nil {
		a.log.Error("marshal step work message failed", "step_id", step.StepID, "error", err)
		return false
	}

	ok := false
	err = a.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		guarded, gerr := a.steps.UpdateStateGuarded(dbc, step.StepID, currentExpectedState(step), map[string]interface{}{
			"state":             domain.StepEnqueued,
			"attempts":          step.Attempts + 1,
			"last_attempted_at": time.Now(),
		})
		if gerr != nil {
			return gerr
		}
		if !guarded {
			// Another enqueuer already claimed this step this tick; not an
			// error, just nothing to do.
			return nil
		}
		queueName := StepQueueName(task.TemplateNamespace)
		if _, err := a.queue.Enqueue(ctx, queueName, payload, task.Priority, step.StepID.String()); err != nil {
			return err
		}
		if err := appendTransition(dbc, a.transitions, domain.EntityStep, step.StepID, string(currentExpectedState(step)), string(domain.StepEnqueued), string(domain.EventEnqueue), actorNameStepEnqueuer, task.CorrelationID, "", true, nil, nil); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		a.log.Warn("enqueue step failed", "step_id", step.StepID, "error", err)
		return false
	}
	return ok
}

// currentExpectedState infers whether a ready step was Pending or
// WaitingForRetry before this pass: discovery only ever returns steps in
// one of those two states, and retries have Attempts > 0.
func currentExpectedState(step repos.ReadyStep) domain.StepState {
	if step.Attempts > 0 {
		return domain.StepWaitingForRetry
	}
	return domain.StepPending
}

// advanceTask applies event to task.State via the declared transition
// table. A no-op (state already equals the declared target) still signals
// the finalizer on EventStepsEnqueued so a delayed signal never strands a
// task that reached StepsInProcess through another actor's pass.
func (a *StepEnqueuerActor) advanceTask(ctx context.Context, task *domain.Task, event domain.Event) {
	target, err := statemachine.TaskNextState(task.State, event)
	if err != nil {
		a.log.Warn("no declared transition, leaving task state as-is", "task_id", task.ID, "from", task.State, "event", event, "error", err)
		return
	}
	if task.State == target {
		if event == domain.EventStepsEnqueued {
			a.signalFinalizer(ctx, task.ID)
		}
		return
	}
	applied := false
	err = a.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		ok, err := a.tasks.UpdateStateGuarded(dbc, task.ID, task.State, map[string]interface{}{"state": target})
		if err != nil || !ok {
			return err
		}
		if err := appendTransition(dbc, a.transitions, domain.EntityTask, task.ID, string(task.State), string(target), string(event), actorNameStepEnqueuer, task.CorrelationID, "", true, nil, nil); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		a.log.Warn("task state transition failed", "task_id", task.ID, "error", err)
		return
	}
	if !applied {
		return
	}
	if target == domain.TaskStepsInProcess {
		a.signalFinalizer(ctx, task.ID)
	}
}

func (a *StepEnqueuerActor) failTaskIntegrity(ctx context.Context, task *domain.Task, reason string) {
	_ = a.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		ok, err := a.tasks.UpdateStateGuarded(dbc, task.ID, task.State, map[string]interface{}{"state": domain.TaskError, "error": reason})
		if err != nil || !ok {
			return err
		}
		return appendTransition(dbc, a.transitions, domain.EntityTask, task.ID, string(task.State), string(domain.TaskError), string(domain.EventAutoFail), actorNameStepEnqueuer, task.CorrelationID, "", false, nil, nil)
	})
}

func (a *StepEnqueuerActor) signalFinalizer(ctx context.Context, taskID uuid.UUID) {
	if _, err := a.queue.Enqueue(ctx, QueueTasksNeedingFinalize, mustJSON(TaskPointer{TaskID: taskID}), 0, taskID.String()); err != nil {
		a.log.Warn("failed to signal TaskFinalizerActor", "task_id", taskID, "error", err)
	}
}

func anyNonTerminal(histogram map[domain.StepState]int) bool {
	for state, count := range histogram {
		if count > 0 && !state.Terminal() {
			return true
		}
	}
	return false
}

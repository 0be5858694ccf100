// Package operator is the read/write surface for humans: a gin-gonic HTTP
// API that lets an operator inspect a task's current state and transition
// history, and resolve a blocked task or a permanently failed step by hand
// when the failure policy calls for operator_resolve rather than auto_fail.
// It never takes a shortcut around the guarded-write path the actors use —
// every mutation here goes through the same UpdateStateGuarded and
// appendTransition machinery, just driven by an HTTP request instead of a
// queue message.
package operator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/actors"
	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/notify"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
	"github.com/flowforge/taskflow-core/internal/statemachine"
)

const actorNameOperator = "operator"

// Resolver performs every state-mutating operation the HTTP handlers
// expose. It is deliberately thin: the handlers translate HTTP in and out,
// this type owns the transaction and the guarded write.
type Resolver struct {
	db          *gorm.DB
	tasks       repos.TaskRepo
	steps       repos.StepRepo
	transitions repos.TransitionRepo
	queue       messaging.Queue
	notifier    notify.TaskNotifier
	log         *logger.Logger
}

func NewResolver(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.StepRepo,
	transitions repos.TransitionRepo,
	queue messaging.Queue,
	notifier notify.TaskNotifier,
	baseLog *logger.Logger,
) *Resolver {
	return &Resolver{
		db: db, tasks: tasks, steps: steps, transitions: transitions,
		queue: queue, notifier: notifier, log: baseLog.With("component", "operator.Resolver"),
	}
}

// TaskView is the read shape for GET /tasks/:id: the task row plus its
// steps and dependency edges, everything a human needs to understand why a
// task is stuck without issuing three separate requests.
type TaskView struct {
	Task  *domain.Task             `json:"task"`
	Steps []*domain.Step           `json:"steps"`
	Edges []*domain.StepDependency `json:"dependencies"`
}

func (r *Resolver) GetTask(ctx context.Context, taskID uuid.UUID) (*TaskView, error) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := r.tasks.GetByID(dbc, taskID)
	if err != nil {
		return nil, err
	}
	steps, err := r.steps.ListByTask(dbc, taskID)
	if err != nil {
		return nil, err
	}
	edges, err := r.steps.ListDependenciesByTask(dbc, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskView{Task: task, Steps: steps, Edges: edges}, nil
}

func (r *Resolver) GetStep(ctx context.Context, stepID uuid.UUID) (*domain.Step, error) {
	return r.steps.GetByID(dbctx.Context{Ctx: ctx}, stepID)
}

func (r *Resolver) ListTaskTransitions(ctx context.Context, taskID uuid.UUID) ([]*domain.TransitionRecord, error) {
	return r.transitions.ListByEntity(dbctx.Context{Ctx: ctx}, domain.EntityTask, taskID)
}

func (r *Resolver) ListStepTransitions(ctx context.Context, stepID uuid.UUID) ([]*domain.TransitionRecord, error) {
	return r.transitions.ListByEntity(dbctx.Context{Ctx: ctx}, domain.EntityStep, stepID)
}

// ResolveTask applies EventResolveManually to a task stuck in
// blocked_by_failures, the only state the transition table declares it
// legal from. The caller-supplied note is recorded as the task's terminal
// error field, the same way an auto-failed task records its reason.
func (r *Resolver) ResolveTask(ctx context.Context, taskID uuid.UUID, note string) (*domain.Task, error) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := r.tasks.GetByID(dbc, taskID)
	if err != nil {
		return nil, err
	}
	target, err := statemachine.TaskNextState(task.State, domain.EventResolveManually)
	if err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"state": target, "completed_at": ptrNow()}
	if note != "" {
		updates["error"] = note
	}
	err = r.db.Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		ok, err := r.tasks.UpdateStateGuarded(txc, taskID, task.State, updates)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.GuardViolationf("task %s is no longer in %s", taskID, task.State)
		}
		return appendOperatorTransition(txc, r.transitions, domain.EntityTask, taskID, string(task.State), string(target), note, true)
	})
	if err != nil {
		return nil, err
	}
	r.notifier.TaskDone(task.CorrelationID, taskID)
	return r.tasks.GetByID(dbc, taskID)
}

// CancelTask applies EventCancel, legal from any non-terminal task state,
// and cascades to every non-terminal step so a worker mid-flight on a
// cancelled task's step sees a terminal row the next time it reports a
// result rather than silently succeeding into a dead task.
func (r *Resolver) CancelTask(ctx context.Context, taskID uuid.UUID, reason string) (*domain.Task, error) {
	var task *domain.Task
	err := r.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		t, err := r.tasks.GetByID(dbc, taskID)
		if err != nil {
			return err
		}
		target, err := statemachine.TaskNextState(t.State, domain.EventCancel)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"state": target, "completed_at": ptrNow()}
		if reason != "" {
			updates["error"] = reason
		}
		ok, err := r.tasks.UpdateStateGuarded(dbc, taskID, t.State, updates)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.GuardViolationf("task %s is no longer in %s", taskID, t.State)
		}
		if _, err := r.steps.CancelNonTerminalByTask(dbc, taskID); err != nil {
			return err
		}
		if err := appendOperatorTransition(dbc, r.transitions, domain.EntityTask, taskID, string(t.State), string(target), reason, true); err != nil {
			return err
		}
		task = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.notifier.TaskCancelled(task.CorrelationID, taskID)
	return r.tasks.GetByID(dbctx.Context{Ctx: ctx}, taskID)
}

// ResolveStep marks a permanently failed step resolved_manually: a record
// correction an operator makes after fixing the underlying cause out of
// band (e.g. a bad external dependency), not a retry. It does not mark the
// step's dependents viable on its own, since resolved_manually is not a
// terminal-success state for discovery purposes. TaskFinalizerActor still
// counts a resolved_manually step in its failed bucket; this call only
// re-signals the finalizer in case every other step in the task is already
// terminal.
func (r *Resolver) ResolveStep(ctx context.Context, stepID uuid.UUID, note string) (*domain.Step, error) {
	var step *domain.Step
	var taskID uuid.UUID
	err := r.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		s, err := r.steps.GetByID(dbc, stepID)
		if err != nil {
			return err
		}
		target, err := statemachine.StepNextState(s.State, domain.EventResolveManually)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{"state": target}
		if note != "" {
			updates["error"] = note
		}
		ok, err := r.steps.UpdateStateGuarded(dbc, stepID, s.State, updates)
		if err != nil {
			return err
		}
		if !ok {
			return apierr.GuardViolationf("step %s is no longer in %s", stepID, s.State)
		}
		if err := appendOperatorTransition(dbc, r.transitions, domain.EntityStep, stepID, string(s.State), string(target), note, true); err != nil {
			return err
		}
		step = s
		taskID = s.TaskID
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.signalFinalizer(ctx, taskID)
	return r.steps.GetByID(dbctx.Context{Ctx: ctx}, stepID)
}

func (r *Resolver) signalFinalizer(ctx context.Context, taskID uuid.UUID) {
	payload, err := json.Marshal(actors.TaskPointer{TaskID: taskID})
	if err != nil {
		r.log.Warn("marshal task pointer failed", "task_id", taskID, "error", err)
		return
	}
	if _, err := r.queue.Enqueue(ctx, actors.QueueTasksNeedingFinalize, payload, 0, taskID.String()); err != nil {
		r.log.Warn("signal TaskFinalizerActor failed", "task_id", taskID, "error", err)
	}
}

func appendOperatorTransition(dbc dbctx.Context, transitions repos.TransitionRepo, kind domain.EntityKind, entityID uuid.UUID, from, to, reason string, success bool) error {
	rec := &domain.TransitionRecord{
		EntityKind: kind, EntityID: entityID,
		FromState: from, ToState: to, Event: string(domain.EventResolveManually),
		Actor: actorNameOperator, Success: success, RecordedAt: time.Now(),
	}
	if kind == domain.EntityTask && to == string(domain.TaskCancelled) {
		rec.Event = string(domain.EventCancel)
	}
	if kind == domain.EntityStep && to == string(domain.StepCancelled) {
		rec.Event = string(domain.EventCancel)
	}
	_, err := transitions.Append(dbc, rec)
	return err
}

func ptrNow() *time.Time {
	t := time.Now()
	return &t
}

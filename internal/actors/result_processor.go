package actors

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

const actorNameResultProcessor = "ResultProcessorActor"

// ResultProcessorActor ingests worker results from step_results, applies
// the step FSM's completion/failure/retry transitions, and nudges the task
// toward re-evaluation. It is the only actor that ever writes a step's
// Results or Error field.
type ResultProcessorActor struct {
	db          *gorm.DB
	tasks       repos.TaskRepo
	steps       repos.StepRepo
	transitions repos.TransitionRepo
	queue       messaging.Queue
	cfg         *config.Config
	log         *logger.Logger
}

func NewResultProcessorActor(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.StepRepo,
	transitions repos.TransitionRepo,
	queue messaging.Queue,
	cfg *config.Config,
	baseLog *logger.Logger,
) *ResultProcessorActor {
	return &ResultProcessorActor{
		db: db, tasks: tasks, steps: steps, transitions: transitions,
		queue: queue, cfg: cfg, log: baseLog.With("actor", actorNameResultProcessor),
	}
}

func (a *ResultProcessorActor) Run(ctx context.Context) error {
	return messaging.RunHybridLoop(ctx, a.queue, QueueStepResults, a.cfg.ActorPollInterval, a.tick)
}

func (a *ResultProcessorActor) tick(ctx context.Context) {
	claimed, err := a.queue.Claim(ctx, QueueStepResults, a.cfg.QueueClaimBatchSize, a.cfg.QueueVisibilityTimeout)
	if err != nil {
		a.log.Warn("claim step results failed", "error", err)
		return
	}
	for _, msg := range claimed {
		a.process(ctx, msg)
	}
}

func (a *ResultProcessorActor) process(ctx context.Context, msg messaging.ClaimedMessage) {
	var result StepResultMessage
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		a.log.Error("malformed step result, sending to DLQ", "error", err, "message_id", msg.ID)
		_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.Permanent), err.Error())
		return
	}

	taskID, outcome, err := a.applyResult(ctx, result)
	if err != nil {
		if apierr.ClassificationOf(err) == apierr.Transient {
			a.log.Warn("result processing failed transiently, will retry on redelivery", "step_id", result.StepID, "error", err)
			_ = a.queue.Release(ctx, msg.ID)
			return
		}
		a.log.Error("result processing failed", "step_id", result.StepID, "error", err)
		_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.ClassificationOf(err)), err.Error())
		return
	}

	if err := a.queue.Complete(ctx, msg.ID); err != nil {
		a.log.Warn("failed to complete step result message", "error", err)
	}

	if taskID == uuid.Nil {
		return
	}

	// Give the task a chance to re-enter an active evaluating posture, then
	// wake both downstream actors: StepEnqueuer in case this result unblocked
	// a child, TaskFinalizer in case this was the last outstanding step.
	a.advanceTaskToEvaluating(ctx, taskID)
	if outcome == resultOutcomeCheckpoint {
		if _, err := a.queue.Enqueue(ctx, QueueTasksNeedingEnqueue, mustJSON(TaskPointer{TaskID: taskID}), 0, ""); err != nil {
			a.log.Warn("failed to signal StepEnqueuerActor after checkpoint", "task_id", taskID, "error", err)
		}
		return
	}
	if _, err := a.queue.Enqueue(ctx, QueueTasksNeedingEnqueue, mustJSON(TaskPointer{TaskID: taskID}), 0, ""); err != nil {
		a.log.Warn("failed to signal StepEnqueuerActor", "task_id", taskID, "error", err)
	}
	if _, err := a.queue.Enqueue(ctx, QueueTasksNeedingFinalize, mustJSON(TaskPointer{TaskID: taskID}), 0, ""); err != nil {
		a.log.Warn("failed to signal TaskFinalizerActor", "task_id", taskID, "error", err)
	}
}

type resultOutcome int

const (
	resultOutcomeComplete resultOutcome = iota
	resultOutcomeRetry
	resultOutcomeFailed
	resultOutcomeCheckpoint
)

// applyResult loads the step, advances it through Enqueued->InProgress (the
// implicit claim a worker performs just by picking up the work message) and
// then to its terminal or retry state, all inside one transaction guarded
// by the step's current state. A result for a step that is neither
// terminal nor Enqueued/InProgress/EnqueuedForOrchestration is rejected as
// a permanent invalid_state error, which dead-letters the message.
func (a *ResultProcessorActor) applyResult(ctx context.Context, result StepResultMessage) (uuid.UUID, resultOutcome, error) {
	var taskID uuid.UUID
	var outcome resultOutcome

	err := a.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}
		step, err := a.steps.GetByID(dbc, result.StepID)
		if err != nil {
			return apierr.Transientf(0, "load step: %w", err)
		}
		taskID = step.TaskID

		if step.State.Terminal() {
			// Stale redelivery of a result for a step already finalized by a
			// previous delivery; nothing further to do.
			return nil
		}

		fromState := step.State
		if fromState != domain.StepEnqueued && fromState != domain.StepInProgress && fromState != domain.StepEnqueuedForOrchestration {
			return apierr.Permanentf("invalid_state", "%w: step %s is %s", apierr.ErrInvalidState, step.ID, fromState)
		}
		if fromState == domain.StepEnqueued {
			if ok, err := a.steps.UpdateStateGuarded(dbc, step.ID, domain.StepEnqueued, map[string]interface{}{"state": domain.StepInProgress}); err != nil {
				return apierr.Transientf(0, "claim step: %w", err)
			} else if !ok {
				return apierr.GuardViolationf("step %s no longer enqueued", step.ID)
			}
			_ = appendTransition(dbc, a.transitions, domain.EntityStep, step.ID, string(domain.StepEnqueued), string(domain.StepInProgress), string(domain.EventClaim), actorNameResultProcessor, "", result.WorkerID, true, nil, nil)
			fromState = domain.StepInProgress
		}

		durMs := result.ExecutionDurationMs
		switch {
		case !result.CheckpointDone && len(result.Checkpoint) > 0:
			outcome = resultOutcomeCheckpoint
			return a.applyCheckpoint(dbc, step, fromState, result)
		case result.Success:
			outcome = resultOutcomeComplete
			return a.applyComplete(dbc, step, fromState, result, durMs)
		default:
			return a.applyFailure(dbc, step, fromState, result, durMs, &outcome)
		}
	})
	if err != nil {
		return uuid.Nil, outcome, err
	}
	return taskID, outcome, nil
}

func (a *ResultProcessorActor) applyComplete(dbc dbctx.Context, step *domain.Step, fromState domain.StepState, result StepResultMessage, durMs int64) error {
	resultJSON, err := json.Marshal(result.Result)
	if err != nil {
		return apierr.Permanentf("invalid_result", "marshal step result: %w", err)
	}
	updates := map[string]interface{}{
		"state":        domain.StepComplete,
		"results":      datatypes.JSON(resultJSON),
		"processed_at": time.Now(),
	}
	ok, err := a.steps.UpdateStateGuarded(dbc, step.ID, fromState, updates)
	if err != nil {
		return apierr.Transientf(0, "complete step: %w", err)
	}
	if !ok {
		return apierr.GuardViolationf("step %s state changed before completion", step.ID)
	}
	d := durMs
	return appendTransition(dbc, a.transitions, domain.EntityStep, step.ID, string(fromState), string(domain.StepComplete), string(domain.EventComplete), actorNameResultProcessor, "", result.WorkerID, true, &d, resultJSON)
}

func (a *ResultProcessorActor) applyFailure(dbc dbctx.Context, step *domain.Step, fromState domain.StepState, result StepResultMessage, durMs int64, outcome *resultOutcome) error {
	msg, errType, code, retryable, backoffReq := "", "", "", false, (*int)(nil)
	if result.Error != nil {
		msg, errType, code, retryable, backoffReq = result.Error.Message, result.Error.ErrorType, result.Error.ErrorCode, result.Error.Retryable, result.Error.BackoffRequestSeconds
	}

	attemptsExhausted := step.Attempts >= step.MaxAttempts
	if retryable && !attemptsExhausted {
		*outcome = resultOutcomeRetry
		curve := domain.RetryCurve{BaseSeconds: step.BackoffBaseSec, MaxSeconds: step.BackoffMaxSec, JitterFrac: step.BackoffJitter}
		delay := domain.ComputeBackoff(curve, step.Attempts, backoffReq)
		next := time.Now().Add(delay)
		updates := map[string]interface{}{
			"state":               domain.StepWaitingForRetry,
			"error":               msg,
			"error_code":          code,
			"next_retry_at":       next,
			"backoff_request_sec": backoffReq,
		}
		ok, err := a.steps.UpdateStateGuarded(dbc, step.ID, fromState, updates)
		if err != nil {
			return apierr.Transientf(0, "mark step retryable: %w", err)
		}
		if !ok {
			return apierr.GuardViolationf("step %s state changed before retry scheduling", step.ID)
		}
		d := durMs
		return appendTransition(dbc, a.transitions, domain.EntityStep, step.ID, string(fromState), string(domain.StepWaitingForRetry), string(domain.EventRetry), actorNameResultProcessor, "", result.WorkerID, false, &d, nil)
	}

	*outcome = resultOutcomeFailed
	event := domain.EventFail
	if attemptsExhausted {
		event = domain.EventExhaust
	}
	updates := map[string]interface{}{
		"state":      domain.StepError,
		"error":      msg,
		"error_code": code,
	}
	_ = errType
	ok, err := a.steps.UpdateStateGuarded(dbc, step.ID, fromState, updates)
	if err != nil {
		return apierr.Transientf(0, "mark step failed: %w", err)
	}
	if !ok {
		return apierr.GuardViolationf("step %s state changed before failure recorded", step.ID)
	}
	d := durMs
	return appendTransition(dbc, a.transitions, domain.EntityStep, step.ID, string(fromState), string(domain.StepError), string(event), actorNameResultProcessor, "", result.WorkerID, false, &d, nil)
}

func (a *ResultProcessorActor) applyCheckpoint(dbc dbctx.Context, step *domain.Step, fromState domain.StepState, result StepResultMessage) error {
	checkpointJSON, err := json.Marshal(result.Checkpoint)
	if err != nil {
		return apierr.Permanentf("invalid_checkpoint", "marshal checkpoint: %w", err)
	}
	updates := map[string]interface{}{
		"state":      domain.StepEnqueued,
		"checkpoint": datatypes.JSON(checkpointJSON),
	}
	ok, err := a.steps.UpdateStateGuarded(dbc, step.ID, fromState, updates)
	if err != nil {
		return apierr.Transientf(0, "checkpoint step: %w", err)
	}
	if !ok {
		return apierr.GuardViolationf("step %s state changed before checkpoint recorded", step.ID)
	}
	return appendTransition(dbc, a.transitions, domain.EntityStep, step.ID, string(fromState), string(domain.StepEnqueued), string(domain.EventCheckpoint), actorNameResultProcessor, "", result.WorkerID, true, nil, checkpointJSON)
}

// advanceTaskToEvaluating guard-transitions the task from StepsInProcess to
// EvaluatingResults so TaskFinalizerActor's classification logic (which only
// runs from EvaluatingResults or WaitingForDependencies) can consider it.
// A guard failure here just means another actor already moved the task
// on; that is not an error.
func (a *ResultProcessorActor) advanceTaskToEvaluating(ctx context.Context, taskID uuid.UUID) {
	dbc := dbctx.Context{Ctx: ctx}
	task, err := a.tasks.GetByID(dbc, taskID)
	if err != nil {
		a.log.Warn("task lookup failed", "task_id", taskID, "error", err)
		return
	}
	if task.State != domain.TaskStepsInProcess {
		return
	}
	err = a.db.Transaction(func(tx *gorm.DB) error {
		txc := dbctx.Context{Ctx: ctx, Tx: tx}
		ok, err := a.tasks.UpdateStateGuarded(txc, taskID, domain.TaskStepsInProcess, map[string]interface{}{"state": domain.TaskEvaluatingResults})
		if err != nil || !ok {
			return err
		}
		return appendTransition(txc, a.transitions, domain.EntityTask, taskID, string(domain.TaskStepsInProcess), string(domain.TaskEvaluatingResults), string(domain.EventResultIngested), actorNameResultProcessor, task.CorrelationID, "", true, nil, nil)
	})
	if err != nil {
		a.log.Warn("task transition to evaluating_results failed", "task_id", taskID, "error", err)
	}
}

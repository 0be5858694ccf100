package actors

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/notify"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
	"github.com/flowforge/taskflow-core/internal/template"
)

const actorNameTaskRequest = "TaskRequestActor"

// TaskRequestActor converts a task_requests message into persisted task and
// step rows. It is the only actor that ever inserts a new Task row.
type TaskRequestActor struct {
	db         *gorm.DB
	tasks      repos.TaskRepo
	steps      repos.StepRepo
	transitions repos.TransitionRepo
	registry   template.Registry
	queue      messaging.Queue
	notifier   notify.TaskNotifier
	cfg        *config.Config
	log        *logger.Logger
}

func NewTaskRequestActor(
	db *gorm.DB,
	tasks repos.TaskRepo,
	steps repos.StepRepo,
	transitions repos.TransitionRepo,
	registry template.Registry,
	queue messaging.Queue,
	notifier notify.TaskNotifier,
	cfg *config.Config,
	baseLog *logger.Logger,
) *TaskRequestActor {
	return &TaskRequestActor{
		db: db, tasks: tasks, steps: steps, transitions: transitions,
		registry: registry, queue: queue, notifier: notifier, cfg: cfg,
		log: baseLog.With("actor", actorNameTaskRequest),
	}
}

// Run drives the hybrid poll+push loop against task_requests until ctx is
// cancelled.
func (a *TaskRequestActor) Run(ctx context.Context) error {
	return messaging.RunHybridLoop(ctx, a.queue, QueueTaskRequests, a.cfg.ActorPollInterval, a.tick)
}

func (a *TaskRequestActor) tick(ctx context.Context) {
	claimed, err := a.queue.Claim(ctx, QueueTaskRequests, a.cfg.QueueClaimBatchSize, a.cfg.QueueVisibilityTimeout)
	if err != nil {
		a.log.Warn("claim failed", "error", err)
		return
	}
	for _, msg := range claimed {
		a.process(ctx, msg)
	}
}

func (a *TaskRequestActor) process(ctx context.Context, msg messaging.ClaimedMessage) {
	var req TaskRequestMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		a.log.Error("malformed task request, sending to DLQ", "error", err, "message_id", msg.ID)
		_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.Permanent), fmt.Sprintf("unmarshal: %v", err))
		return
	}
	if req.TemplateName == "" || req.Namespace == "" || req.Version == "" {
		a.log.Error("task request missing required fields", "message_id", msg.ID)
		_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.Permanent), "missing template_name/namespace/version")
		return
	}

	tmpl, err := a.registry.Resolve(ctx, req.Namespace, req.TemplateName, req.Version)
	if err != nil {
		a.log.Error("template not found", "namespace", req.Namespace, "name", req.TemplateName, "version", req.Version, "error", err)
		_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.Permanent), err.Error())
		return
	}

	taskID, identityHash, dupErr := a.materialize(ctx, req, tmpl)
	if dupErr != nil {
		if dupErr == apierr.ErrDuplicateTask {
			a.log.Warn("duplicate task rejected by identity policy", "identity_hash", identityHash)
			_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.Permanent), dupErr.Error())
			return
		}
		if apierr.ClassificationOf(dupErr) == apierr.Transient {
			a.log.Warn("task materialization failed transiently, will retry on redelivery", "error", dupErr)
			_ = a.queue.Release(ctx, msg.ID)
			return
		}
		a.log.Error("task materialization failed", "error", dupErr)
		_ = a.queue.DeadLetter(ctx, msg.ID, string(apierr.ClassificationOf(dupErr)), dupErr.Error())
		return
	}

	if err := a.queue.Complete(ctx, msg.ID); err != nil {
		a.log.Warn("failed to delete processed task request message", "error", err)
	}
	a.notifier.TaskCreated(req.CorrelationID, taskID)

	// Signal StepEnqueuerActor so it doesn't have to wait for its own poll
	// tick to discover the new task.
	if _, err := a.queue.Enqueue(ctx, QueueTasksNeedingEnqueue, mustJSON(TaskPointer{TaskID: taskID}), req.Priority, taskID.String()); err != nil {
		a.log.Warn("failed to signal StepEnqueuerActor", "task_id", taskID, "error", err)
	}
}

// materialize performs the identity check, the task/step/edge/
// transition-record insert, and the Pending->Initializing->EnqueuingSteps
// transitions, all in a single transaction.
func (a *TaskRequestActor) materialize(ctx context.Context, req TaskRequestMessage, tmpl *domain.Template) (uuid.UUID, string, error) {
	var taskID uuid.UUID
	var identityHash string

	err := a.db.Transaction(func(tx *gorm.DB) error {
		dbc := dbctx.Context{Ctx: ctx, Tx: tx}

		canonicalCtx, err := canonicalJSON(req.Context)
		if err != nil {
			return apierr.Permanentf("invalid_context", "canonicalize context: %w", err)
		}
		identityHash = computeIdentityHash(tmpl.Namespace, tmpl.Name, tmpl.Version, canonicalCtx)

		if tmpl.IdentityPolicy == "reject_duplicates" {
			existing, err := a.tasks.FindByIdentityHash(dbc, identityHash)
			if err != nil {
				return apierr.Transientf(0, "identity lookup: %w", err)
			}
			if existing != nil {
				return apierr.ErrDuplicateTask
			}
		}

		failurePolicy := domain.FailurePolicyOperatorResolve
		if tmpl.FailurePolicy == string(domain.FailurePolicyAutoFail) {
			failurePolicy = domain.FailurePolicyAutoFail
		}
		task := &domain.Task{
			ID:                uuid.New(),
			TemplateNamespace: tmpl.Namespace,
			TemplateName:      tmpl.Name,
			TemplateVersion:   tmpl.Version,
			Context:           datatypes.JSON(canonicalCtx),
			IdentityHash:      identityHash,
			CorrelationID:     req.CorrelationID,
			Priority:          req.Priority,
			Initiator:         req.Initiator,
			SourceSystem:      req.SourceSystem,
			Reason:            req.Reason,
			FailurePolicy:     failurePolicy,
			State:             domain.TaskPending,
			CreatedAt:         time.Now(),
			RequestedAt:       ptrTime(time.Now()),
		}
		if req.Tags != nil {
			if tagsJSON, err := json.Marshal(req.Tags); err == nil {
				task.Tags = datatypes.JSON(tagsJSON)
			}
		}
		if _, err := a.tasks.Create(dbc, task); err != nil {
			return apierr.Transientf(0, "insert task: %w", err)
		}
		taskID = task.ID

		stepByName := map[string]*domain.Step{}
		steps := make([]*domain.Step, 0, len(tmpl.Steps))
		for _, def := range tmpl.Steps {
			curve := def.RetryCurve
			if curve == (domain.RetryCurve{}) {
				curve = domain.RetryCurve{BaseSeconds: a.cfg.DefaultRetryBaseSeconds, MaxSeconds: a.cfg.DefaultRetryMaxSeconds, JitterFrac: a.cfg.DefaultRetryJitterFrac}
			}
			inputs, err := json.Marshal(def.DefaultInputs)
			if err != nil {
				return apierr.Permanentf("invalid_inputs", "marshal step inputs for %s: %w", def.Name, err)
			}
			maxAttempts := def.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = 1
			}
			s := &domain.Step{
				ID: uuid.New(), TaskID: taskID, Name: def.Name, HandlerCallable: def.HandlerCallable,
				Inputs: datatypes.JSON(inputs), MaxAttempts: maxAttempts,
				BackoffBaseSec: curve.BaseSeconds, BackoffMaxSec: curve.MaxSeconds, BackoffJitter: curve.JitterFrac,
				State: domain.StepPending, CreatedAt: time.Now(),
			}
			steps = append(steps, s)
			stepByName[def.Name] = s
		}
		if _, err := a.steps.CreateBatch(dbc, steps); err != nil {
			return apierr.Transientf(0, "insert steps: %w", err)
		}

		edges := make([]*domain.StepDependency, 0, len(tmpl.Dependencies))
		for _, dep := range tmpl.Dependencies {
			parent, ok := stepByName[dep.ParentStepName]
			if !ok {
				return apierr.Integrityf("unknown_dependency", "template %s/%s@%s references unknown parent step %q", tmpl.Namespace, tmpl.Name, tmpl.Version, dep.ParentStepName)
			}
			child, ok := stepByName[dep.ChildStepName]
			if !ok {
				return apierr.Integrityf("unknown_dependency", "template %s/%s@%s references unknown child step %q", tmpl.Namespace, tmpl.Name, tmpl.Version, dep.ChildStepName)
			}
			edges = append(edges, &domain.StepDependency{ID: uuid.New(), TaskID: taskID, ParentStepID: parent.ID, ChildStepID: child.ID})
		}
		if len(edges) > 0 {
			if err := a.steps.CreateDependencies(dbc, edges); err != nil {
				return apierr.Transientf(0, "insert dependency edges: %w", err)
			}
		}

		// Initial transition record: "" -> Pending, then the two
		// bookkeeping transitions that follow it.
		if err := appendTransition(dbc, a.transitions, domain.EntityTask, taskID, "", string(domain.TaskPending), string(domain.EventInitialize), actorNameTaskRequest, req.CorrelationID, "", true, nil, nil); err != nil {
			return apierr.Transientf(0, "append initial transition: %w", err)
		}
		if ok, err := a.tasks.UpdateStateGuarded(dbc, taskID, domain.TaskPending, map[string]interface{}{"state": domain.TaskInitializing}); err != nil || !ok {
			return apierr.Transientf(0, "transition to initializing: ok=%v err=%w", ok, err)
		}
		if err := appendTransition(dbc, a.transitions, domain.EntityTask, taskID, string(domain.TaskPending), string(domain.TaskInitializing), string(domain.EventInitialize), actorNameTaskRequest, req.CorrelationID, "", true, nil, nil); err != nil {
			return apierr.Transientf(0, "append transition: %w", err)
		}

		if ok, err := a.tasks.UpdateStateGuarded(dbc, taskID, domain.TaskInitializing, map[string]interface{}{"state": domain.TaskEnqueuingSteps}); err != nil || !ok {
			return apierr.Transientf(0, "transition to enqueuing_steps: ok=%v err=%w", ok, err)
		}
		if err := appendTransition(dbc, a.transitions, domain.EntityTask, taskID, string(domain.TaskInitializing), string(domain.TaskEnqueuingSteps), string(domain.EventStepsPersisted), actorNameTaskRequest, req.CorrelationID, "", true, nil, nil); err != nil {
			return apierr.Transientf(0, "append transition: %w", err)
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, identityHash, err
	}
	return taskID, identityHash, nil
}

// canonicalJSON re-marshals an arbitrary JSON-able value with sorted object
// keys (encoding/json already sorts map[string]any keys, so round-tripping
// through it is sufficient) so two semantically-identical contexts always
// hash the same way regardless of client-supplied key order.
func canonicalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		v = map[string]any{}
	}
	return json.Marshal(v)
}

func computeIdentityHash(namespace, name, version string, canonicalCtx []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s/%s@%s\n", namespace, name, version)
	h.Write(canonicalCtx)
	return hex.EncodeToString(h.Sum(nil))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func ptrTime(t time.Time) *time.Time { return &t }

package actors

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/api/workflowservice/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// TickWorkflowName and TickActivityName are the Temporal names registered
// for the actor-tick workflow and its activity, parameterized by actor name
// so one workflow type drives all four actors under the temporal runtime.
const (
	TickWorkflowName = "ActorTickWorkflow"
	TickActivityName = "ActorTickActivity"
)

// continueAsNewAfterTicks bounds a single workflow execution's history so
// a long-lived actor never accumulates unbounded Temporal history.
const continueAsNewAfterTicks = 500

// TickWorkflow runs one named actor's tick loop as a Temporal workflow:
// execute the tick activity, sleep the poll interval, repeat, and
// ContinueAsNew once the tick count grows large enough to matter for
// workflow history size. It never returns on its own; only a workflow
// cancellation from the caller's context ends it.
func TickWorkflow(ctx workflow.Context, actorName string, pollInterval time.Duration) error {
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: pollInterval + 30*time.Second,
		HeartbeatTimeout:    pollInterval * 2,
	})

	for ticks := 0; ; ticks++ {
		if err := workflow.ExecuteActivity(ctx, TickActivityName, actorName).Get(ctx, nil); err != nil {
			return err
		}
		if ticks >= continueAsNewAfterTicks {
			return workflow.NewContinueAsNewError(ctx, TickWorkflowName, actorName, pollInterval)
		}
		if err := workflow.Sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
}

// TickActivities adapts each actor's private tick method into a single
// Temporal activity dispatched by actor name, so the Temporal worker and
// the native errgroup-based Supervisor drive the exact same tick bodies.
type TickActivities struct {
	log    *logger.Logger
	byName map[string]func(context.Context)
}

func NewTickActivities(log *logger.Logger, taskRequest *TaskRequestActor, stepEnqueuer *StepEnqueuerActor, resultProcessor *ResultProcessorActor, taskFinalizer *TaskFinalizerActor) *TickActivities {
	return &TickActivities{
		log: log.With("component", "TickActivities"),
		byName: map[string]func(context.Context){
			QueueTaskRequests:         taskRequest.tick,
			QueueTasksNeedingEnqueue:  stepEnqueuer.tick,
			QueueStepResults:          resultProcessor.tick,
			QueueTasksNeedingFinalize: taskFinalizer.tick,
		},
	}
}

// Tick is the Temporal activity body: look up the tick function for
// actorName and run exactly one pass. Heartbeating keeps Temporal from
// timing out a tick that happens to coincide with a slow Postgres round
// trip.
func (a *TickActivities) Tick(ctx context.Context, actorName string) error {
	activity.RecordHeartbeat(ctx)
	tick, ok := a.byName[actorName]
	if !ok {
		return fmt.Errorf("temporal actor runtime: unknown actor %q", actorName)
	}
	tick(ctx)
	return nil
}

// TemporalRunner starts a Temporal worker that polls one task queue and
// runs the tick workflow/activity pair for every actor named in
// actorNames, then (once per actor) kicks off its workflow execution with
// a deterministic workflow ID so a restart resumes the same run instead of
// starting a duplicate.
type TemporalRunner struct {
	log        *logger.Logger
	client     temporalsdkclient.Client
	taskQueue  string
	activities *TickActivities
	actorNames []string
	poll       time.Duration
}

func NewTemporalRunner(log *logger.Logger, client temporalsdkclient.Client, taskQueue string, activities *TickActivities, poll time.Duration, actorNames ...string) *TemporalRunner {
	return &TemporalRunner{
		log: log.With("component", "TemporalRunner"), client: client, taskQueue: taskQueue,
		activities: activities, actorNames: actorNames, poll: poll,
	}
}

// Run starts the worker and one workflow execution per actor, then blocks
// until ctx is cancelled.
func (r *TemporalRunner) Run(ctx context.Context) error {
	if r.client == nil {
		return fmt.Errorf("temporal actor runtime: client is not configured")
	}

	w := worker.New(r.client, r.taskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     workerConcurrency(),
		MaxConcurrentWorkflowTaskExecutionSize: workerConcurrency(),
	})
	w.RegisterWorkflowWithOptions(TickWorkflow, workflow.RegisterOptions{Name: TickWorkflowName})
	w.RegisterActivityWithOptions(r.activities.Tick, activity.RegisterOptions{Name: TickActivityName})

	if err := w.Start(); err != nil {
		return fmt.Errorf("temporal worker start: %w", err)
	}
	defer w.Stop()

	for _, name := range r.actorNames {
		_, err := r.client.ExecuteWorkflow(ctx, temporalsdkclient.StartWorkflowOptions{
			ID:                    "taskflow-actor-" + name,
			TaskQueue:             r.taskQueue,
			WorkflowIDReusePolicy: 0,
		}, TickWorkflow, name, r.poll)
		if err != nil {
			r.log.Warn("start actor tick workflow failed (may already be running)", "actor", name, "error", err)
		}
	}

	<-ctx.Done()
	return ctx.Err()
}

// EnsureNamespace registers namespace on the connected Temporal server if
// it does not already exist. Self-hosted development convenience; Temporal
// Cloud namespaces are expected to be pre-created and this is skipped
// there by leaving TASKFLOW_TEMPORAL_AUTO_REGISTER_NAMESPACE unset.
func EnsureNamespace(ctx context.Context, client temporalsdkclient.Client, namespace string, log *logger.Logger) error {
	if client == nil || strings.TrimSpace(namespace) == "" {
		return nil
	}
	if !envTrue("TASKFLOW_TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
		return nil
	}

	nsClient := client.WorkflowService()
	_, err := nsClient.DescribeNamespace(ctx, &workflowservice.DescribeNamespaceRequest{Namespace: namespace})
	if err == nil {
		return nil
	}
	var nfe *serviceerror.NamespaceNotFound
	if !errors.As(err, &nfe) {
		return fmt.Errorf("describe temporal namespace: %w", err)
	}

	retentionDays := 7
	_, regErr := nsClient.RegisterNamespace(ctx, &workflowservice.RegisterNamespaceRequest{
		Namespace:                        namespace,
		Description:                      "taskflow auto-registered namespace",
		WorkflowExecutionRetentionPeriod: durationpb.New(time.Duration(retentionDays) * 24 * time.Hour),
	})
	if regErr != nil {
		return fmt.Errorf("register temporal namespace: %w", regErr)
	}
	log.Info("registered temporal namespace", "namespace", namespace, "retention_days", retentionDays)
	return nil
}

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func workerConcurrency() int {
	v := strings.TrimSpace(os.Getenv("TASKFLOW_TEMPORAL_WORKER_CONCURRENCY"))
	if v == "" {
		return 4
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 4
	}
	return n
}

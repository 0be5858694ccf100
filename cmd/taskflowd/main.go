// Command taskflowd is the single process entrypoint: it wires every
// repository, the messaging layer, the template registry, the four
// cooperating actors, and the operator HTTP surface, then runs them all
// under one supervisor until SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/flowforge/taskflow-core/internal/actors"
	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/notify"
	"github.com/flowforge/taskflow-core/internal/operator"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	platformdb "github.com/flowforge/taskflow-core/internal/platform/db"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
	"github.com/flowforge/taskflow-core/internal/template"
)

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func main() {
	log, err := logger.New(os.Getenv("TASKFLOW_LOG_MODE"))
	if err != nil {
		fmt.Printf("init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config failed", "error", err)
		os.Exit(1)
	}

	dsn := platformdb.DSN()
	gormDB, err := platformdb.Connect(dsn)
	if err != nil {
		log.Error("connect postgres failed", "error", err)
		os.Exit(1)
	}
	log.Info("connected to postgres")
	if err := platformdb.AutoMigrate(gormDB); err != nil {
		log.Error("automigrate failed", "error", err)
		os.Exit(1)
	}
	log.Info("automigrate complete")

	taskRepo := repos.NewTaskRepo(gormDB, log)
	stepRepo := repos.NewStepRepo(gormDB, log)
	queueRepo := repos.NewQueueRepo(gormDB, log)
	transitionRepo := repos.NewTransitionRepo(gormDB, log)
	discoveryRepo := repos.NewDiscoveryRepo(gormDB, log)

	pgNotifier := messaging.NewPGNotifier(dsn, log)
	queue := messaging.NewPostgresQueue(queueRepo, pgNotifier, cfg, log)
	listener := messaging.NewPGListener(dsn, queue, log)

	taskNotifier := wireNotifier(log)

	registry := template.NewMemoryRegistry()
	seedExampleTemplates(registry)

	taskRequestActor := actors.NewTaskRequestActor(gormDB, taskRepo, stepRepo, transitionRepo, registry, queue, taskNotifier, cfg, log)
	stepEnqueuerActor := actors.NewStepEnqueuerActor(gormDB, taskRepo, stepRepo, discoveryRepo, transitionRepo, queue, cfg, log)
	resultProcessorActor := actors.NewResultProcessorActor(gormDB, taskRepo, stepRepo, transitionRepo, queue, cfg, log)
	taskFinalizerActor := actors.NewTaskFinalizerActor(gormDB, taskRepo, stepRepo, transitionRepo, queue, taskNotifier, cfg, log)

	supervisor := actors.NewSupervisor(log)
	if strings.EqualFold(cfg.ActorRuntime, "temporal") {
		runner, err := newTemporalActorRunner(log, cfg, taskRequestActor, stepEnqueuerActor, resultProcessorActor, taskFinalizerActor)
		if err != nil {
			log.Error("temporal actor runtime init failed", "error", err)
			os.Exit(1)
		}
		supervisor.Add("TemporalRunner", runner)
	} else {
		supervisor.Add(actors.QueueTaskRequests, taskRequestActor)
		supervisor.Add(actors.QueueTasksNeedingEnqueue, stepEnqueuerActor)
		supervisor.Add(actors.QueueStepResults, resultProcessorActor)
		supervisor.Add(actors.QueueTasksNeedingFinalize, taskFinalizerActor)
	}
	supervisor.WithListener(listener)

	resolver := operator.NewResolver(gormDB, taskRepo, stepRepo, transitionRepo, queue, taskNotifier, log)
	handlers := operator.NewHandlers(resolver)
	server := operator.NewServer(handlers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- supervisor.Run(ctx)
	}()

	if envTrue("TASKFLOW_RUN_HTTP", true) {
		addr := ":" + getEnv("TASKFLOW_HTTP_PORT", "8080")
		go func() {
			log.Info("operator HTTP surface listening", "address", addr)
			if err := server.Run(addr); err != nil {
				log.Warn("operator HTTP surface exited", "error", err)
			}
		}()
	}

	if err := <-errCh; err != nil {
		log.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

// newTemporalActorRunner dials the configured Temporal server and wires a
// TickActivities/TemporalRunner pair that drives the same four actors
// through Temporal workflows instead of native errgroup goroutines. Chosen
// with TASKFLOW_ACTOR_RUNTIME=temporal (actor.runtime in layered config);
// the native runtime above remains the default.
func newTemporalActorRunner(
	log *logger.Logger,
	cfg *config.Config,
	taskRequestActor *actors.TaskRequestActor,
	stepEnqueuerActor *actors.StepEnqueuerActor,
	resultProcessorActor *actors.ResultProcessorActor,
	taskFinalizerActor *actors.TaskFinalizerActor,
) (*actors.TemporalRunner, error) {
	address := getEnv("TEMPORAL_ADDRESS", "localhost:7233")
	namespace := getEnv("TEMPORAL_NAMESPACE", "taskflow")
	taskQueue := getEnv("TEMPORAL_TASK_QUEUE", "taskflow")

	client, err := temporalsdkclient.Dial(temporalsdkclient.Options{HostPort: address, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("dial temporal: %w", err)
	}
	if err := actors.EnsureNamespace(context.Background(), client, namespace, log); err != nil {
		log.Warn("temporal namespace ensure failed, worker will retry on start", "namespace", namespace, "error", err)
	}

	activities := actors.NewTickActivities(log, taskRequestActor, stepEnqueuerActor, resultProcessorActor, taskFinalizerActor)
	return actors.NewTemporalRunner(log, client, taskQueue, activities, cfg.ActorPollInterval,
		actors.QueueTaskRequests, actors.QueueTasksNeedingEnqueue, actors.QueueStepResults, actors.QueueTasksNeedingFinalize,
	), nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func wireNotifier(log *logger.Logger) notify.TaskNotifier {
	addr := os.Getenv("TASKFLOW_REDIS_ADDR")
	if addr == "" {
		log.Info("no redis address configured, task notifications are a no-op")
		return notify.NoopNotifier{}
	}
	redisNotifier, err := notify.NewRedisNotifier(addr, "taskflow", log)
	if err != nil {
		log.Warn("redis notifier init failed, falling back to no-op", "error", err)
		return notify.NoopNotifier{}
	}
	return redisNotifier
}

// seedExampleTemplates registers the small set of templates the example
// handlers in internal/runtime exercise, so a freshly started process has
// something immediately resolvable for local testing without a separate
// template-authoring step.
func seedExampleTemplates(registry *template.MemoryRegistry) {
	registry.Register(&domain.Template{
		Namespace: "examples", Name: "linear", Version: "v1",
		Steps: []domain.TemplateStepDef{
			{Name: "first", HandlerCallable: "echo", MaxAttempts: 1},
			{Name: "second", HandlerCallable: "echo", MaxAttempts: 1},
		},
		Dependencies: []domain.TemplateDependencyDef{
			{ParentStepName: "first", ChildStepName: "second"},
		},
	})
	registry.Register(&domain.Template{
		Namespace: "examples", Name: "diamond", Version: "v1",
		Steps: []domain.TemplateStepDef{
			{Name: "root", HandlerCallable: "echo", MaxAttempts: 1},
			{Name: "left", HandlerCallable: "echo", MaxAttempts: 1},
			{Name: "right", HandlerCallable: "echo", MaxAttempts: 1},
			{Name: "join", HandlerCallable: "echo", MaxAttempts: 1},
		},
		Dependencies: []domain.TemplateDependencyDef{
			{ParentStepName: "root", ChildStepName: "left"},
			{ParentStepName: "root", ChildStepName: "right"},
			{ParentStepName: "left", ChildStepName: "join"},
			{ParentStepName: "right", ChildStepName: "join"},
		},
	})
	registry.Register(&domain.Template{
		Namespace: "examples", Name: "retryable", Version: "v1",
		Steps: []domain.TemplateStepDef{
			{Name: "flaky", HandlerCallable: "succeed_on_second_attempt", MaxAttempts: 3},
		},
	})
}

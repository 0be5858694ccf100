package actors

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/data/repos/testutil"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
	"github.com/flowforge/taskflow-core/internal/template"
)

// harness bundles everything a four-actor integration test needs, all
// pointed at the same test database and a real Postgres-backed queue
// (push notifications disabled; tests drive ticks explicitly instead of
// running the hybrid loop).
type harness struct {
	db          *gorm.DB
	tasks       repos.TaskRepo
	steps       repos.StepRepo
	transitions repos.TransitionRepo
	discovery   repos.DiscoveryRepo
	queue       messaging.Queue
	registry    *template.MemoryRegistry
	notifier    *recordingNotifier
	cfg         *config.Config
	log         *logger.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	cfg := testConfig()
	queueRepo := repos.NewQueueRepo(db, log)
	return &harness{
		db:          db,
		tasks:       repos.NewTaskRepo(db, log),
		steps:       repos.NewStepRepo(db, log),
		transitions: repos.NewTransitionRepo(db, log),
		discovery:   repos.NewDiscoveryRepo(db, log),
		queue:       messaging.NewPostgresQueue(queueRepo, nil, cfg, log),
		registry:    template.NewMemoryRegistry(),
		notifier:    &recordingNotifier{},
		cfg:         cfg,
		log:         log,
	}
}

func testConfig() *config.Config {
	return &config.Config{
		DefaultRetryBaseSeconds: 1,
		DefaultRetryMaxSeconds:  30,
		DefaultRetryJitterFrac:  0.2,
		QueueVisibilityTimeout:  5 * time.Second,
		QueueClaimBatchSize:     25,
		QueueMaxDeliveryCount:   5,
		ActorPollInterval:       50 * time.Millisecond,
		BreakerMaxRequests:      1,
		BreakerInterval:         time.Minute,
		BreakerTimeout:          time.Second,
		BreakerFailureThreshold: 0.6,
	}
}

func (h *harness) taskRequestActor() *TaskRequestActor {
	return NewTaskRequestActor(h.db, h.tasks, h.steps, h.transitions, h.registry, h.queue, h.notifier, h.cfg, h.log)
}

func (h *harness) stepEnqueuerActor() *StepEnqueuerActor {
	return NewStepEnqueuerActor(h.db, h.tasks, h.steps, h.discovery, h.transitions, h.queue, h.cfg, h.log)
}

func (h *harness) resultProcessorActor() *ResultProcessorActor {
	return NewResultProcessorActor(h.db, h.tasks, h.steps, h.transitions, h.queue, h.cfg, h.log)
}

func (h *harness) taskFinalizerActor() *TaskFinalizerActor {
	return NewTaskFinalizerActor(h.db, h.tasks, h.steps, h.transitions, h.queue, h.notifier, h.cfg, h.log)
}

// recordingNotifier captures every call so tests can assert which terminal
// event a task produced without re-deriving it from the task row.
type recordingNotifier struct {
	created   []uuid.UUID
	progress  int
	blocked   []uuid.UUID
	failed    []uuid.UUID
	done      []uuid.UUID
	cancelled []uuid.UUID
}

func (n *recordingNotifier) TaskCreated(_ string, taskID uuid.UUID) {
	n.created = append(n.created, taskID)
}

func (n *recordingNotifier) TaskProgress(_ string, _ uuid.UUID, _ string, _ string, _ int) {
	n.progress++
}

func (n *recordingNotifier) TaskBlocked(_ string, taskID uuid.UUID, _ string) {
	n.blocked = append(n.blocked, taskID)
}

func (n *recordingNotifier) TaskFailed(_ string, taskID uuid.UUID, _ string) {
	n.failed = append(n.failed, taskID)
}

func (n *recordingNotifier) TaskDone(_ string, taskID uuid.UUID) {
	n.done = append(n.done, taskID)
}

func (n *recordingNotifier) TaskCancelled(_ string, taskID uuid.UUID) {
	n.cancelled = append(n.cancelled, taskID)
}

func ctx() context.Context { return context.Background() }

func dbCtx() dbctx.Context { return dbctx.Context{Ctx: ctx()} }

func mustTemplate(t *testing.T, reg *template.MemoryRegistry, tmpl *domain.Template) {
	t.Helper()
	reg.Register(tmpl)
}

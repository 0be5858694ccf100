package messaging

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"gorm.io/datatypes"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/config"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// RetryConfig bounds the exponential-backoff retry every Queue operation
// gets before the circuit breaker sees it as a single failure or success.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// postgresQueue is the only Queue implementation in this repo: QueueRepo
// does the actual row manipulation, sony/gobreaker wraps every operation so
// a persistent outage trips the breaker instead of retrying forever, and an
// optional Notifier publishes the push side of the hybrid delivery model
// after a successful enqueue.
type postgresQueue struct {
	repo     repos.QueueRepo
	notifier Notifier
	log      *logger.Logger
	retry    RetryConfig

	maxDeliveryCount int

	breaker *gobreaker.CircuitBreaker[any]

	mu   sync.Mutex
	subs map[string][]func()
}

// NewPostgresQueue wires a QueueRepo into the Queue interface. notifier may
// be nil, in which case NotifyEnqueued calls are skipped and consumers rely
// entirely on polling.
func NewPostgresQueue(repo repos.QueueRepo, notifier Notifier, cfg *config.Config, baseLog *logger.Logger) Queue {
	settings := gobreaker.Settings{
		Name:        "queue",
		MaxRequests: cfg.BreakerMaxRequests,
		Interval:    cfg.BreakerInterval,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 4 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.BreakerFailureThreshold
		},
	}
	return &postgresQueue{
		repo:             repo,
		notifier:         notifier,
		log:              baseLog.With("component", "PostgresQueue"),
		retry:            DefaultRetryConfig(),
		maxDeliveryCount: cfg.QueueMaxDeliveryCount,
		breaker:          gobreaker.NewCircuitBreaker[any](settings),
		subs:             map[string][]func(){},
	}
}

// withBreaker runs op through the circuit breaker, retrying transient
// failures internally up to q.retry.MaxAttempts before letting the breaker
// count a single terminal failure. A tripped breaker fast-fails with
// apierr.ErrProviderUnavailable without calling op at all.
func (q *postgresQueue) withBreaker(ctx context.Context, op func() (any, error)) (any, error) {
	return q.breaker.Execute(func() (any, error) {
		var lastErr error
		delay := q.retry.BaseDelay
		for attempt := 1; attempt <= q.retry.MaxAttempts; attempt++ {
			res, err := op()
			if err == nil {
				return res, nil
			}
			lastErr = err
			if apierr.ClassificationOf(err) != apierr.Transient && attempt == 1 {
				// Non-transient failures (e.g. a guard violation bubbling
				// up through a caller-supplied op) don't deserve a retry
				// loop; surface immediately.
				return nil, err
			}
			if attempt == q.retry.MaxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jittered(delay)):
			}
			delay = time.Duration(math.Min(float64(delay*2), float64(q.retry.MaxDelay)))
		}
		return nil, apierr.Transientf(delay, "queue operation failed after %d attempts: %w", q.retry.MaxAttempts, lastErr)
	})
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

func (q *postgresQueue) Enqueue(ctx context.Context, queueName string, payload []byte, priority int, idempotencyKey string) (uuid.UUID, error) {
	res, err := q.withBreaker(ctx, func() (any, error) {
		msg := &domain.QueueMessage{
			QueueName:      queueName,
			Payload:        datatypes.JSON(payload),
			Priority:       priority,
			IdempotencyKey: idempotencyKey,
		}
		created, err := q.repo.Enqueue(dbctx.Context{Ctx: ctx}, msg)
		if err != nil {
			return nil, apierr.Transientf(0, "enqueue: %w", err)
		}
		return created.ID, nil
	})
	if err != nil {
		return uuid.Nil, breakerErr(err)
	}
	id := res.(uuid.UUID)
	if q.notifier != nil {
		if nerr := q.notifier.NotifyEnqueued(ctx, queueName, 1); nerr != nil {
			q.log.Warn("push notify failed, consumers fall back to polling", "queue", queueName, "error", nerr)
		}
	}
	return id, nil
}

func (q *postgresQueue) Claim(ctx context.Context, queueName string, batchSize int, visibilityTimeout time.Duration) ([]ClaimedMessage, error) {
	res, err := q.withBreaker(ctx, func() (any, error) {
		rows, err := q.repo.ClaimBatch(dbctx.Context{Ctx: ctx}, queueName, batchSize, visibilityTimeout, "")
		if err != nil {
			return nil, apierr.Transientf(0, "claim: %w", err)
		}
		return rows, nil
	})
	if err != nil {
		return nil, breakerErr(err)
	}
	rows := res.([]*domain.QueueMessage)
	out := make([]ClaimedMessage, 0, len(rows))
	for _, r := range rows {
		if q.maxDeliveryCount > 0 && r.DeliveryCount > q.maxDeliveryCount {
			if derr := q.repo.MoveToDeadLetter(dbctx.Context{Ctx: ctx}, r, "exhausted_deliveries",
				"delivery count exceeded queue.max_delivery_count"); derr != nil {
				q.log.Warn("dead letter on exhausted deliveries failed", "queue", queueName, "message_id", r.ID, "error", derr)
			} else {
				q.log.Warn("message exceeded max delivery count, moved to dead letter", "queue", queueName, "message_id", r.ID, "delivery_count", r.DeliveryCount)
			}
			continue
		}
		out = append(out, ClaimedMessage{
			ID: r.ID, QueueName: r.QueueName, Payload: []byte(r.Payload),
			DeliveryCount: r.DeliveryCount, Priority: r.Priority,
		})
	}
	return out, nil
}

func (q *postgresQueue) Complete(ctx context.Context, messageID uuid.UUID) error {
	_, err := q.withBreaker(ctx, func() (any, error) {
		if err := q.repo.Complete(dbctx.Context{Ctx: ctx}, messageID); err != nil {
			return nil, apierr.Transientf(0, "complete: %w", err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

func (q *postgresQueue) Release(ctx context.Context, messageID uuid.UUID) error {
	_, err := q.withBreaker(ctx, func() (any, error) {
		if err := q.repo.Release(dbctx.Context{Ctx: ctx}, messageID); err != nil {
			return nil, apierr.Transientf(0, "release: %w", err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

func (q *postgresQueue) DeadLetter(ctx context.Context, messageID uuid.UUID, classification, reason string) error {
	_, err := q.withBreaker(ctx, func() (any, error) {
		msg, err := q.repo.GetByID(dbctx.Context{Ctx: ctx}, messageID)
		if err != nil {
			return nil, apierr.Transientf(0, "dead letter lookup: %w", err)
		}
		if msg == nil {
			return nil, nil
		}
		if err := q.repo.MoveToDeadLetter(dbctx.Context{Ctx: ctx}, msg, classification, reason); err != nil {
			return nil, apierr.Transientf(0, "dead letter: %w", err)
		}
		return nil, nil
	})
	return breakerErr(err)
}

// Subscribe registers handler for queueName. This in-process registry is
// driven by the LISTEN/NOTIFY listener in pubsub.go, which calls
// q.dispatch when a notification for queueName arrives — Subscribe itself
// never talks to Postgres.
func (q *postgresQueue) Subscribe(ctx context.Context, queueName string, handler func()) (func(), error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.subs[queueName] = append(q.subs[queueName], handler)
	idx := len(q.subs[queueName]) - 1
	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if idx < len(q.subs[queueName]) {
			q.subs[queueName][idx] = nil
		}
	}, nil
}

// HandleEnqueueSignal invokes every handler subscribed to queueName. Called
// by the pubsub listener on a LISTEN/NOTIFY delivery.
func (q *postgresQueue) HandleEnqueueSignal(queueName string) {
	q.mu.Lock()
	handlers := append([]func(){}, q.subs[queueName]...)
	q.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			h()
		}
	}
}

func breakerErr(err error) error {
	if err == nil {
		return nil
	}
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apierr.New(apierr.Transient, "provider_unavailable", apierr.ErrProviderUnavailable)
	}
	return err
}

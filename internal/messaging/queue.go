// Package messaging is a provider-agnostic queue abstraction: named durable
// queues with at-most-once claim semantics, plus an optional
// push-notification side channel so consumers
// need not poll aggressively. The only implementation in this repo is
// Postgres-backed (internal/data/repos.QueueRepo plus LISTEN/NOTIFY), but
// every actor talks to the Queue interface, not the repo, so a future
// provider swap never touches actor code.
package messaging

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ClaimedMessage is one message removed from the visible head of a queue
// and held invisible until Complete or Release (or until the claim expires
// and it is redelivered).
type ClaimedMessage struct {
	ID            uuid.UUID
	QueueName     string
	Payload       []byte
	DeliveryCount int
	Priority      int
}

// Queue is the interface every actor uses to move work between itself and
// the next stage. Operations are retried with bounded exponential backoff
// on transient provider errors by the implementation; a persistent outage
// trips a circuit breaker and calls fast-fail with
// apierr.ErrProviderUnavailable.
type Queue interface {
	// Enqueue appends a message to queueName. idempotencyKey, if non-empty,
	// is stored on the message row; Enqueue does not deduplicate on it, so
	// enqueueing twice with the same key delivers two messages.
	Enqueue(ctx context.Context, queueName string, payload []byte, priority int, idempotencyKey string) (uuid.UUID, error)
	// Claim atomically removes up to batchSize visible messages and marks
	// them invisible for visibilityTimeout. A zero-length result is not an
	// error; it signals an empty queue.
	Claim(ctx context.Context, queueName string, batchSize int, visibilityTimeout time.Duration) ([]ClaimedMessage, error)
	// Complete deletes the message. Must be called only by the holder of
	// the claim.
	Complete(ctx context.Context, messageID uuid.UUID) error
	// Release returns the message to the queue without deleting it
	// (delivery count was already incremented at claim time).
	Release(ctx context.Context, messageID uuid.UUID) error
	// DeadLetter moves a message aside after its delivery count exceeds the
	// configured threshold, or when it fails Permanent/Integrity
	// classification, recording why for operator triage.
	DeadLetter(ctx context.Context, messageID uuid.UUID, classification, reason string) error
	// Subscribe registers an in-process callback invoked when the backend
	// signals new messages may be available on queueName. Push is always an
	// optimization layered on top of polling, never the sole delivery path;
	// returns an unsubscribe func.
	Subscribe(ctx context.Context, queueName string, handler func()) (unsubscribe func(), err error)
	// HandleEnqueueSignal fans a push notification for queueName out to
	// every handler registered via Subscribe. Called by the LISTEN/NOTIFY
	// listener (pubsub.go) when Postgres reports a new message; actors
	// never call this directly.
	HandleEnqueueSignal(queueName string)
}

// Notifier is the publish side of the push-notification channel: it
// publishes a hint that a queue gained messages. Queue implementations use
// it internally after a successful Enqueue; actors never call it directly.
type Notifier interface {
	NotifyEnqueued(ctx context.Context, queueName string, countHint int) error
}

package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// Event is the wire shape published to Redis: one JSON object per
// notification, channeled by correlation id so a dashboard subscribed to a
// single workflow sees only its own events.
type Event struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	TaskID        uuid.UUID `json:"task_id"`
	Stage         string    `json:"stage,omitempty"`
	Step          string    `json:"step,omitempty"`
	Percent       int       `json:"percent,omitempty"`
	Reason        string    `json:"reason,omitempty"`
}

const (
	EventTaskCreated   = "task_created"
	EventTaskProgress  = "task_progress"
	EventTaskBlocked   = "task_blocked"
	EventTaskFailed    = "task_failed"
	EventTaskDone      = "task_done"
	EventTaskCancelled = "task_cancelled"
)

// RedisNotifier rebroadcasts transition events to a channel keyed by
// correlation id: a Publish-only bus for fan-out, never consumed by the
// core itself. Entirely optional — a nil *RedisNotifier should never be
// constructed; callers that don't configure Redis use NoopNotifier instead.
type RedisNotifier struct {
	rdb           *goredis.Client
	channelPrefix string
	log           *logger.Logger
}

func NewRedisNotifier(addr, channelPrefix string, baseLog *logger.Logger) (*RedisNotifier, error) {
	if channelPrefix == "" {
		channelPrefix = "taskflow:task:"
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr, DialTimeout: 5 * time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisNotifier{rdb: rdb, channelPrefix: channelPrefix, log: baseLog.With("component", "RedisNotifier")}, nil
}

func (n *RedisNotifier) publish(correlationID string, ev Event) {
	raw, err := json.Marshal(ev)
	if err != nil {
		n.log.Warn("failed to marshal notify event", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := n.rdb.Publish(ctx, n.channelPrefix+correlationID, raw).Err(); err != nil {
		n.log.Warn("failed to publish notify event", "error", err, "correlation_id", correlationID)
	}
}

func (n *RedisNotifier) TaskCreated(correlationID string, taskID uuid.UUID) {
	n.publish(correlationID, Event{Type: EventTaskCreated, CorrelationID: correlationID, TaskID: taskID})
}

func (n *RedisNotifier) TaskProgress(correlationID string, taskID uuid.UUID, stage, step string, percent int) {
	n.publish(correlationID, Event{Type: EventTaskProgress, CorrelationID: correlationID, TaskID: taskID, Stage: stage, Step: step, Percent: percent})
}

func (n *RedisNotifier) TaskBlocked(correlationID string, taskID uuid.UUID, reason string) {
	n.publish(correlationID, Event{Type: EventTaskBlocked, CorrelationID: correlationID, TaskID: taskID, Reason: reason})
}

func (n *RedisNotifier) TaskFailed(correlationID string, taskID uuid.UUID, reason string) {
	n.publish(correlationID, Event{Type: EventTaskFailed, CorrelationID: correlationID, TaskID: taskID, Reason: reason})
}

func (n *RedisNotifier) TaskDone(correlationID string, taskID uuid.UUID) {
	n.publish(correlationID, Event{Type: EventTaskDone, CorrelationID: correlationID, TaskID: taskID})
}

func (n *RedisNotifier) TaskCancelled(correlationID string, taskID uuid.UUID) {
	n.publish(correlationID, Event{Type: EventTaskCancelled, CorrelationID: correlationID, TaskID: taskID})
}

func (n *RedisNotifier) Close() error {
	return n.rdb.Close()
}

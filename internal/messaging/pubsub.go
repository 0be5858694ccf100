package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// pgNotifyChannel is the single Postgres NOTIFY channel every queue
// publishes a hint on; the payload carries which queue_name actually
// gained a message so one LISTEN connection serves every named queue.
const pgNotifyChannel = "taskflow_queue_events"

type enqueueHint struct {
	QueueName       string `json:"queue_name"`
	MessageCountHint int   `json:"message_count_hint"`
}

// PGNotifier publishes enqueue hints via Postgres's native pg_notify,
// using whatever connection pgx gives it per call — NOTIFY, unlike LISTEN,
// needs no dedicated long-lived connection.
type PGNotifier struct {
	dsn string
	log *logger.Logger
}

func NewPGNotifier(dsn string, baseLog *logger.Logger) *PGNotifier {
	return &PGNotifier{dsn: dsn, log: baseLog.With("component", "PGNotifier")}
}

func (n *PGNotifier) NotifyEnqueued(ctx context.Context, queueName string, countHint int) error {
	payload, err := json.Marshal(enqueueHint{QueueName: queueName, MessageCountHint: countHint})
	if err != nil {
		return err
	}
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, "SELECT pg_notify($1, $2)", pgNotifyChannel, string(payload))
	return err
}

// PGListener holds the one dedicated raw pgx connection (outside the GORM
// pool) that LISTENs on pgNotifyChannel and fans
// deliveries out to whichever Queue is wired to it. If the connection
// drops, Run reconnects with backoff so a transient network blip never
// permanently falls back to poll-only delivery.
type PGListener struct {
	dsn   string
	queue Queue
	log   *logger.Logger
}

func NewPGListener(dsn string, queue Queue, baseLog *logger.Logger) *PGListener {
	return &PGListener{dsn: dsn, queue: queue, log: baseLog.With("component", "PGListener")}
}

// Run blocks until ctx is cancelled, reconnecting on failure. Intended to be
// run under the actor supervisor's errgroup alongside the four core actors.
func (l *PGListener) Run(ctx context.Context) error {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.listenOnce(ctx); err != nil {
			l.log.Warn("LISTEN connection lost, reconnecting", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = 500 * time.Millisecond
	}
}

func (l *PGListener) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	if _, err := conn.Exec(ctx, "LISTEN "+pgNotifyChannel); err != nil {
		return err
	}
	l.log.Info("listening for queue enqueue notifications", "channel", pgNotifyChannel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var hint enqueueHint
		if err := json.Unmarshal([]byte(notification.Payload), &hint); err != nil {
			l.log.Warn("malformed enqueue notification payload", "error", err)
			continue
		}
		l.queue.HandleEnqueueSignal(hint.QueueName)
	}
}

package messaging

import (
	"context"
	"time"
)

// RunHybridLoop implements the hybrid push-and-poll deployment mode: it
// wakes onTick whenever either a push notification arrives for queueName or
// pollInterval elapses, whichever comes first, and keeps doing so until ctx
// is cancelled. Push is purely a latency optimization — the poll timer
// alone is sufficient for correctness; push is never the only delivery
// mechanism.
//
// wake is buffered at size 1 so a push notification that arrives while
// onTick is still running is coalesced into a single extra wake rather than
// queuing unboundedly.
func RunHybridLoop(ctx context.Context, queue Queue, queueName string, pollInterval time.Duration, onTick func(ctx context.Context)) error {
	wake := make(chan struct{}, 1)
	signalWake := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	unsubscribe, err := queue.Subscribe(ctx, queueName, signalWake)
	if err != nil {
		return err
	}
	defer unsubscribe()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	// Run once immediately so a freshly-started actor doesn't wait a full
	// pollInterval before its first pass.
	onTick(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			onTick(ctx)
		case <-wake:
			onTick(ctx)
		}
	}
}

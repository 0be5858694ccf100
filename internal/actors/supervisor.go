package actors

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/flowforge/taskflow-core/internal/messaging"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
	"github.com/flowforge/taskflow-core/internal/platform/logger"
)

// RunnableActor is the loop every actor in this package exposes: block
// until ctx is cancelled or an unrecoverable error occurs.
type RunnableActor interface {
	Run(ctx context.Context) error
}

// Supervisor runs every actor loop (and the LISTEN/NOTIFY listener) under
// one errgroup.Group, the same pattern the pipeline steps in this repo's
// lineage use for bounded-concurrency fan-out: the first loop to return a
// non-nil error cancels gctx, which unwinds every other loop's
// messaging.RunHybridLoop via its ctx.Done() case.
type Supervisor struct {
	actors   []namedActor
	listener *messaging.PGListener
	log      *logger.Logger
}

type namedActor struct {
	name string
	actor RunnableActor
}

func NewSupervisor(baseLog *logger.Logger) *Supervisor {
	return &Supervisor{log: baseLog.With("component", "Supervisor")}
}

func (s *Supervisor) Add(name string, actor RunnableActor) {
	s.actors = append(s.actors, namedActor{name: name, actor: actor})
}

// WithListener wires the push-notification listener into the same
// supervision tree so a listener crash is treated the same as an actor
// crash rather than silently degrading to poll-only forever.
func (s *Supervisor) WithListener(listener *messaging.PGListener) *Supervisor {
	s.listener = listener
	return s
}

// Run blocks until every actor loop exits. A clean shutdown (ctx cancelled
// by the caller) returns nil; any actor returning a non-nil error, or
// panicking, propagates as the first such error in errgroup order.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, na := range s.actors {
		na := na
		g.Go(func() error {
			return s.runGuarded(gctx, na.name, na.actor.Run)
		})
	}
	if s.listener != nil {
		g.Go(func() error {
			return s.runGuarded(gctx, "PGListener", s.listener.Run)
		})
	}

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// runGuarded recovers a panicking actor loop and reclassifies it as an
// Integrity error instead of crashing the process, so one misbehaving
// handler can be diagnosed from the logs rather than taking every actor
// down with it via an unhandled panic unwinding the whole goroutine tree.
func (s *Supervisor) runGuarded(ctx context.Context, name string, run func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("actor loop panicked", "actor", name, "panic", r)
			err = apierr.Integrityf("actor_panic", "%s panicked: %v", name, r)
		}
	}()
	if runErr := run(ctx); runErr != nil && runErr != context.Canceled {
		s.log.Error("actor loop exited with error", "actor", name, "error", runErr)
		return fmt.Errorf("%s: %w", name, runErr)
	}
	return nil
}

// Package runtime provides a worker-side handler-resolution shape: the core
// never resolves a handler_callable itself, and no other package in this
// repository imports this one. Registry is a minimal in-process worker
// stand-in: a sequence of resolvers tried in order, first match wins.
package runtime

import (
	"context"
	"fmt"
)

// StepView is the inputs a handler needs: its own inputs and its parents'
// results, matching the step-work message contract.
type StepView struct {
	StepID            string
	TaskID            string
	Inputs            map[string]any
	DependencyResults map[string]map[string]any
	Attempts          int
	MaxAttempts       int
	Checkpoint        map[string]any
}

// Outcome is what a handler hands back to the in-process worker loop,
// mirroring the step-result message contract: exactly one of Result,
// Error, or Checkpoint is meaningful per invocation.
type Outcome struct {
	Success          bool
	Result           map[string]any
	ErrorMessage     string
	ErrorType        string
	Retryable        bool
	ErrorCode        string
	BackoffRequestSec *int
	Checkpoint       map[string]any
	CheckpointDone   bool
}

type Handler func(ctx context.Context, step StepView) Outcome

// Resolver turns a handler_callable into an executable Handler. Chained
// resolvers let different sources (a built-in table, a plugin directory, a
// remote lookup) coexist without the caller needing to know which one will
// match.
type Resolver interface {
	Resolve(callable string) (Handler, bool)
}

// MapResolver is the simplest Resolver: a static name->Handler table, used
// to register the example/testing handlers below.
type MapResolver map[string]Handler

func (m MapResolver) Resolve(callable string) (Handler, bool) {
	h, ok := m[callable]
	return h, ok
}

// Registry chains resolvers in registration order; the first one to report
// a match wins.
type Registry struct {
	resolvers []Resolver
}

func NewRegistry(resolvers ...Resolver) *Registry {
	return &Registry{resolvers: resolvers}
}

func (r *Registry) AddResolver(res Resolver) {
	r.resolvers = append(r.resolvers, res)
}

func (r *Registry) Resolve(ctx context.Context, callable string) (Handler, error) {
	for _, res := range r.resolvers {
		if h, ok := res.Resolve(callable); ok {
			return h, nil
		}
	}
	return nil, fmt.Errorf("handler_callable %q: no resolver matched", callable)
}

// Package statemachine implements the guarded transition tables for Task and
// Step as pure functions: (state, event) -> (state, error). This makes
// exhaustiveness mechanically checkable via table-driven tests instead of a
// class hierarchy that can silently skip a case.
//
// Guards that require database state (e.g. "are all steps terminal?") are
// intentionally NOT modeled here: they are evaluated by the actor under the
// same transaction that persists the transition record, using the
// repositories in internal/data/repos. This package only owns the
// state-independent legality of a transition — whether it is declared at
// all — and the side-effect-free state arithmetic.
package statemachine

import (
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
)

type taskKey struct {
	From  domain.TaskState
	Event domain.Event
}

// taskTransitions is the closed transition table for Task. Every legal
// (from_state, event) pair the core recognizes is listed here; anything
// absent is an InvalidTransition.
var taskTransitions = map[taskKey]domain.TaskState{
	{domain.TaskPending, domain.EventInitialize}: domain.TaskInitializing,

	{domain.TaskInitializing, domain.EventStepsPersisted}: domain.TaskEnqueuingSteps,

	{domain.TaskEnqueuingSteps, domain.EventStepsEnqueued}: domain.TaskStepsInProcess,
	{domain.TaskEnqueuingSteps, domain.EventNoStepsReady}:  domain.TaskWaitingForDependencies,

	{domain.TaskStepsInProcess, domain.EventResultIngested}:   domain.TaskEvaluatingResults,
	{domain.TaskStepsInProcess, domain.EventNoStepsReady}:     domain.TaskWaitingForDependencies,

	{domain.TaskEvaluatingResults, domain.EventStepsEnqueued}:    domain.TaskStepsInProcess,
	{domain.TaskEvaluatingResults, domain.EventNoStepsReady}:     domain.TaskWaitingForDependencies,
	{domain.TaskEvaluatingResults, domain.EventAllStepsComplete}: domain.TaskComplete,
	{domain.TaskEvaluatingResults, domain.EventFailuresBlocking}: domain.TaskBlockedByFailures,
	{domain.TaskEvaluatingResults, domain.EventAutoFail}:         domain.TaskError,
	{domain.TaskEvaluatingResults, domain.EventAllCancelled}:     domain.TaskCancelled,

	{domain.TaskWaitingForDependencies, domain.EventStepsEnqueued}:    domain.TaskStepsInProcess,
	{domain.TaskWaitingForDependencies, domain.EventAllStepsComplete}: domain.TaskComplete,
	{domain.TaskWaitingForDependencies, domain.EventFailuresBlocking}: domain.TaskBlockedByFailures,
	{domain.TaskWaitingForDependencies, domain.EventAutoFail}:         domain.TaskError,

	{domain.TaskBlockedByFailures, domain.EventResolveManually}: domain.TaskResolvedManually,

	{domain.TaskPending, domain.EventTimeout}:                domain.TaskTimedOut,
	{domain.TaskInitializing, domain.EventTimeout}:           domain.TaskTimedOut,
	{domain.TaskEnqueuingSteps, domain.EventTimeout}:         domain.TaskTimedOut,
	{domain.TaskStepsInProcess, domain.EventTimeout}:         domain.TaskTimedOut,
	{domain.TaskEvaluatingResults, domain.EventTimeout}:      domain.TaskTimedOut,
	{domain.TaskWaitingForDependencies, domain.EventTimeout}: domain.TaskTimedOut,
}

// Cancel is legal from any non-terminal task state; modeled as a function
// rather than an entry per source state so a newly-added active state can
// never accidentally omit it.
func TaskNextState(from domain.TaskState, event domain.Event) (domain.TaskState, error) {
	if from.Terminal() {
		return "", apierr.ErrTerminalState
	}
	if event == domain.EventCancel {
		return domain.TaskCancelled, nil
	}
	to, ok := taskTransitions[taskKey{From: from, Event: event}]
	if !ok {
		return "", apierr.ErrInvalidTransition
	}
	return to, nil
}

// TaskTransitionDeclared reports whether (from, event) appears in the table,
// without applying it. Used by tests to assert exhaustiveness over the
// states the design enumerates.
func TaskTransitionDeclared(from domain.TaskState, event domain.Event) bool {
	if event == domain.EventCancel {
		return !from.Terminal()
	}
	_, ok := taskTransitions[taskKey{From: from, Event: event}]
	return ok
}

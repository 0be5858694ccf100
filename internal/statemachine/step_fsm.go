package statemachine

import (
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
)

type stepKey struct {
	From  domain.StepState
	Event domain.Event
}

var stepTransitions = map[stepKey]domain.StepState{
	{domain.StepPending, domain.EventEnqueue}:         domain.StepEnqueued,
	{domain.StepWaitingForRetry, domain.EventEnqueue}: domain.StepEnqueued,

	{domain.StepEnqueued, domain.EventClaim}: domain.StepInProgress,

	{domain.StepInProgress, domain.EventComplete}:  domain.StepComplete,
	{domain.StepInProgress, domain.EventFail}:       domain.StepError,
	{domain.StepInProgress, domain.EventRetry}:      domain.StepWaitingForRetry,
	{domain.StepInProgress, domain.EventExhaust}:    domain.StepError,
	{domain.StepInProgress, domain.EventCheckpoint}: domain.StepEnqueued,

	{domain.StepEnqueuedForOrchestration, domain.EventComplete}:  domain.StepComplete,
	{domain.StepEnqueuedForOrchestration, domain.EventFail}:      domain.StepError,
	{domain.StepEnqueuedForOrchestration, domain.EventRetry}:     domain.StepWaitingForRetry,
	{domain.StepEnqueuedForOrchestration, domain.EventExhaust}:   domain.StepError,

	{domain.StepPending, domain.EventSkip}: domain.StepSkipped,
}

// StepNextState mirrors TaskNextState: Cancel is legal from any non-terminal
// step state, and ResolveManually is legal only from Error, the one
// outgoing transition a terminal step state has.
func StepNextState(from domain.StepState, event domain.Event) (domain.StepState, error) {
	if event == domain.EventResolveManually && from == domain.StepError {
		return domain.StepResolvedManually, nil
	}
	if from.Terminal() {
		return "", apierr.ErrTerminalState
	}
	if event == domain.EventCancel {
		return domain.StepCancelled, nil
	}
	if event == domain.EventResolveManually {
		return "", apierr.ErrInvalidTransition
	}
	to, ok := stepTransitions[stepKey{From: from, Event: event}]
	if !ok {
		return "", apierr.ErrInvalidTransition
	}
	return to, nil
}

func StepTransitionDeclared(from domain.StepState, event domain.Event) bool {
	switch event {
	case domain.EventCancel:
		return !from.Terminal()
	case domain.EventResolveManually:
		return from == domain.StepError
	}
	_, ok := stepTransitions[stepKey{From: from, Event: event}]
	return ok
}

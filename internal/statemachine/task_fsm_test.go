package statemachine

import (
	"errors"
	"testing"

	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/apierr"
)

func TestTaskNextState_LinearHappyPath(t *testing.T) {
	steps := []struct {
		from  domain.TaskState
		event domain.Event
		want  domain.TaskState
	}{
		{domain.TaskPending, domain.EventInitialize, domain.TaskInitializing},
		{domain.TaskInitializing, domain.EventStepsPersisted, domain.TaskEnqueuingSteps},
		{domain.TaskEnqueuingSteps, domain.EventStepsEnqueued, domain.TaskStepsInProcess},
		{domain.TaskStepsInProcess, domain.EventResultIngested, domain.TaskEvaluatingResults},
		{domain.TaskEvaluatingResults, domain.EventAllStepsComplete, domain.TaskComplete},
	}
	for _, s := range steps {
		got, err := TaskNextState(s.from, s.event)
		if err != nil {
			t.Fatalf("TaskNextState(%s, %s) unexpected error: %v", s.from, s.event, err)
		}
		if got != s.want {
			t.Fatalf("TaskNextState(%s, %s) = %s, want %s", s.from, s.event, got, s.want)
		}
	}
}

func TestTaskNextState_TerminalHasNoOutgoing(t *testing.T) {
	for state := range domain.TaskTerminalStates {
		_, err := TaskNextState(state, domain.EventStepsEnqueued)
		if !errors.Is(err, apierr.ErrTerminalState) {
			t.Fatalf("expected ErrTerminalState from terminal state %s, got %v", state, err)
		}
	}
}

func TestTaskNextState_UndeclaredTransitionRejected(t *testing.T) {
	_, err := TaskNextState(domain.TaskPending, domain.EventAllStepsComplete)
	if !errors.Is(err, apierr.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTaskNextState_CancelLegalFromAnyNonTerminalState(t *testing.T) {
	active := []domain.TaskState{
		domain.TaskPending, domain.TaskInitializing, domain.TaskEnqueuingSteps,
		domain.TaskStepsInProcess, domain.TaskEvaluatingResults, domain.TaskWaitingForDependencies,
		domain.TaskBlockedByFailures,
	}
	for _, from := range active {
		got, err := TaskNextState(from, domain.EventCancel)
		if err != nil {
			t.Fatalf("Cancel from %s: unexpected error %v", from, err)
		}
		if got != domain.TaskCancelled {
			t.Fatalf("Cancel from %s = %s, want Cancelled", from, got)
		}
	}
}

func TestTaskNextState_BlockedByFailuresResolvesManually(t *testing.T) {
	got, err := TaskNextState(domain.TaskBlockedByFailures, domain.EventResolveManually)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != domain.TaskResolvedManually {
		t.Fatalf("got %s, want ResolvedManually", got)
	}
}

func TestTaskTransitionDeclared_MatchesNextState(t *testing.T) {
	allStates := []domain.TaskState{
		domain.TaskPending, domain.TaskInitializing, domain.TaskEnqueuingSteps,
		domain.TaskStepsInProcess, domain.TaskEvaluatingResults, domain.TaskWaitingForDependencies,
		domain.TaskBlockedByFailures, domain.TaskComplete, domain.TaskError,
		domain.TaskCancelled, domain.TaskResolvedManually, domain.TaskTimedOut,
	}
	allEvents := []domain.Event{
		domain.EventInitialize, domain.EventStepsPersisted, domain.EventStepsEnqueued,
		domain.EventNoStepsReady, domain.EventResultIngested, domain.EventAllStepsComplete,
		domain.EventFailuresBlocking, domain.EventAutoFail, domain.EventAllCancelled,
		domain.EventCancel, domain.EventResolveManually, domain.EventTimeout,
	}
	for _, from := range allStates {
		for _, event := range allEvents {
			_, err := TaskNextState(from, event)
			declared := TaskTransitionDeclared(from, event)
			if from.Terminal() {
				if !errors.Is(err, apierr.ErrTerminalState) {
					t.Fatalf("terminal state %s should reject event %s with ErrTerminalState, got %v", from, event, err)
				}
				continue
			}
			if declared && err != nil {
				t.Fatalf("TransitionDeclared said true for (%s,%s) but NextState errored: %v", from, event, err)
			}
			if !declared && err == nil {
				t.Fatalf("TransitionDeclared said false for (%s,%s) but NextState succeeded", from, event)
			}
		}
	}
}

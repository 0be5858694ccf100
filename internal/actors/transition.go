package actors

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/flowforge/taskflow-core/internal/data/repos"
	"github.com/flowforge/taskflow-core/internal/domain"
	"github.com/flowforge/taskflow-core/internal/platform/dbctx"
)

// appendTransition inserts the audit row every guarded state mutation must
// carry, inside the same transaction as the mutation itself. Callers pass
// success/execDurMs/resultSnapshot only when the transition represents a
// worker result; zero values are fine for pure bookkeeping transitions.
func appendTransition(
	dbc dbctx.Context,
	transitions repos.TransitionRepo,
	kind domain.EntityKind,
	entityID uuid.UUID,
	from, to, event, actor, correlationID, workerID string,
	success bool,
	execDurMs *int64,
	resultSnapshot []byte,
) error {
	rec := &domain.TransitionRecord{
		EntityKind:     kind,
		EntityID:       entityID,
		FromState:      from,
		ToState:        to,
		Event:          event,
		Actor:          actor,
		CorrelationID:  correlationID,
		WorkerID:       workerID,
		Success:        success,
		ExecutionDurMs: execDurMs,
		RecordedAt:     time.Now(),
	}
	if resultSnapshot != nil {
		rec.ResultSnapshot = datatypes.JSON(resultSnapshot)
	}
	_, err := transitions.Append(dbc, rec)
	return err
}

// Package notify implements an observer-notification side channel: a
// fan-out relay that lets dashboards and SSE-connected clients watch
// task/step progress without querying the database directly
// or participating in the actor protocol. It never mutates state. Its
// callers are TaskRequestActor (TaskCreated), TaskFinalizerActor (done,
// failed, blocked and cancelled events) and the operator Resolver (manual
// resolution and cancellation), each after the write that made the change
// durable; nothing calls TaskProgress.
package notify

import "github.com/google/uuid"

// TaskNotifier is addressed by the task's correlation identifier so an
// external dashboard can subscribe to one workflow's events without
// needing the task's database identifier up front.
type TaskNotifier interface {
	TaskCreated(correlationID string, taskID uuid.UUID)
	TaskProgress(correlationID string, taskID uuid.UUID, stage string, stepName string, percent int)
	TaskBlocked(correlationID string, taskID uuid.UUID, reason string)
	TaskFailed(correlationID string, taskID uuid.UUID, reason string)
	TaskDone(correlationID string, taskID uuid.UUID)
	TaskCancelled(correlationID string, taskID uuid.UUID)
}

// NoopNotifier is the default when no pub/sub fabric is configured.
type NoopNotifier struct{}

func (NoopNotifier) TaskCreated(string, uuid.UUID)                       {}
func (NoopNotifier) TaskProgress(string, uuid.UUID, string, string, int) {}
func (NoopNotifier) TaskBlocked(string, uuid.UUID, string)               {}
func (NoopNotifier) TaskFailed(string, uuid.UUID, string)                {}
func (NoopNotifier) TaskDone(string, uuid.UUID)                          {}
func (NoopNotifier) TaskCancelled(string, uuid.UUID)                     {}

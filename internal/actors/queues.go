// Package actors implements the four cooperating actors that turn a task
// request into a finished or blocked task: TaskRequestActor,
// StepEnqueuerActor, ResultProcessorActor, and TaskFinalizerActor. Every
// actor is a long-running loop (messaging.RunHybridLoop) that claims a
// batch of work, processes it with the repositories in internal/data/repos,
// and signals its neighbors by enqueuing a small pointer message rather
// than sharing memory — the database remains the only authoritative state.
package actors

// Queue names. task_requests and step_results are named directly by the
// external worker-facing interfaces; the two "needing_*" queues are this
// implementation's concrete realization of a readiness signal between
// actors that otherwise share no memory.
const (
	QueueTaskRequests         = "task_requests"
	QueueTasksNeedingEnqueue  = "tasks_needing_enqueue"
	QueueTasksNeedingFinalize = "tasks_needing_finalize"
	QueueStepResults          = "step_results"
)

// StepQueueName is the namespace queue a step's work message is enqueued
// to, and that a worker process for that namespace consumes from.
func StepQueueName(namespace string) string {
	return "steps." + namespace
}

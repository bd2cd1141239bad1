package worker

import "errors"

// Store and manager errors. Callers match with errors.Is.
var (
	// ErrWorkerNotFound is returned when a worker id has no registration.
	ErrWorkerNotFound = errors.New("worker: worker not found")

	// ErrWorkerAlreadyRunning is returned by Register when the id already
	// has a running registration. Registration never overwrites a live
	// worker.
	ErrWorkerAlreadyRunning = errors.New("worker: worker already running")

	// ErrCommandNotFound is returned when a command id is unknown.
	ErrCommandNotFound = errors.New("worker: command not found")

	// ErrTaskNotFound is returned when a task id is unknown.
	ErrTaskNotFound = errors.New("worker: task not found")

	// ErrTaskAlreadyClaimed is returned when claiming a task that is no
	// longer pending. The claim is atomic: exactly one claimer wins.
	ErrTaskAlreadyClaimed = errors.New("worker: task already claimed")

	// ErrEventNotFound is returned when an event id is unknown.
	ErrEventNotFound = errors.New("worker: event not found")

	// ErrNoWorkerAvailable is returned when no capable running worker
	// exists for a task type.
	ErrNoWorkerAvailable = errors.New("worker: no worker available")
)

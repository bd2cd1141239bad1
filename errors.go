package replica

import (
	"errors"

	"github.com/helixchat/replica/worker"
)

var (
	// Lifecycle errors.
	ErrNoStore        = errors.New("replica: no store configured")
	ErrAlreadyStarted = errors.New("replica: node already started")
	ErrNotStarted     = errors.New("replica: node not started")
)

// Domain sentinels, re-exported so callers holding only the root package
// can match with errors.Is.
var (
	ErrWorkerNotFound       = worker.ErrWorkerNotFound
	ErrWorkerAlreadyRunning = worker.ErrWorkerAlreadyRunning
	ErrCommandNotFound      = worker.ErrCommandNotFound
	ErrTaskNotFound         = worker.ErrTaskNotFound
	ErrTaskAlreadyClaimed   = worker.ErrTaskAlreadyClaimed
	ErrEventNotFound        = worker.ErrEventNotFound
	ErrNoWorkerAvailable    = worker.ErrNoWorkerAvailable
)

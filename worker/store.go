package worker

import (
	"context"
	"encoding/json"

	"github.com/helixchat/replica/id"
)

// Store is the durable state behind the manager. Implementations live in
// store/memory, store/redis, and store/postgres.
//
// Contract notes:
//   - RegisterWorker upserts by worker id and never checks liveness; the
//     manager enforces the no-overwrite-while-running rule.
//   - AddEvent draws StreamID from a shared strictly increasing sequence.
//   - FailCommand increments the retry count and cycles the command back to
//     pending until retries are exhausted, then marks it failed terminally.
//   - ClaimTask is atomic: it succeeds for exactly one caller while the
//     task is pending and returns ErrTaskAlreadyClaimed for everyone else.
type Store interface {
	WorkerStore
	CommandStore
	EventStore
	PositionStore
	TaskStore
	ConnectionStore
	StatsStore

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// WorkerStore persists worker registrations and heartbeats.
type WorkerStore interface {
	RegisterWorker(ctx context.Context, req RegisterRequest) (Info, error)
	GetWorker(ctx context.Context, workerID string) (Info, error)
	GetWorkersByType(ctx context.Context, workerType Type) ([]Info, error)
	GetActiveWorkers(ctx context.Context) ([]Info, error)
	UpdateWorkerStatus(ctx context.Context, workerID string, status Status) error
	UpdateHeartbeat(ctx context.Context, workerID string) error
	UnregisterWorker(ctx context.Context, workerID string) error
}

// CommandStore persists the durable command queue.
type CommandStore interface {
	CreateCommand(ctx context.Context, req SendCommandRequest) (Command, error)
	GetPendingCommands(ctx context.Context, workerID string, limit int) ([]Command, error)
	MarkCommandSent(ctx context.Context, commandID id.CommandID) error
	CompleteCommand(ctx context.Context, commandID id.CommandID) error
	FailCommand(ctx context.Context, commandID id.CommandID, errorMessage string) error
}

// EventStore persists replicated events and the stream-id sequence.
type EventStore interface {
	AddEvent(ctx context.Context, eventID, eventType, roomID, sender string, data json.RawMessage) (Event, error)
	GetEventsSince(ctx context.Context, streamID int64, limit int) ([]Event, error)
	MarkEventProcessed(ctx context.Context, eventID, workerID string) error
}

// PositionStore persists per-worker replication positions.
type PositionStore interface {
	UpdateReplicationPosition(ctx context.Context, workerID, streamName string, position int64) error
	GetReplicationPosition(ctx context.Context, workerID, streamName string) (int64, bool, error)
	GetAllReplicationPositions(ctx context.Context, workerID string) ([]ReplicationPosition, error)
}

// TaskStore persists task assignments and claims. RecordLoadStats rides
// here with the other write-heavy paths.
type TaskStore interface {
	AssignTask(ctx context.Context, req AssignTaskRequest) (TaskAssignment, error)
	GetTask(ctx context.Context, taskID id.TaskID) (TaskAssignment, error)
	GetPendingTasks(ctx context.Context, limit int) ([]TaskAssignment, error)
	ClaimTask(ctx context.Context, taskID id.TaskID, workerID string) error
	CompleteTask(ctx context.Context, taskID id.TaskID, result json.RawMessage) error
	FailTask(ctx context.Context, taskID id.TaskID, errorMessage string) error
	RecordLoadStats(ctx context.Context, workerID string, update LoadStatsUpdate) error
}

// ConnectionStore records replication links between workers.
type ConnectionStore interface {
	RecordConnection(ctx context.Context, sourceWorkerID, targetWorkerID, connectionType string) (Connection, error)
	UpdateConnectionStats(ctx context.Context, sourceWorkerID, targetWorkerID string, bytesSent, bytesReceived, messagesSent, messagesReceived int64) error
}

// StatsStore exposes the read-only aggregate views.
type StatsStore interface {
	GetStatistics(ctx context.Context) ([]Statistics, error)
	GetTypeStatistics(ctx context.Context) ([]TypeStatistics, error)
}

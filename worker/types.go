// Package worker orchestrates the lifecycle of homeserver worker
// processes: registration and heartbeats, command and task dispatch, event
// replication, and worker selection. It ties the transport, bus, stream
// ledger, load balancer, and health tracker together over a pluggable
// store.
package worker

import (
	"encoding/json"
	"fmt"

	"github.com/helixchat/replica/id"
)

// Type classifies a worker process by role.
type Type string

// Worker types.
const (
	TypeMaster           Type = "master"
	TypeFrontend         Type = "frontend"
	TypeBackground       Type = "background"
	TypeEventPersister   Type = "event_persister"
	TypeSynchrotron      Type = "synchrotron"
	TypeFederationSender Type = "federation_sender"
	TypeFederationReader Type = "federation_reader"
	TypeMediaRepository  Type = "media_repository"
	TypePusher           Type = "pusher"
	TypeAppService       Type = "appservice"
)

// ParseType converts a wire string into a Type.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeMaster, TypeFrontend, TypeBackground, TypeEventPersister,
		TypeSynchrotron, TypeFederationSender, TypeFederationReader,
		TypeMediaRepository, TypePusher, TypeAppService:
		return Type(s), nil
	default:
		return "", fmt.Errorf("worker: unknown worker type %q", s)
	}
}

// Capabilities is the static capability matrix derived from a worker type.
type Capabilities struct {
	CanHandleHTTP         bool     `json:"can_handle_http"`
	CanHandleFederation   bool     `json:"can_handle_federation"`
	CanPersistEvents      bool     `json:"can_persist_events"`
	CanSendPush           bool     `json:"can_send_push"`
	CanHandleMedia        bool     `json:"can_handle_media"`
	CanRunBackgroundTasks bool     `json:"can_run_background_tasks"`
	MaxConcurrentRequests int      `json:"max_concurrent_requests"`
	SupportedProtocols    []string `json:"supported_protocols"`
}

// CapabilitiesFor returns the capability matrix for a worker type. Unknown
// types get the zero matrix.
func CapabilitiesFor(t Type) Capabilities {
	switch t {
	case TypeMaster:
		return Capabilities{
			CanHandleHTTP:         true,
			CanHandleFederation:   true,
			CanPersistEvents:      true,
			CanSendPush:           true,
			CanHandleMedia:        true,
			CanRunBackgroundTasks: true,
			MaxConcurrentRequests: 10000,
			SupportedProtocols:    []string{"matrix", "federation"},
		}
	case TypeFrontend:
		return Capabilities{
			CanHandleHTTP:         true,
			MaxConcurrentRequests: 5000,
			SupportedProtocols:    []string{"matrix"},
		}
	case TypeSynchrotron:
		return Capabilities{
			CanHandleHTTP:         true,
			MaxConcurrentRequests: 3000,
			SupportedProtocols:    []string{"matrix"},
		}
	case TypeEventPersister:
		return Capabilities{
			CanPersistEvents:      true,
			MaxConcurrentRequests: 1000,
		}
	case TypeFederationSender:
		return Capabilities{
			CanHandleFederation:   true,
			MaxConcurrentRequests: 2000,
			SupportedProtocols:    []string{"federation"},
		}
	case TypeFederationReader:
		return Capabilities{
			CanHandleFederation:   true,
			MaxConcurrentRequests: 2000,
			SupportedProtocols:    []string{"federation"},
		}
	case TypeMediaRepository:
		return Capabilities{
			CanHandleHTTP:         true,
			CanHandleMedia:        true,
			MaxConcurrentRequests: 1000,
			SupportedProtocols:    []string{"matrix"},
		}
	case TypePusher:
		return Capabilities{
			CanSendPush:           true,
			MaxConcurrentRequests: 500,
		}
	case TypeBackground:
		return Capabilities{
			CanRunBackgroundTasks: true,
			MaxConcurrentRequests: 100,
		}
	case TypeAppService:
		return Capabilities{
			CanRunBackgroundTasks: true,
			MaxConcurrentRequests: 500,
		}
	default:
		return Capabilities{}
	}
}

// Status is the lifecycle state of a worker.
type Status string

// Worker statuses.
const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// ParseStatus converts a wire string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusError:
		return Status(s), nil
	default:
		return "", fmt.Errorf("worker: unknown worker status %q", s)
	}
}

// Command statuses.
const (
	CommandPending   = "pending"
	CommandSent      = "sent"
	CommandCompleted = "completed"
	CommandFailed    = "failed"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// Info is one worker's registration record.
type Info struct {
	ID              int64           `json:"id"`
	WorkerID        string          `json:"worker_id"`
	WorkerName      string          `json:"worker_name"`
	WorkerType      Type            `json:"worker_type"`
	Host            string          `json:"host"`
	Port            int             `json:"port"`
	Status          Status          `json:"status"`
	LastHeartbeatTS int64           `json:"last_heartbeat_ts,omitempty"`
	StartedTS       int64           `json:"started_ts"`
	StoppedTS       int64           `json:"stopped_ts,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	Version         string          `json:"version,omitempty"`
}

// Command is a control message durably queued for one worker.
type Command struct {
	ID             int64           `json:"id"`
	CommandID      id.CommandID    `json:"command_id"`
	TargetWorkerID string          `json:"target_worker_id"`
	SourceWorkerID string          `json:"source_worker_id,omitempty"`
	CommandType    string          `json:"command_type"`
	CommandData    json.RawMessage `json:"command_data,omitempty"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status"`
	CreatedTS      int64           `json:"created_ts"`
	SentTS         int64           `json:"sent_ts,omitempty"`
	CompletedTS    int64           `json:"completed_ts,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
}

// Event is one replicated fact on the events stream, ordered by StreamID.
type Event struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	StreamID    int64           `json:"stream_id"`
	EventType   string          `json:"event_type"`
	RoomID      string          `json:"room_id,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	EventData   json.RawMessage `json:"event_data,omitempty"`
	CreatedTS   int64           `json:"created_ts"`
	ProcessedBy []string        `json:"processed_by,omitempty"`
}

// ReplicationPosition is a worker's last acknowledged position on a stream.
type ReplicationPosition struct {
	ID             int64  `json:"id"`
	WorkerID       string `json:"worker_id"`
	StreamName     string `json:"stream_name"`
	StreamPosition int64  `json:"stream_position"`
	UpdatedTS      int64  `json:"updated_ts"`
}

// LoadStats is one recorded load sample for a worker.
type LoadStats struct {
	ID                int64   `json:"id"`
	WorkerID          string  `json:"worker_id"`
	CPUUsage          float64 `json:"cpu_usage,omitempty"`
	MemoryUsage       int64   `json:"memory_usage,omitempty"`
	ActiveConnections int     `json:"active_connections,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	AverageLatencyMS  float64 `json:"average_latency_ms,omitempty"`
	QueueDepth        int     `json:"queue_depth,omitempty"`
	RecordedTS        int64   `json:"recorded_ts"`
}

// TaskAssignment is a unit of work and its claim state.
type TaskAssignment struct {
	ID               int64           `json:"id"`
	TaskID           id.TaskID       `json:"task_id"`
	TaskType         string          `json:"task_type"`
	TaskData         json.RawMessage `json:"task_data,omitempty"`
	AssignedWorkerID string          `json:"assigned_worker_id,omitempty"`
	Status           string          `json:"status"`
	Priority         int             `json:"priority"`
	CreatedTS        int64           `json:"created_ts"`
	AssignedTS       int64           `json:"assigned_ts,omitempty"`
	CompletedTS      int64           `json:"completed_ts,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}

// Connection records one replication link between two workers.
type Connection struct {
	ID               int64  `json:"id"`
	SourceWorkerID   string `json:"source_worker_id"`
	TargetWorkerID   string `json:"target_worker_id"`
	ConnectionType   string `json:"connection_type"`
	Status           string `json:"status"`
	EstablishedTS    int64  `json:"established_ts"`
	LastActivityTS   int64  `json:"last_activity_ts,omitempty"`
	BytesSent        int64  `json:"bytes_sent"`
	BytesReceived    int64  `json:"bytes_received"`
	MessagesSent     int64  `json:"messages_sent"`
	MessagesReceived int64  `json:"messages_received"`
}

// RegisterRequest registers a worker.
type RegisterRequest struct {
	WorkerID   string          `json:"worker_id"`
	WorkerName string          `json:"worker_name"`
	WorkerType Type            `json:"worker_type"`
	Host       string          `json:"host"`
	Port       int             `json:"port"`
	Config     json.RawMessage `json:"config,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	Version    string          `json:"version,omitempty"`
}

// SendCommandRequest queues a command for a worker.
type SendCommandRequest struct {
	TargetWorkerID string          `json:"target_worker_id"`
	SourceWorkerID string          `json:"source_worker_id,omitempty"`
	CommandType    string          `json:"command_type"`
	CommandData    json.RawMessage `json:"command_data,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
}

// AssignTaskRequest creates a task, optionally pre-assigned to a worker.
type AssignTaskRequest struct {
	TaskType          string          `json:"task_type"`
	TaskData          json.RawMessage `json:"task_data,omitempty"`
	Priority          int             `json:"priority,omitempty"`
	PreferredWorkerID string          `json:"preferred_worker_id,omitempty"`
}

// LoadStatsUpdate carries the optional load sample piggybacked on a
// heartbeat.
type LoadStatsUpdate struct {
	CPUUsage          float64 `json:"cpu_usage,omitempty"`
	MemoryUsage       int64   `json:"memory_usage,omitempty"`
	ActiveConnections int     `json:"active_connections,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	AverageLatencyMS  float64 `json:"average_latency_ms,omitempty"`
	QueueDepth        int     `json:"queue_depth,omitempty"`
}

// Statistics is the per-worker aggregate view.
type Statistics struct {
	WorkerID        string `json:"worker_id"`
	WorkerName      string `json:"worker_name"`
	WorkerType      Type   `json:"worker_type"`
	Status          Status `json:"status"`
	LastHeartbeatTS int64  `json:"last_heartbeat_ts,omitempty"`
	PendingCommands int    `json:"pending_commands"`
	PendingTasks    int    `json:"pending_tasks"`
	RunningTasks    int    `json:"running_tasks"`
}

// TypeStatistics is the per-type aggregate view.
type TypeStatistics struct {
	WorkerType   Type `json:"worker_type"`
	WorkerCount  int  `json:"worker_count"`
	RunningCount int  `json:"running_count"`
}

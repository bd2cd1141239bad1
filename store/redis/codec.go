package redis

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/worker"
)

// Records are the MessagePack shapes stored in Redis. Typed ids travel as
// strings so the blobs stay readable with generic tooling.

type workerRecord struct {
	ID              int64  `msgpack:"id"`
	WorkerID        string `msgpack:"worker_id"`
	WorkerName      string `msgpack:"worker_name"`
	WorkerType      string `msgpack:"worker_type"`
	Host            string `msgpack:"host"`
	Port            int    `msgpack:"port"`
	Status          string `msgpack:"status"`
	LastHeartbeatTS int64  `msgpack:"last_heartbeat_ts"`
	StartedTS       int64  `msgpack:"started_ts"`
	StoppedTS       int64  `msgpack:"stopped_ts"`
	Config          []byte `msgpack:"config"`
	Metadata        []byte `msgpack:"metadata"`
	Version         string `msgpack:"version"`
}

func workerToRecord(info worker.Info) workerRecord {
	return workerRecord{
		ID:              info.ID,
		WorkerID:        info.WorkerID,
		WorkerName:      info.WorkerName,
		WorkerType:      string(info.WorkerType),
		Host:            info.Host,
		Port:            info.Port,
		Status:          string(info.Status),
		LastHeartbeatTS: info.LastHeartbeatTS,
		StartedTS:       info.StartedTS,
		StoppedTS:       info.StoppedTS,
		Config:          info.Config,
		Metadata:        info.Metadata,
		Version:         info.Version,
	}
}

func (r workerRecord) toInfo() worker.Info {
	return worker.Info{
		ID:              r.ID,
		WorkerID:        r.WorkerID,
		WorkerName:      r.WorkerName,
		WorkerType:      worker.Type(r.WorkerType),
		Host:            r.Host,
		Port:            r.Port,
		Status:          worker.Status(r.Status),
		LastHeartbeatTS: r.LastHeartbeatTS,
		StartedTS:       r.StartedTS,
		StoppedTS:       r.StoppedTS,
		Config:          json.RawMessage(r.Config),
		Metadata:        json.RawMessage(r.Metadata),
		Version:         r.Version,
	}
}

type commandRecord struct {
	ID             int64  `msgpack:"id"`
	CommandID      string `msgpack:"command_id"`
	TargetWorkerID string `msgpack:"target_worker_id"`
	SourceWorkerID string `msgpack:"source_worker_id"`
	CommandType    string `msgpack:"command_type"`
	CommandData    []byte `msgpack:"command_data"`
	Priority       int    `msgpack:"priority"`
	Status         string `msgpack:"status"`
	CreatedTS      int64  `msgpack:"created_ts"`
	SentTS         int64  `msgpack:"sent_ts"`
	CompletedTS    int64  `msgpack:"completed_ts"`
	ErrorMessage   string `msgpack:"error_message"`
	RetryCount     int    `msgpack:"retry_count"`
	MaxRetries     int    `msgpack:"max_retries"`
}

func commandToRecord(cmd worker.Command) commandRecord {
	return commandRecord{
		ID:             cmd.ID,
		CommandID:      cmd.CommandID.String(),
		TargetWorkerID: cmd.TargetWorkerID,
		SourceWorkerID: cmd.SourceWorkerID,
		CommandType:    cmd.CommandType,
		CommandData:    cmd.CommandData,
		Priority:       cmd.Priority,
		Status:         cmd.Status,
		CreatedTS:      cmd.CreatedTS,
		SentTS:         cmd.SentTS,
		CompletedTS:    cmd.CompletedTS,
		ErrorMessage:   cmd.ErrorMessage,
		RetryCount:     cmd.RetryCount,
		MaxRetries:     cmd.MaxRetries,
	}
}

func (r commandRecord) toCommand() (worker.Command, error) {
	commandID, err := id.ParseCommandID(r.CommandID)
	if err != nil {
		return worker.Command{}, fmt.Errorf("replica/redis: parse command id: %w", err)
	}
	return worker.Command{
		ID:             r.ID,
		CommandID:      commandID,
		TargetWorkerID: r.TargetWorkerID,
		SourceWorkerID: r.SourceWorkerID,
		CommandType:    r.CommandType,
		CommandData:    json.RawMessage(r.CommandData),
		Priority:       r.Priority,
		Status:         r.Status,
		CreatedTS:      r.CreatedTS,
		SentTS:         r.SentTS,
		CompletedTS:    r.CompletedTS,
		ErrorMessage:   r.ErrorMessage,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
	}, nil
}

type eventRecord struct {
	ID          int64    `msgpack:"id"`
	EventID     string   `msgpack:"event_id"`
	StreamID    int64    `msgpack:"stream_id"`
	EventType   string   `msgpack:"event_type"`
	RoomID      string   `msgpack:"room_id"`
	Sender      string   `msgpack:"sender"`
	EventData   []byte   `msgpack:"event_data"`
	CreatedTS   int64    `msgpack:"created_ts"`
	ProcessedBy []string `msgpack:"processed_by"`
}

func eventToRecord(event worker.Event) eventRecord {
	return eventRecord{
		ID:          event.ID,
		EventID:     event.EventID,
		StreamID:    event.StreamID,
		EventType:   event.EventType,
		RoomID:      event.RoomID,
		Sender:      event.Sender,
		EventData:   event.EventData,
		CreatedTS:   event.CreatedTS,
		ProcessedBy: event.ProcessedBy,
	}
}

func (r eventRecord) toEvent() worker.Event {
	return worker.Event{
		ID:          r.ID,
		EventID:     r.EventID,
		StreamID:    r.StreamID,
		EventType:   r.EventType,
		RoomID:      r.RoomID,
		Sender:      r.Sender,
		EventData:   json.RawMessage(r.EventData),
		CreatedTS:   r.CreatedTS,
		ProcessedBy: r.ProcessedBy,
	}
}

type positionRecord struct {
	ID             int64  `msgpack:"id"`
	WorkerID       string `msgpack:"worker_id"`
	StreamName     string `msgpack:"stream_name"`
	StreamPosition int64  `msgpack:"stream_position"`
	UpdatedTS      int64  `msgpack:"updated_ts"`
}

func (r positionRecord) toPosition() worker.ReplicationPosition {
	return worker.ReplicationPosition{
		ID:             r.ID,
		WorkerID:       r.WorkerID,
		StreamName:     r.StreamName,
		StreamPosition: r.StreamPosition,
		UpdatedTS:      r.UpdatedTS,
	}
}

type taskRecord struct {
	ID               int64  `msgpack:"id"`
	TaskID           string `msgpack:"task_id"`
	TaskType         string `msgpack:"task_type"`
	TaskData         []byte `msgpack:"task_data"`
	AssignedWorkerID string `msgpack:"assigned_worker_id"`
	Status           string `msgpack:"status"`
	Priority         int    `msgpack:"priority"`
	CreatedTS        int64  `msgpack:"created_ts"`
	AssignedTS       int64  `msgpack:"assigned_ts"`
	CompletedTS      int64  `msgpack:"completed_ts"`
	Result           []byte `msgpack:"result"`
	ErrorMessage     string `msgpack:"error_message"`
}

func taskToRecord(task worker.TaskAssignment) taskRecord {
	return taskRecord{
		ID:               task.ID,
		TaskID:           task.TaskID.String(),
		TaskType:         task.TaskType,
		TaskData:         task.TaskData,
		AssignedWorkerID: task.AssignedWorkerID,
		Status:           task.Status,
		Priority:         task.Priority,
		CreatedTS:        task.CreatedTS,
		AssignedTS:       task.AssignedTS,
		CompletedTS:      task.CompletedTS,
		Result:           task.Result,
		ErrorMessage:     task.ErrorMessage,
	}
}

func (r taskRecord) toTask() (worker.TaskAssignment, error) {
	taskID, err := id.ParseTaskID(r.TaskID)
	if err != nil {
		return worker.TaskAssignment{}, fmt.Errorf("replica/redis: parse task id: %w", err)
	}
	return worker.TaskAssignment{
		ID:               r.ID,
		TaskID:           taskID,
		TaskType:         r.TaskType,
		TaskData:         json.RawMessage(r.TaskData),
		AssignedWorkerID: r.AssignedWorkerID,
		Status:           r.Status,
		Priority:         r.Priority,
		CreatedTS:        r.CreatedTS,
		AssignedTS:       r.AssignedTS,
		CompletedTS:      r.CompletedTS,
		Result:           json.RawMessage(r.Result),
		ErrorMessage:     r.ErrorMessage,
	}, nil
}

type loadStatsRecord struct {
	ID                int64   `msgpack:"id"`
	WorkerID          string  `msgpack:"worker_id"`
	CPUUsage          float64 `msgpack:"cpu_usage"`
	MemoryUsage       int64   `msgpack:"memory_usage"`
	ActiveConnections int     `msgpack:"active_connections"`
	RequestsPerSecond float64 `msgpack:"requests_per_second"`
	AverageLatencyMS  float64 `msgpack:"average_latency_ms"`
	QueueDepth        int     `msgpack:"queue_depth"`
	RecordedTS        int64   `msgpack:"recorded_ts"`
}

type connectionRecord struct {
	ID               int64  `msgpack:"id"`
	SourceWorkerID   string `msgpack:"source_worker_id"`
	TargetWorkerID   string `msgpack:"target_worker_id"`
	ConnectionType   string `msgpack:"connection_type"`
	Status           string `msgpack:"status"`
	EstablishedTS    int64  `msgpack:"established_ts"`
	LastActivityTS   int64  `msgpack:"last_activity_ts"`
	BytesSent        int64  `msgpack:"bytes_sent"`
	BytesReceived    int64  `msgpack:"bytes_received"`
	MessagesSent     int64  `msgpack:"messages_sent"`
	MessagesReceived int64  `msgpack:"messages_received"`
}

func (r connectionRecord) toConnection() worker.Connection {
	return worker.Connection{
		ID:               r.ID,
		SourceWorkerID:   r.SourceWorkerID,
		TargetWorkerID:   r.TargetWorkerID,
		ConnectionType:   r.ConnectionType,
		Status:           r.Status,
		EstablishedTS:    r.EstablishedTS,
		LastActivityTS:   r.LastActivityTS,
		BytesSent:        r.BytesSent,
		BytesReceived:    r.BytesReceived,
		MessagesSent:     r.MessagesSent,
		MessagesReceived: r.MessagesReceived,
	}
}

func encode(v any) (string, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("replica/redis: encode record: %w", err)
	}
	return string(b), nil
}

func decode(data string, v any) error {
	if err := msgpack.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("replica/redis: decode record: %w", err)
	}
	return nil
}

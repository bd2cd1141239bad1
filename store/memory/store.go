// Package memory provides an in-memory Store for tests and single-process
// deployments. All state is lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/worker"
)

// Store is an in-memory implementation of worker.Store.
type Store struct {
	mu sync.RWMutex

	rowSeq    int64
	streamSeq int64

	workers     map[string]*worker.Info
	commands    map[id.CommandID]*worker.Command
	events      []*worker.Event
	positions   map[string]map[string]*worker.ReplicationPosition
	loadStats   []*worker.LoadStats
	tasks       map[id.TaskID]*worker.TaskAssignment
	connections map[string]*worker.Connection
}

var _ worker.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{
		workers:     make(map[string]*worker.Info),
		commands:    make(map[id.CommandID]*worker.Command),
		positions:   make(map[string]map[string]*worker.ReplicationPosition),
		tasks:       make(map[id.TaskID]*worker.TaskAssignment),
		connections: make(map[string]*worker.Connection),
	}
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) nextRowID() int64 {
	s.rowSeq++
	return s.rowSeq
}

// ──────────────────────────────────────────────────
// Workers
// ──────────────────────────────────────────────────

func (s *Store) RegisterWorker(_ context.Context, req worker.RegisterRequest) (worker.Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := &worker.Info{
		ID:         s.nextRowID(),
		WorkerID:   req.WorkerID,
		WorkerName: req.WorkerName,
		WorkerType: req.WorkerType,
		Host:       req.Host,
		Port:       req.Port,
		Status:     worker.StatusStarting,
		StartedTS:  time.Now().UnixMilli(),
		Config:     req.Config,
		Metadata:   req.Metadata,
		Version:    req.Version,
	}
	if existing, ok := s.workers[req.WorkerID]; ok {
		info.ID = existing.ID
	}
	s.workers[req.WorkerID] = info

	return *info, nil
}

func (s *Store) GetWorker(_ context.Context, workerID string) (worker.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.workers[workerID]
	if !ok {
		return worker.Info{}, fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	return *info, nil
}

func (s *Store) GetWorkersByType(_ context.Context, workerType worker.Type) ([]worker.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.Info
	for _, info := range s.workers {
		if info.WorkerType == workerType {
			out = append(out, *info)
		}
	}
	sortWorkers(out)
	return out, nil
}

func (s *Store) GetActiveWorkers(_ context.Context) ([]worker.Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.Info
	for _, info := range s.workers {
		if info.Status == worker.StatusRunning {
			out = append(out, *info)
		}
	}
	sortWorkers(out)
	return out, nil
}

func sortWorkers(workers []worker.Info) {
	sort.Slice(workers, func(i, j int) bool { return workers[i].WorkerID < workers[j].WorkerID })
}

func (s *Store) UpdateWorkerStatus(_ context.Context, workerID string, status worker.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	info.Status = status
	return nil
}

func (s *Store) UpdateHeartbeat(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	info.LastHeartbeatTS = time.Now().UnixMilli()
	return nil
}

func (s *Store) UnregisterWorker(_ context.Context, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrWorkerNotFound, workerID)
	}
	info.Status = worker.StatusStopped
	info.StoppedTS = time.Now().UnixMilli()
	return nil
}

// ──────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────

func (s *Store) CreateCommand(_ context.Context, req worker.SendCommandRequest) (worker.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	cmd := &worker.Command{
		ID:             s.nextRowID(),
		CommandID:      id.NewCommandID(),
		TargetWorkerID: req.TargetWorkerID,
		SourceWorkerID: req.SourceWorkerID,
		CommandType:    req.CommandType,
		CommandData:    req.CommandData,
		Priority:       req.Priority,
		Status:         worker.CommandPending,
		CreatedTS:      time.Now().UnixMilli(),
		MaxRetries:     maxRetries,
	}
	s.commands[cmd.CommandID] = cmd

	return *cmd, nil
}

func (s *Store) GetPendingCommands(_ context.Context, workerID string, limit int) ([]worker.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.Command
	for _, cmd := range s.commands {
		if cmd.TargetWorkerID == workerID && cmd.Status == worker.CommandPending {
			out = append(out, *cmd)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedTS < out[j].CreatedTS
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkCommandSent(_ context.Context, commandID id.CommandID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
	}
	cmd.Status = worker.CommandSent
	cmd.SentTS = time.Now().UnixMilli()
	return nil
}

func (s *Store) CompleteCommand(_ context.Context, commandID id.CommandID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
	}
	cmd.Status = worker.CommandCompleted
	cmd.CompletedTS = time.Now().UnixMilli()
	return nil
}

func (s *Store) FailCommand(_ context.Context, commandID id.CommandID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cmd, ok := s.commands[commandID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrCommandNotFound, commandID)
	}

	// The command cycles back to pending until its retry count has
	// already reached the budget, then fails terminally.
	if cmd.RetryCount >= cmd.MaxRetries {
		cmd.Status = worker.CommandFailed
		cmd.CompletedTS = time.Now().UnixMilli()
	} else {
		cmd.Status = worker.CommandPending
	}
	cmd.RetryCount++
	cmd.ErrorMessage = errorMessage
	return nil
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

func (s *Store) AddEvent(_ context.Context, eventID, eventType, roomID, sender string, data json.RawMessage) (worker.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.streamSeq++
	event := &worker.Event{
		ID:        s.nextRowID(),
		EventID:   eventID,
		StreamID:  s.streamSeq,
		EventType: eventType,
		RoomID:    roomID,
		Sender:    sender,
		EventData: data,
		CreatedTS: time.Now().UnixMilli(),
	}
	s.events = append(s.events, event)

	return *event, nil
}

func (s *Store) GetEventsSince(_ context.Context, streamID int64, limit int) ([]worker.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.Event
	for _, e := range s.events {
		if e.StreamID > streamID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamID < out[j].StreamID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkEventProcessed(_ context.Context, eventID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.events {
		if e.EventID != eventID {
			continue
		}
		for _, p := range e.ProcessedBy {
			if p == workerID {
				return nil
			}
		}
		e.ProcessedBy = append(e.ProcessedBy, workerID)
		return nil
	}
	return fmt.Errorf("%w: %s", worker.ErrEventNotFound, eventID)
}

// ──────────────────────────────────────────────────
// Replication positions
// ──────────────────────────────────────────────────

func (s *Store) UpdateReplicationPosition(_ context.Context, workerID, streamName string, position int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStream, ok := s.positions[workerID]
	if !ok {
		byStream = make(map[string]*worker.ReplicationPosition)
		s.positions[workerID] = byStream
	}

	now := time.Now().UnixMilli()
	if existing, ok := byStream[streamName]; ok {
		existing.StreamPosition = position
		existing.UpdatedTS = now
		return nil
	}
	byStream[streamName] = &worker.ReplicationPosition{
		ID:             s.nextRowID(),
		WorkerID:       workerID,
		StreamName:     streamName,
		StreamPosition: position,
		UpdatedTS:      now,
	}
	return nil
}

func (s *Store) GetReplicationPosition(_ context.Context, workerID, streamName string) (int64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if byStream, ok := s.positions[workerID]; ok {
		if p, ok := byStream[streamName]; ok {
			return p.StreamPosition, true, nil
		}
	}
	return 0, false, nil
}

func (s *Store) GetAllReplicationPositions(_ context.Context, workerID string) ([]worker.ReplicationPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.ReplicationPosition
	for _, p := range s.positions[workerID] {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StreamName < out[j].StreamName })
	return out, nil
}

// ──────────────────────────────────────────────────
// Tasks and load stats
// ──────────────────────────────────────────────────

func (s *Store) AssignTask(_ context.Context, req worker.AssignTaskRequest) (worker.TaskAssignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := &worker.TaskAssignment{
		ID:        s.nextRowID(),
		TaskID:    id.NewTaskID(),
		TaskType:  req.TaskType,
		TaskData:  req.TaskData,
		Status:    worker.TaskPending,
		Priority:  req.Priority,
		CreatedTS: time.Now().UnixMilli(),
	}
	s.tasks[task.TaskID] = task

	return *task, nil
}

func (s *Store) GetTask(_ context.Context, taskID id.TaskID) (worker.TaskAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return worker.TaskAssignment{}, fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
	}
	return *task, nil
}

func (s *Store) GetPendingTasks(_ context.Context, limit int) ([]worker.TaskAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.TaskAssignment
	for _, task := range s.tasks {
		if task.Status == worker.TaskPending {
			out = append(out, *task)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedTS < out[j].CreatedTS
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClaimTask(_ context.Context, taskID id.TaskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
	}
	if task.Status != worker.TaskPending {
		return fmt.Errorf("%w: %s (status %s)", worker.ErrTaskAlreadyClaimed, taskID, task.Status)
	}

	task.AssignedWorkerID = workerID
	task.Status = worker.TaskRunning
	task.AssignedTS = time.Now().UnixMilli()
	return nil
}

func (s *Store) CompleteTask(_ context.Context, taskID id.TaskID, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
	}
	task.Status = worker.TaskCompleted
	task.Result = result
	task.CompletedTS = time.Now().UnixMilli()
	return nil
}

func (s *Store) FailTask(_ context.Context, taskID id.TaskID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", worker.ErrTaskNotFound, taskID)
	}
	task.Status = worker.TaskFailed
	task.ErrorMessage = errorMessage
	task.CompletedTS = time.Now().UnixMilli()
	return nil
}

func (s *Store) RecordLoadStats(_ context.Context, workerID string, update worker.LoadStatsUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.loadStats = append(s.loadStats, &worker.LoadStats{
		ID:                s.nextRowID(),
		WorkerID:          workerID,
		CPUUsage:          update.CPUUsage,
		MemoryUsage:       update.MemoryUsage,
		ActiveConnections: update.ActiveConnections,
		RequestsPerSecond: update.RequestsPerSecond,
		AverageLatencyMS:  update.AverageLatencyMS,
		QueueDepth:        update.QueueDepth,
		RecordedTS:        time.Now().UnixMilli(),
	})
	return nil
}

// ──────────────────────────────────────────────────
// Connections
// ──────────────────────────────────────────────────

func connectionKey(sourceWorkerID, targetWorkerID string) string {
	return sourceWorkerID + "->" + targetWorkerID
}

func (s *Store) RecordConnection(_ context.Context, sourceWorkerID, targetWorkerID, connectionType string) (worker.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn := &worker.Connection{
		ID:             s.nextRowID(),
		SourceWorkerID: sourceWorkerID,
		TargetWorkerID: targetWorkerID,
		ConnectionType: connectionType,
		Status:         "active",
		EstablishedTS:  time.Now().UnixMilli(),
	}
	s.connections[connectionKey(sourceWorkerID, targetWorkerID)] = conn

	return *conn, nil
}

func (s *Store) UpdateConnectionStats(_ context.Context, sourceWorkerID, targetWorkerID string, bytesSent, bytesReceived, messagesSent, messagesReceived int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conn, ok := s.connections[connectionKey(sourceWorkerID, targetWorkerID)]
	if !ok {
		return fmt.Errorf("worker: connection %s -> %s not recorded", sourceWorkerID, targetWorkerID)
	}
	conn.BytesSent += bytesSent
	conn.BytesReceived += bytesReceived
	conn.MessagesSent += messagesSent
	conn.MessagesReceived += messagesReceived
	conn.LastActivityTS = time.Now().UnixMilli()
	return nil
}

// ──────────────────────────────────────────────────
// Statistics
// ──────────────────────────────────────────────────

func (s *Store) GetStatistics(_ context.Context) ([]worker.Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []worker.Statistics
	for _, info := range s.workers {
		stat := worker.Statistics{
			WorkerID:        info.WorkerID,
			WorkerName:      info.WorkerName,
			WorkerType:      info.WorkerType,
			Status:          info.Status,
			LastHeartbeatTS: info.LastHeartbeatTS,
		}
		for _, cmd := range s.commands {
			if cmd.TargetWorkerID == info.WorkerID && cmd.Status == worker.CommandPending {
				stat.PendingCommands++
			}
		}
		for _, task := range s.tasks {
			if task.AssignedWorkerID != info.WorkerID {
				continue
			}
			switch task.Status {
			case worker.TaskPending:
				stat.PendingTasks++
			case worker.TaskRunning:
				stat.RunningTasks++
			}
		}
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (s *Store) GetTypeStatistics(_ context.Context) ([]worker.TypeStatistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[worker.Type]*worker.TypeStatistics)
	for _, info := range s.workers {
		stat, ok := byType[info.WorkerType]
		if !ok {
			stat = &worker.TypeStatistics{WorkerType: info.WorkerType}
			byType[info.WorkerType] = stat
		}
		stat.WorkerCount++
		if info.Status == worker.StatusRunning {
			stat.RunningCount++
		}
	}

	out := make([]worker.TypeStatistics, 0, len(byType))
	for _, stat := range byType {
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerType < out[j].WorkerType })
	return out, nil
}

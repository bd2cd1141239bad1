package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/helixchat/replica/balancer"
	"github.com/helixchat/replica/id"
	"github.com/helixchat/replica/protocol"
	"github.com/helixchat/replica/stream"
	"github.com/helixchat/replica/transport"
)

// Bus is the subset of the command bus the manager publishes through.
type Bus interface {
	BroadcastCommand(cmd protocol.Command) error
	SendToWorker(workerID string, cmd protocol.Command) error
}

// HealthChecker is the external health collaborator, consulted by id.
type HealthChecker interface {
	RegisterWorker(workerID string)
	UnregisterWorker(workerID string)
	IsHealthy(workerID string) bool
}

// Conn is one outbound replication connection to a worker.
type Conn interface {
	Connect(ctx context.Context, addr string) error
	Send(cmd protocol.Command) error
	Connected() bool
	Close() error
}

// DialFunc builds an unconnected Conn for a worker.
type DialFunc func(serverName, workerID string) Conn

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithBus attaches a command bus. Registration broadcasts and remote-writer
// forwarding need one; without it those steps are skipped.
func WithBus(b Bus) Option {
	return func(m *Manager) { m.bus = b }
}

// WithStreamManager attaches the stream position ledger.
func WithStreamManager(s *stream.Manager) Option {
	return func(m *Manager) { m.streams = s }
}

// WithBalancer attaches a load balancer for worker selection.
func WithBalancer(b *balancer.Balancer) Option {
	return func(m *Manager) { m.balancer = b }
}

// WithHealthChecker attaches a health tracker.
func WithHealthChecker(h HealthChecker) Option {
	return func(m *Manager) { m.health = h }
}

// WithDialer replaces the transport dialer, mainly for tests.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithLocalWorkerID sets the id this instance registers connections under.
func WithLocalWorkerID(workerID string) Option {
	return func(m *Manager) { m.localWorkerID = workerID }
}

// Manager orchestrates worker lifecycle, command and task dispatch, and
// event replication over the store, the transport, and the optional bus,
// balancer, and health collaborators.
type Manager struct {
	store         Store
	serverName    string
	localWorkerID string
	logger        *slog.Logger

	bus      Bus
	streams  *stream.Manager
	balancer *balancer.Balancer
	health   HealthChecker
	dial     DialFunc

	mu    sync.RWMutex
	conns map[string]Conn
}

// NewManager returns a manager over the given store. serverName is the
// homeserver name announced on outbound connections.
func NewManager(store Store, serverName string, opts ...Option) *Manager {
	m := &Manager{
		store:      store,
		serverName: serverName,
		logger:     slog.Default(),
		conns:      make(map[string]Conn),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dial == nil {
		m.dial = func(serverName, workerID string) Conn {
			return transport.NewConn(transport.NewClient(serverName, workerID))
		}
	}
	return m
}

// Bus returns the attached bus, or nil.
func (m *Manager) Bus() Bus { return m.bus }

// StreamManager returns the attached stream ledger, or nil.
func (m *Manager) StreamManager() *stream.Manager { return m.streams }

// Balancer returns the attached load balancer, or nil.
func (m *Manager) Balancer() *balancer.Balancer { return m.balancer }

// HealthChecker returns the attached health tracker, or nil.
func (m *Manager) HealthChecker() HealthChecker { return m.health }

// LocalWorkerID returns the id this instance registers connections under.
func (m *Manager) LocalWorkerID() string { return m.localWorkerID }

// ──────────────────────────────────────────────────
// Worker lifecycle
// ──────────────────────────────────────────────────

// Register records a worker and wires it into the balancer and health
// tracker. A worker id with a running registration is rejected, never
// overwritten. When a bus is attached, other instances learn about the new
// worker through a broadcast on the workers stream.
func (m *Manager) Register(ctx context.Context, req RegisterRequest) (Info, error) {
	m.logger.Info("registering worker",
		slog.String("worker_id", req.WorkerID),
		slog.String("worker_type", string(req.WorkerType)),
	)

	existing, err := m.store.GetWorker(ctx, req.WorkerID)
	if err != nil && !errors.Is(err, ErrWorkerNotFound) {
		return Info{}, fmt.Errorf("check existing worker: %w", err)
	}
	if err == nil && existing.Status == StatusRunning {
		return Info{}, fmt.Errorf("%w: %s", ErrWorkerAlreadyRunning, req.WorkerID)
	}

	info, err := m.store.RegisterWorker(ctx, req)
	if err != nil {
		return Info{}, fmt.Errorf("register worker: %w", err)
	}

	if m.balancer != nil {
		m.balancer.Register(balancer.Worker{
			ID:     info.WorkerID,
			Name:   info.WorkerName,
			Type:   string(info.WorkerType),
			Status: string(info.Status),
		})
	}
	if m.health != nil {
		m.health.RegisterWorker(info.WorkerID)
	}

	if m.bus != nil {
		data, _ := json.Marshal(map[string]any{
			"worker_id":   info.WorkerID,
			"worker_type": info.WorkerType,
			"status":      info.Status,
		})
		cmd := protocol.Replicate{StreamName: "workers", Token: info.WorkerID, Data: data}
		if err := m.bus.BroadcastCommand(cmd); err != nil {
			m.logger.Warn("failed to broadcast worker registration",
				slog.String("worker_id", info.WorkerID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.logger.Info("worker registered", slog.String("worker_id", info.WorkerID))
	return info, nil
}

// Get returns one worker's registration.
func (m *Manager) Get(ctx context.Context, workerID string) (Info, error) {
	return m.store.GetWorker(ctx, workerID)
}

// GetByType returns all workers of one type.
func (m *Manager) GetByType(ctx context.Context, workerType Type) ([]Info, error) {
	return m.store.GetWorkersByType(ctx, workerType)
}

// Active returns all running workers.
func (m *Manager) Active(ctx context.Context) ([]Info, error) {
	return m.store.GetActiveWorkers(ctx)
}

// Heartbeat records a worker's status and, when present, its load sample.
// The balancer's live view is refreshed alongside the store.
func (m *Manager) Heartbeat(ctx context.Context, workerID string, status Status, load *LoadStatsUpdate) error {
	if err := m.store.UpdateWorkerStatus(ctx, workerID, status); err != nil {
		return fmt.Errorf("update worker status: %w", err)
	}
	if err := m.store.UpdateHeartbeat(ctx, workerID); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}

	if m.balancer != nil {
		m.balancer.UpdateStatus(workerID, string(status))
	}

	if load != nil {
		if err := m.store.RecordLoadStats(ctx, workerID, *load); err != nil {
			m.logger.Warn("failed to record load stats",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()),
			)
		}
		if m.balancer != nil {
			m.balancer.UpdateWorkerLoad(workerID, balancer.LoadStats{
				ActiveConnections: load.ActiveConnections,
				PendingTasks:      load.QueueDepth,
				CPUUsage:          load.CPUUsage,
				MemoryUsage:       float64(load.MemoryUsage),
			})
		}
	}

	m.logger.Debug("heartbeat received", slog.String("worker_id", workerID))
	return nil
}

// Unregister marks a worker stopped, detaches it from the balancer and
// health tracker, and drops any open transport connection. The remote peer
// discovers the drop on its next read.
func (m *Manager) Unregister(ctx context.Context, workerID string) error {
	m.logger.Info("unregistering worker", slog.String("worker_id", workerID))

	if err := m.store.UnregisterWorker(ctx, workerID); err != nil {
		return fmt.Errorf("unregister worker: %w", err)
	}

	if m.balancer != nil {
		m.balancer.Unregister(workerID)
	}
	if m.health != nil {
		m.health.UnregisterWorker(workerID)
	}

	m.mu.Lock()
	conn, ok := m.conns[workerID]
	delete(m.conns, workerID)
	m.mu.Unlock()
	if ok {
		conn.Close()
	}

	return nil
}

// ──────────────────────────────────────────────────
// Commands
// ──────────────────────────────────────────────────

// SendCommand persists a command and attempts best-effort delivery over an
// existing transport connection to the target. A delivery failure is
// logged, not fatal: the command stays queryable through PendingCommands
// until the target drains it.
func (m *Manager) SendCommand(ctx context.Context, req SendCommandRequest) (Command, error) {
	m.logger.Info("sending command",
		slog.String("target", req.TargetWorkerID),
		slog.String("command_type", req.CommandType),
	)

	cmd, err := m.store.CreateCommand(ctx, req)
	if err != nil {
		return Command{}, fmt.Errorf("create command: %w", err)
	}

	m.mu.RLock()
	conn, ok := m.conns[req.TargetWorkerID]
	m.mu.RUnlock()
	if ok {
		data, _ := json.Marshal(map[string]any{
			"command_id":   cmd.CommandID,
			"command_type": cmd.CommandType,
			"command_data": cmd.CommandData,
		})
		wire := protocol.Replicate{StreamName: "commands", Token: cmd.CommandID.String(), Data: data}
		if err := conn.Send(wire); err != nil {
			m.logger.Warn("failed to deliver command over transport",
				slog.String("command_id", cmd.CommandID.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := m.store.MarkCommandSent(ctx, cmd.CommandID); err != nil {
		return Command{}, fmt.Errorf("mark command sent: %w", err)
	}

	return cmd, nil
}

// PendingCommands lists up to limit pending commands for a worker.
func (m *Manager) PendingCommands(ctx context.Context, workerID string, limit int) ([]Command, error) {
	return m.store.GetPendingCommands(ctx, workerID, limit)
}

// CompleteCommand marks a command terminally completed.
func (m *Manager) CompleteCommand(ctx context.Context, commandID id.CommandID) error {
	if err := m.store.CompleteCommand(ctx, commandID); err != nil {
		return err
	}
	m.logger.Info("command completed", slog.String("command_id", commandID.String()))
	return nil
}

// FailCommand records a command failure. The store cycles the command back
// to pending until its retry budget is exhausted, then marks it failed.
func (m *Manager) FailCommand(ctx context.Context, commandID id.CommandID, errorMessage string) error {
	if err := m.store.FailCommand(ctx, commandID, errorMessage); err != nil {
		return err
	}
	m.logger.Warn("command failed",
		slog.String("command_id", commandID.String()),
		slog.String("error", errorMessage),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Events
// ──────────────────────────────────────────────────

// AddEvent persists an event, drawing the next stream id from the shared
// sequence, then fans the row out as RDATA over every open transport
// connection. A per-connection send failure is warned and does not abort
// the broadcast to the other connections.
func (m *Manager) AddEvent(ctx context.Context, eventID, eventType, roomID, sender string, data json.RawMessage) (Event, error) {
	event, err := m.store.AddEvent(ctx, eventID, eventType, roomID, sender, data)
	if err != nil {
		return Event{}, fmt.Errorf("add event: %w", err)
	}

	m.broadcastEvent(event)

	m.logger.Debug("event added",
		slog.String("event_id", event.EventID),
		slog.Int64("stream_id", event.StreamID),
	)
	return event, nil
}

func (m *Manager) broadcastEvent(event Event) {
	row, _ := json.Marshal(map[string]any{
		"event_id":   event.EventID,
		"event_type": event.EventType,
		"room_id":    event.RoomID,
		"sender":     event.Sender,
		"event_data": event.EventData,
	})
	cmd := protocol.Rdata{
		StreamName: stream.StreamEvents,
		Token:      fmt.Sprintf("%d", event.StreamID),
		Rows:       []protocol.Row{{StreamID: event.StreamID, Data: row}},
	}

	// Snapshot the table so no lock is held across the network writes;
	// sends to one slow peer must not stall callers mutating the table.
	m.mu.RLock()
	conns := make(map[string]Conn, len(m.conns))
	for workerID, conn := range m.conns {
		conns[workerID] = conn
	}
	m.mu.RUnlock()

	for workerID, conn := range conns {
		if err := conn.Send(cmd); err != nil {
			m.logger.Warn("failed to broadcast event",
				slog.String("worker_id", workerID),
				slog.String("event_id", event.EventID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// EventsSince lists up to limit events with stream id greater than streamID.
func (m *Manager) EventsSince(ctx context.Context, streamID int64, limit int) ([]Event, error) {
	return m.store.GetEventsSince(ctx, streamID, limit)
}

// MarkEventProcessed records that a worker has consumed an event.
func (m *Manager) MarkEventProcessed(ctx context.Context, eventID, workerID string) error {
	return m.store.MarkEventProcessed(ctx, eventID, workerID)
}

// ──────────────────────────────────────────────────
// Replication positions
// ──────────────────────────────────────────────────

// UpdateReplicationPosition records a worker's acknowledged position on a
// stream.
func (m *Manager) UpdateReplicationPosition(ctx context.Context, workerID, streamName string, position int64) error {
	if err := m.store.UpdateReplicationPosition(ctx, workerID, streamName, position); err != nil {
		return fmt.Errorf("update replication position: %w", err)
	}

	m.logger.Debug("replication position updated",
		slog.String("worker_id", workerID),
		slog.String("stream", streamName),
		slog.Int64("position", position),
	)
	return nil
}

// ReplicationPosition returns a worker's last acknowledged position on a
// stream. ok is false when none is recorded.
func (m *Manager) ReplicationPosition(ctx context.Context, workerID, streamName string) (int64, bool, error) {
	return m.store.GetReplicationPosition(ctx, workerID, streamName)
}

// ──────────────────────────────────────────────────
// Tasks
// ──────────────────────────────────────────────────

// AssignTask creates a pending task. When a preferred worker is named, the
// task is immediately claimed for it; the claim is atomic and fails if the
// task somehow got claimed in between.
func (m *Manager) AssignTask(ctx context.Context, req AssignTaskRequest) (TaskAssignment, error) {
	m.logger.Info("creating task", slog.String("task_type", req.TaskType))

	task, err := m.store.AssignTask(ctx, req)
	if err != nil {
		return TaskAssignment{}, fmt.Errorf("assign task: %w", err)
	}

	if req.PreferredWorkerID != "" {
		if err := m.store.ClaimTask(ctx, task.TaskID, req.PreferredWorkerID); err != nil {
			return TaskAssignment{}, fmt.Errorf("claim task for preferred worker: %w", err)
		}
		task, err = m.store.GetTask(ctx, task.TaskID)
		if err != nil {
			return TaskAssignment{}, fmt.Errorf("reload task: %w", err)
		}
	}

	m.logger.Info("task created", slog.String("task_id", task.TaskID.String()))
	return task, nil
}

// PendingTasks lists up to limit unclaimed tasks.
func (m *Manager) PendingTasks(ctx context.Context, limit int) ([]TaskAssignment, error) {
	return m.store.GetPendingTasks(ctx, limit)
}

// ClaimTask atomically claims a pending task for a worker.
func (m *Manager) ClaimTask(ctx context.Context, taskID id.TaskID, workerID string) error {
	if err := m.store.ClaimTask(ctx, taskID, workerID); err != nil {
		return err
	}
	m.logger.Info("task claimed",
		slog.String("task_id", taskID.String()),
		slog.String("worker_id", workerID),
	)
	return nil
}

// CompleteTask marks a task terminally completed with an optional result.
func (m *Manager) CompleteTask(ctx context.Context, taskID id.TaskID, result json.RawMessage) error {
	if err := m.store.CompleteTask(ctx, taskID, result); err != nil {
		return err
	}
	m.logger.Info("task completed", slog.String("task_id", taskID.String()))
	return nil
}

// FailTask marks a task terminally failed.
func (m *Manager) FailTask(ctx context.Context, taskID id.TaskID, errorMessage string) error {
	if err := m.store.FailTask(ctx, taskID, errorMessage); err != nil {
		return err
	}
	m.logger.Warn("task failed",
		slog.String("task_id", taskID.String()),
		slog.String("error", errorMessage),
	)
	return nil
}

// SelectWorkerForTask picks a worker for a task type. The balancer's pick
// wins unless the health tracker reports it unusable, in which case the
// fallback filters active workers by capability and takes the one with the
// oldest heartbeat. No capable worker yields ErrNoWorkerAvailable.
func (m *Manager) SelectWorkerForTask(ctx context.Context, taskType string) (string, error) {
	if m.balancer != nil {
		if workerID, ok := m.balancer.SelectWorker(taskType); ok {
			if m.health != nil && !m.health.IsHealthy(workerID) {
				m.logger.Warn("selected worker is not healthy, falling back",
					slog.String("worker_id", workerID),
				)
				return m.selectWorkerFallback(ctx, taskType)
			}
			return workerID, nil
		}
	}

	return m.selectWorkerFallback(ctx, taskType)
}

func (m *Manager) selectWorkerFallback(ctx context.Context, taskType string) (string, error) {
	active, err := m.store.GetActiveWorkers(ctx)
	if err != nil {
		return "", fmt.Errorf("list active workers: %w", err)
	}

	var selected *Info
	for i := range active {
		w := &active[i]
		if !typeHandlesTask(w.WorkerType, taskType) {
			continue
		}
		// Oldest heartbeat wins: a crude least-recently-used proxy for
		// least loaded.
		if selected == nil || w.LastHeartbeatTS < selected.LastHeartbeatTS {
			selected = w
		}
	}

	if selected == nil {
		return "", fmt.Errorf("%w: task type %s", ErrNoWorkerAvailable, taskType)
	}
	return selected.WorkerID, nil
}

func typeHandlesTask(t Type, taskType string) bool {
	caps := CapabilitiesFor(t)
	switch taskType {
	case "http":
		return caps.CanHandleHTTP
	case "federation":
		return caps.CanHandleFederation
	case "event_persist":
		return caps.CanPersistEvents
	case "push":
		return caps.CanSendPush
	case "media":
		return caps.CanHandleMedia
	case "background":
		return caps.CanRunBackgroundTasks
	default:
		return true
	}
}

// ──────────────────────────────────────────────────
// Connections
// ──────────────────────────────────────────────────

// ConnectToWorker opens a replication connection to a registered worker
// and records it. An existing connection for the id is replaced.
func (m *Manager) ConnectToWorker(ctx context.Context, workerID, addr string) error {
	m.logger.Info("connecting to worker",
		slog.String("worker_id", workerID),
		slog.String("addr", addr),
	)

	if _, err := m.store.GetWorker(ctx, workerID); err != nil {
		return fmt.Errorf("look up worker: %w", err)
	}

	conn := m.dial(m.serverName, workerID)
	if err := conn.Connect(ctx, addr); err != nil {
		return fmt.Errorf("connect to worker %s: %w", workerID, err)
	}

	if _, err := m.store.RecordConnection(ctx, m.localWorkerID, workerID, "replication"); err != nil {
		m.logger.Warn("failed to record connection",
			slog.String("worker_id", workerID),
			slog.String("error", err.Error()),
		)
	}

	m.mu.Lock()
	if old, ok := m.conns[workerID]; ok {
		old.Close()
	}
	m.conns[workerID] = conn
	m.mu.Unlock()

	return nil
}

// DisconnectFromWorker drops the replication connection to a worker, if
// any.
func (m *Manager) DisconnectFromWorker(workerID string) {
	m.mu.Lock()
	conn, ok := m.conns[workerID]
	delete(m.conns, workerID)
	m.mu.Unlock()

	if ok {
		conn.Close()
		m.logger.Info("disconnected from worker", slog.String("worker_id", workerID))
	}
}

// CloseConnections drops every outbound replication connection.
func (m *Manager) CloseConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Conn)
	m.mu.Unlock()

	for workerID, conn := range conns {
		conn.Close()
		m.logger.Info("disconnected from worker", slog.String("worker_id", workerID))
	}
}

// ConnectedWorkers returns the ids with an open transport connection.
func (m *Manager) ConnectedWorkers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.conns))
	for workerID, conn := range m.conns {
		if conn.Connected() {
			ids = append(ids, workerID)
		}
	}
	return ids
}

// ──────────────────────────────────────────────────
// Statistics
// ──────────────────────────────────────────────────

// Statistics returns the per-worker aggregate view.
func (m *Manager) Statistics(ctx context.Context) ([]Statistics, error) {
	return m.store.GetStatistics(ctx)
}

// TypeStatistics returns the per-type aggregate view.
func (m *Manager) TypeStatistics(ctx context.Context) ([]TypeStatistics, error) {
	return m.store.GetTypeStatistics(ctx)
}

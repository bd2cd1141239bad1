package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// CommandType enumerates the control commands a worker accepts. The set is
// closed: handlers are registered per type and every type is statically
// known, so dispatch is testable without a live worker.
type CommandType string

// Command types.
const (
	CommandShutdown     CommandType = "shutdown"
	CommandReloadConfig CommandType = "reload_config"
	CommandPurgeCache   CommandType = "purge_cache"
	CommandResyncStream CommandType = "resync_stream"
	CommandPingWorker   CommandType = "ping"
)

// CommandTypes returns every known command type.
func CommandTypes() []CommandType {
	return []CommandType{
		CommandShutdown,
		CommandReloadConfig,
		CommandPurgeCache,
		CommandResyncStream,
		CommandPingWorker,
	}
}

// ParseCommandType converts a wire string into a CommandType.
func ParseCommandType(s string) (CommandType, error) {
	for _, t := range CommandTypes() {
		if CommandType(s) == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommandType, s)
}

// TaskType enumerates the task categories routed through the balancer.
type TaskType string

// Task types.
const (
	TaskHTTP              TaskType = "http"
	TaskSync              TaskType = "sync"
	TaskPresence          TaskType = "presence"
	TaskFederation        TaskType = "federation"
	TaskFederationSend    TaskType = "federation_send"
	TaskEventPersist      TaskType = "event_persist"
	TaskEvents            TaskType = "events"
	TaskPush              TaskType = "push"
	TaskPushNotifications TaskType = "push_notifications"
	TaskMedia             TaskType = "media"
	TaskMediaUpload       TaskType = "media_upload"
	TaskMediaDownload     TaskType = "media_download"
	TaskBackground        TaskType = "background"
)

// TaskTypes returns every known task type.
func TaskTypes() []TaskType {
	return []TaskType{
		TaskHTTP, TaskSync, TaskPresence,
		TaskFederation, TaskFederationSend,
		TaskEventPersist, TaskEvents,
		TaskPush, TaskPushNotifications,
		TaskMedia, TaskMediaUpload, TaskMediaDownload,
		TaskBackground,
	}
}

// ParseTaskType converts a wire string into a TaskType.
func ParseTaskType(s string) (TaskType, error) {
	for _, t := range TaskTypes() {
		if TaskType(s) == t {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTaskType, s)
}

// Dispatch errors.
var (
	// ErrUnknownCommandType is returned for command types outside the
	// closed set.
	ErrUnknownCommandType = errors.New("worker: unknown command type")

	// ErrUnknownTaskType is returned for task types outside the closed
	// set.
	ErrUnknownTaskType = errors.New("worker: unknown task type")

	// ErrNoHandler is returned when dispatching a command type with no
	// registered handler.
	ErrNoHandler = errors.New("worker: no handler registered")
)

// Handler processes one durable command on the receiving worker.
type Handler func(ctx context.Context, cmd Command) error

// Middleware wraps a Handler. Applied in registration order, outermost
// first.
type Middleware func(Handler) Handler

// Dispatcher routes incoming commands to per-type handlers.
type Dispatcher struct {
	logger *slog.Logger

	mu         sync.RWMutex
	handlers   map[CommandType]Handler
	middleware []Middleware
}

// NewDispatcher returns an empty dispatcher.
func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[CommandType]Handler),
	}
}

// Use appends middleware applied to every handler at dispatch time.
func (d *Dispatcher) Use(mw ...Middleware) {
	d.mu.Lock()
	d.middleware = append(d.middleware, mw...)
	d.mu.Unlock()
}

// Handle registers the handler for a command type. Types outside the
// closed set are rejected. Registering twice replaces the handler.
func (d *Dispatcher) Handle(commandType CommandType, h Handler) error {
	if _, err := ParseCommandType(string(commandType)); err != nil {
		return err
	}

	d.mu.Lock()
	d.handlers[commandType] = h
	d.mu.Unlock()
	return nil
}

// Dispatch routes a command to its handler through the middleware chain.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) error {
	commandType, err := ParseCommandType(cmd.CommandType)
	if err != nil {
		return err
	}

	d.mu.RLock()
	h, ok := d.handlers[commandType]
	middleware := append([]Middleware(nil), d.middleware...)
	d.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoHandler, commandType)
	}

	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}

	return h(ctx, cmd)
}

// Registered returns the command types with a handler, for introspection.
func (d *Dispatcher) Registered() []CommandType {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]CommandType, 0, len(d.handlers))
	for t := range d.handlers {
		out = append(out, t)
	}
	return out
}

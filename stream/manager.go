package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixchat/replica/protocol"
)

// ErrWriterMismatch is returned when an instance tries to write a stream
// another instance is configured to own. This is an authorization failure;
// the write is never silently rerouted.
var ErrWriterMismatch = errors.New("stream: instance is not the configured writer")

// Bus is the subset of the command bus the manager publishes through.
type Bus interface {
	SendToWorker(workerID string, cmd protocol.Command) error
	PublishStreamPosition(streamName string, position int64) error
}

// Position is the last-known position of one stream, attributed to the
// instance that recorded it.
type Position struct {
	StreamName   string `json:"stream_name"`
	Position     int64  `json:"position"`
	InstanceName string `json:"instance_name"`
	UpdatedTS    int64  `json:"updated_ts"`
}

// Stats is a point-in-time snapshot of the manager.
type Stats struct {
	InstanceName string           `json:"instance_name"`
	LocalStreams []string         `json:"local_streams"`
	Positions    map[string]int64 `json:"positions"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// Manager holds the static writer configuration and the mutable position
// ledger. All methods are safe for concurrent use.
type Manager struct {
	config       Writers
	bus          Bus
	instanceName string
	logger       *slog.Logger

	mu        sync.RWMutex
	positions map[string]Position
}

// NewManager returns a manager for the given writer configuration.
// instanceName identifies this process; it decides which streams are
// locally writable.
func NewManager(config Writers, b Bus, instanceName string, opts ...Option) *Manager {
	m := &Manager{
		config:       config,
		bus:          b,
		instanceName: instanceName,
		logger:       slog.Default(),
		positions:    make(map[string]Position),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Writer returns the configured writer for a stream, if any.
func (m *Manager) Writer(streamName string) (string, bool) {
	return m.config.Writer(streamName)
}

// IsLocalWriter reports whether this instance may write the stream: true
// when no writer is configured, or when the configured writer is this
// instance.
func (m *Manager) IsLocalWriter(streamName string) bool {
	writer, ok := m.config.Writer(streamName)
	if !ok {
		return true
	}
	return writer == m.instanceName
}

// ForwardToWriter hands a row batch to the configured remote writer over
// the bus. When the stream is locally writable the call is a no-op and the
// caller processes the rows itself.
func (m *Manager) ForwardToWriter(streamName, token string, rows []protocol.Row) error {
	writer, ok := m.config.Writer(streamName)
	if !ok || writer == m.instanceName {
		m.logger.Debug("processing stream data locally", slog.String("stream", streamName))
		return nil
	}

	m.logger.Debug("forwarding stream data to writer",
		slog.String("stream", streamName),
		slog.String("writer", writer),
	)

	return m.bus.SendToWorker(writer, protocol.Rdata{
		StreamName: streamName,
		Token:      token,
		Rows:       rows,
	})
}

// UpdatePosition records a stream position for this instance and publishes
// it so other instances observe the move.
func (m *Manager) UpdatePosition(streamName string, position int64) error {
	m.setPosition(streamName, position)

	if err := m.bus.PublishStreamPosition(streamName, position); err != nil {
		return err
	}

	m.logger.Debug("updated stream position",
		slog.String("stream", streamName),
		slog.Int64("position", position),
	)
	return nil
}

// AdvancePositionIfGreater records and publishes the position only when it
// is strictly greater than the current value. A non-increasing submission
// is a no-op returning false; callers poll and retry with fresher data.
func (m *Manager) AdvancePositionIfGreater(streamName string, position int64) (bool, error) {
	m.mu.Lock()
	current := m.positions[streamName].Position
	if position <= current {
		m.mu.Unlock()
		return false, nil
	}
	m.positions[streamName] = m.newPosition(streamName, position)
	m.mu.Unlock()

	if err := m.bus.PublishStreamPosition(streamName, position); err != nil {
		return true, err
	}
	return true, nil
}

// GetPosition returns the last-known position of a stream. ok is false when
// no position has been recorded.
func (m *Manager) GetPosition(streamName string) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.positions[streamName]
	return p.Position, ok
}

// AllPositions returns a copy of the position ledger as stream -> position.
func (m *Manager) AllPositions() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.positions))
	for name, p := range m.positions {
		out[name] = p.Position
	}
	return out
}

// AllStreamPositions returns the full attributed position records.
func (m *Manager) AllStreamPositions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Position, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, p)
	}
	return out
}

// UpdatePositionsBulk records several positions at once without publishing.
// Used when replaying positions learned from storage on startup.
func (m *Manager) UpdatePositionsBulk(updates map[string]int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, position := range updates {
		m.positions[name] = m.newPosition(name, position)
	}
}

// ResetPosition moves a stream back to zero and publishes the reset.
func (m *Manager) ResetPosition(streamName string) error {
	return m.UpdatePosition(streamName, 0)
}

// SyncPositions republishes the current position of every locally-written
// stream. Streams with no recorded position publish zero.
func (m *Manager) SyncPositions() error {
	for _, name := range Names() {
		if !m.IsLocalWriter(name) {
			continue
		}
		position, _ := m.GetPosition(name)
		if err := m.bus.PublishStreamPosition(name, position); err != nil {
			return err
		}
	}

	m.logger.Debug("synced stream positions")
	return nil
}

// LocalStreams returns the streams this instance may write.
func (m *Manager) LocalStreams() []string {
	var local []string
	for _, name := range Names() {
		if m.IsLocalWriter(name) {
			local = append(local, name)
		}
	}
	return local
}

// CanWrite reports whether this instance may write the stream.
func (m *Manager) CanWrite(streamName string) bool {
	return m.IsLocalWriter(streamName)
}

// ValidateWriter checks that writerInstance is allowed to write the stream.
// A mismatch against a configured writer fails with ErrWriterMismatch. An
// unconfigured stream accepts any writer; a write by an instance other than
// this one is logged as suspicious but allowed.
func (m *Manager) ValidateWriter(streamName, writerInstance string) error {
	configured, ok := m.config.Writer(streamName)
	if !ok {
		if writerInstance != m.instanceName {
			m.logger.Warn("unconfigured stream written by remote instance",
				slog.String("stream", streamName),
				slog.String("instance", writerInstance),
			)
		}
		return nil
	}

	if configured != writerInstance {
		m.logger.Warn("writer mismatch",
			slog.String("stream", streamName),
			slog.String("expected", configured),
			slog.String("got", writerInstance),
		)
		return fmt.Errorf("%w: %s may not write stream %s (configured writer %s)",
			ErrWriterMismatch, writerInstance, streamName, configured)
	}
	return nil
}

// Stats returns a snapshot of the manager state.
func (m *Manager) Stats() Stats {
	return Stats{
		InstanceName: m.instanceName,
		LocalStreams: m.LocalStreams(),
		Positions:    m.AllPositions(),
	}
}

func (m *Manager) setPosition(streamName string, position int64) {
	m.mu.Lock()
	m.positions[streamName] = m.newPosition(streamName, position)
	m.mu.Unlock()
}

func (m *Manager) newPosition(streamName string, position int64) Position {
	return Position{
		StreamName:   streamName,
		Position:     position,
		InstanceName: m.instanceName,
		UpdatedTS:    time.Now().UnixMilli(),
	}
}

// Package bus provides the publish/subscribe fan-out used to propagate
// replication commands between instances. The current fan-out is in-process,
// but the contract (explicit connect state, named channels, structured
// command payloads) is shaped so a networked broker can be swapped in
// without touching callers.
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/helixchat/replica/protocol"
)

// ErrNotConnected is returned when publishing or subscribing before Connect
// (or after Disconnect). The bus never silently buffers while disconnected.
var ErrNotConnected = errors.New("bus: not connected")

// ChannelBroadcast addresses every subscribed instance.
const ChannelBroadcast = "broadcast"

// WorkerChannel returns the channel addressing a single worker.
func WorkerChannel(workerID string) string { return "worker:" + workerID }

// StreamChannel returns the channel addressing the writer of a stream.
func StreamChannel(streamName string) string { return "stream:" + streamName }

// Message is the envelope carried on every channel. Payload is the JSON
// encoding of a replication command.
type Message struct {
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	Timestamp int64  `json:"timestamp"`
	Payload   []byte `json:"payload"`
}

// Stats is a point-in-time snapshot of the bus.
type Stats struct {
	Connected       bool   `json:"connected"`
	ServerName      string `json:"server_name"`
	InstanceName    string `json:"instance_name"`
	SubscriberCount int    `json:"subscriber_count"`
}

const defaultSubscriberBuffer = 100

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithSubscriberBuffer sets the capacity of each subscriber's channel. A
// subscriber that falls behind by more than this many messages starts
// dropping; drops are logged, not fatal.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.buffer = n }
}

// Bus fans published messages out to all current subscribers. All methods
// are safe for concurrent use. The Bus is a leaf dependency: managers hold
// a handle to it, never the reverse.
type Bus struct {
	serverName   string
	instanceName string
	logger       *slog.Logger
	buffer       int

	mu          sync.RWMutex
	connected   bool
	subscribers []chan Message
}

// NewBus returns a disconnected bus. serverName identifies the homeserver;
// instanceName identifies this process and stamps every published message.
func NewBus(serverName, instanceName string, opts ...Option) *Bus {
	b := &Bus{
		serverName:   serverName,
		instanceName: instanceName,
		logger:       slog.Default(),
		buffer:       defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect marks the bus as connected.
func (b *Bus) Connect() error {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("bus connected", slog.String("instance", b.instanceName))
	return nil
}

// Disconnect marks the bus as disconnected. Existing subscriber channels
// stay open but receive nothing further.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.Info("bus disconnected", slog.String("instance", b.instanceName))
}

// Connected reports the connect state.
func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return b.connected
}

// Publish wraps payload in an envelope stamped with this instance's identity
// and the current time, then fans it out to every subscriber. A subscriber
// whose channel is full misses the message; the drop is logged.
func (b *Bus) Publish(channel string, payload []byte) error {
	msg := Message{
		Channel:   channel,
		Sender:    b.instanceName,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.connected {
		return ErrNotConnected
	}

	for _, sub := range b.subscribers {
		select {
		case sub <- msg:
		default:
			b.logger.Warn("subscriber lagging, message dropped",
				slog.String("channel", channel),
			)
		}
	}

	return nil
}

// Subscribe registers a new subscriber and returns its channel. Every
// published message is delivered to every subscriber; filtering by the
// envelope's Channel field is left to the consumer.
func (b *Bus) Subscribe() (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, ErrNotConnected
	}

	ch := make(chan Message, b.buffer)
	b.subscribers = append(b.subscribers, ch)

	return ch, nil
}

// Unsubscribe removes a subscriber previously returned by Subscribe and
// closes its channel. Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subscribers {
		if sub == ch {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			close(sub)
			return
		}
	}
}

// BroadcastCommand publishes a command to every instance.
func (b *Bus) BroadcastCommand(cmd protocol.Command) error {
	return b.publishCommand(ChannelBroadcast, cmd)
}

// SendToWorker publishes a command addressed to a single worker.
func (b *Bus) SendToWorker(workerID string, cmd protocol.Command) error {
	return b.publishCommand(WorkerChannel(workerID), cmd)
}

// SendToStreamWriter publishes a command addressed to the writer of a
// stream.
func (b *Bus) SendToStreamWriter(streamName string, cmd protocol.Command) error {
	return b.publishCommand(StreamChannel(streamName), cmd)
}

// PublishStreamPosition broadcasts the current position of a stream.
func (b *Bus) PublishStreamPosition(streamName string, position int64) error {
	return b.BroadcastCommand(protocol.Position{StreamName: streamName, Position: position})
}

// PublishUserSync broadcasts a user presence edge.
func (b *Bus) PublishUserSync(userID string, online bool) error {
	state := protocol.UserSyncOffline
	if online {
		state = protocol.UserSyncOnline
	}
	return b.BroadcastCommand(protocol.UserSync{UserID: userID, State: state})
}

// PublishFederationAck broadcasts an acknowledgment of federation traffic
// from an origin server.
func (b *Bus) PublishFederationAck(origin string) error {
	return b.BroadcastCommand(protocol.FederationAck{Origin: origin})
}

// PublishRemovePushers broadcasts an instruction to drop a push endpoint.
func (b *Bus) PublishRemovePushers(appID, pushKey string) error {
	return b.BroadcastCommand(protocol.RemovePushers{AppID: appID, PushKey: pushKey})
}

// Stats returns a snapshot of the bus state.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return Stats{
		Connected:       b.connected,
		ServerName:      b.serverName,
		InstanceName:    b.instanceName,
		SubscriberCount: len(b.subscribers),
	}
}

func (b *Bus) publishCommand(channel string, cmd protocol.Command) error {
	payload, err := protocol.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", cmd.Verb(), err)
	}

	return b.Publish(channel, payload)
}

// ParseMessage decodes an envelope received off the bus.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("bus: invalid message: %w", err)
	}
	return msg, nil
}

// ParseCommand decodes a message payload back into a replication command.
func ParseCommand(msg Message) (protocol.Command, error) {
	return protocol.Unmarshal(msg.Payload)
}

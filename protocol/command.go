// Package protocol defines the replication command set exchanged between the
// master process and its workers, together with the newline-terminated line
// codec used on raw TCP connections and the JSON codec used on the bus.
//
// The command set is a closed enumeration: every variant is a concrete
// struct, so handlers can be dispatched through an explicit table and
// exercised in tests without a live connection.
package protocol

import (
	"encoding/json"
	"errors"
	"time"
)

// Parse failures form a closed taxonomy. Callers match with errors.Is.
var (
	// ErrInvalidFormat is returned for lines that cannot be tokenized,
	// including empty lines.
	ErrInvalidFormat = errors.New("protocol: invalid format")

	// ErrMissingField is returned when a verb is recognized but a required
	// argument is absent.
	ErrMissingField = errors.New("protocol: missing field")

	// ErrBadNumber is returned when a numeric argument does not parse.
	ErrBadNumber = errors.New("protocol: bad number")

	// ErrUnknownVerb is returned for verbs outside the command set.
	ErrUnknownVerb = errors.New("protocol: unknown verb")
)

// Command is a replication command. The concrete types below are the only
// implementations; the set is closed by the unexported marker method.
type Command interface {
	// Verb returns the wire verb identifying the variant (e.g. "PING").
	Verb() string

	isCommand()
}

// Row is one replicated datum inside an Rdata batch. Rows travel in the
// structured JSON form only; the line grammar carries just the stream name
// and token.
type Row struct {
	StreamID int64           `json:"stream_id"`
	Data     json.RawMessage `json:"data"`
}

// UserSyncState is the presence edge carried by a UserSync command.
type UserSyncState string

// UserSync states.
const (
	UserSyncOnline  UserSyncState = "online"
	UserSyncOffline UserSyncState = "offline"
)

// Ping is a liveness probe. The peer answers with Pong.
type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

// Pong answers a Ping and doubles as the server's greeting on connect.
type Pong struct {
	Timestamp  int64  `json:"timestamp"`
	ServerName string `json:"server_name"`
}

// Name announces the logical identity of the sending connection.
type Name struct {
	Name string `json:"name"`
}

// Replicate asks the receiver to start replicating a stream from a token.
type Replicate struct {
	StreamName string          `json:"stream_name"`
	Token      string          `json:"token"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Rdata carries a batch of replicated rows for a stream. Row payloads are
// present only in the structured form.
type Rdata struct {
	StreamName string `json:"stream_name"`
	Token      string `json:"token"`
	Rows       []Row  `json:"rows,omitempty"`
}

// Position advertises the current position of a stream.
type Position struct {
	StreamName string `json:"stream_name"`
	Position   int64  `json:"position"`
}

// Error reports a protocol-level failure to the peer. The message is free
// text and occupies the rest of the line.
type Error struct {
	Message string `json:"message"`
}

// Sync requests rows for a stream from the given position onward.
type Sync struct {
	StreamName string `json:"stream_name"`
	Position   int64  `json:"position"`
}

// UserSync propagates a user presence edge. Bus-only: it has no line form.
type UserSync struct {
	UserID string        `json:"user_id"`
	State  UserSyncState `json:"state"`
}

// FederationAck acknowledges federation traffic from an origin server.
// Bus-only: it has no line form.
type FederationAck struct {
	Origin string `json:"origin"`
}

// RemovePushers instructs pusher workers to drop a push endpoint.
// Bus-only: it has no line form.
type RemovePushers struct {
	AppID   string `json:"app_id"`
	PushKey string `json:"push_key"`
}

// Verb implementations.

func (Ping) Verb() string          { return "PING" }
func (Pong) Verb() string          { return "PONG" }
func (Name) Verb() string          { return "NAME" }
func (Replicate) Verb() string     { return "REPLICATE" }
func (Rdata) Verb() string         { return "RDATA" }
func (Position) Verb() string      { return "POSITION" }
func (Error) Verb() string         { return "ERROR" }
func (Sync) Verb() string          { return "SYNC" }
func (UserSync) Verb() string      { return "USER_SYNC" }
func (FederationAck) Verb() string { return "FEDERATION_ACK" }
func (RemovePushers) Verb() string { return "REMOVE_PUSHERS" }

func (Ping) isCommand()          {}
func (Pong) isCommand()          {}
func (Name) isCommand()          {}
func (Replicate) isCommand()     {}
func (Rdata) isCommand()         {}
func (Position) isCommand()      {}
func (Error) isCommand()         {}
func (Sync) isCommand()          {}
func (UserSync) isCommand()      {}
func (FederationAck) isCommand() {}
func (RemovePushers) isCommand() {}

// NewPing returns a Ping stamped with the current wall clock in
// milliseconds.
func NewPing() Ping {
	return Ping{Timestamp: time.Now().UnixMilli()}
}

// NewPong returns a Pong for the given server name stamped with the current
// wall clock in milliseconds.
func NewPong(serverName string) Pong {
	return Pong{Timestamp: time.Now().UnixMilli(), ServerName: serverName}
}

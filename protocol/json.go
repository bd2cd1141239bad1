package protocol

import (
	"encoding/json"
	"fmt"
)

// wireCommand is the internally-tagged JSON shape used on the bus. A single
// flat struct keeps the codec explicit: the Type tag selects which fields
// are meaningful.
type wireCommand struct {
	Type string `json:"type"`

	Timestamp  int64           `json:"timestamp,omitempty"`
	ServerName string          `json:"server_name,omitempty"`
	Name       string          `json:"name,omitempty"`
	StreamName string          `json:"stream_name,omitempty"`
	Token      string          `json:"token,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Rows       []Row           `json:"rows,omitempty"`
	Position   int64           `json:"position,omitempty"`
	Message    string          `json:"message,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	State      UserSyncState   `json:"state,omitempty"`
	Origin     string          `json:"origin,omitempty"`
	AppID      string          `json:"app_id,omitempty"`
	PushKey    string          `json:"push_key,omitempty"`
}

// Marshal encodes a command in the structured JSON form used on the bus.
// Every variant, including the bus-only ones, is representable.
func Marshal(c Command) ([]byte, error) {
	w := wireCommand{}

	switch v := c.(type) {
	case Ping:
		w.Type = "ping"
		w.Timestamp = v.Timestamp
	case Pong:
		w.Type = "pong"
		w.Timestamp = v.Timestamp
		w.ServerName = v.ServerName
	case Name:
		w.Type = "name"
		w.Name = v.Name
	case Replicate:
		w.Type = "replicate"
		w.StreamName = v.StreamName
		w.Token = v.Token
		w.Data = v.Data
	case Rdata:
		w.Type = "rdata"
		w.StreamName = v.StreamName
		w.Token = v.Token
		w.Rows = v.Rows
	case Position:
		w.Type = "position"
		w.StreamName = v.StreamName
		w.Position = v.Position
	case Error:
		w.Type = "error"
		w.Message = v.Message
	case Sync:
		w.Type = "sync"
		w.StreamName = v.StreamName
		w.Position = v.Position
	case UserSync:
		w.Type = "user_sync"
		w.UserID = v.UserID
		w.State = v.State
	case FederationAck:
		w.Type = "federation_ack"
		w.Origin = v.Origin
	case RemovePushers:
		w.Type = "remove_pushers"
		w.AppID = v.AppID
		w.PushKey = v.PushKey
	default:
		return nil, fmt.Errorf("%w: unhandled command %T", ErrInvalidFormat, c)
	}

	return json.Marshal(w)
}

// Unmarshal decodes the structured JSON form back into a concrete Command.
// It is the inverse of Marshal for every variant.
func Unmarshal(data []byte) (Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}

	switch w.Type {
	case "ping":
		return Ping{Timestamp: w.Timestamp}, nil
	case "pong":
		return Pong{Timestamp: w.Timestamp, ServerName: w.ServerName}, nil
	case "name":
		return Name{Name: w.Name}, nil
	case "replicate":
		return Replicate{StreamName: w.StreamName, Token: w.Token, Data: w.Data}, nil
	case "rdata":
		return Rdata{StreamName: w.StreamName, Token: w.Token, Rows: w.Rows}, nil
	case "position":
		return Position{StreamName: w.StreamName, Position: w.Position}, nil
	case "error":
		return Error{Message: w.Message}, nil
	case "sync":
		return Sync{StreamName: w.StreamName, Position: w.Position}, nil
	case "user_sync":
		return UserSync{UserID: w.UserID, State: w.State}, nil
	case "federation_ack":
		return FederationAck{Origin: w.Origin}, nil
	case "remove_pushers":
		return RemovePushers{AppID: w.AppID, PushKey: w.PushKey}, nil
	case "":
		return nil, fmt.Errorf("%w: type", ErrMissingField)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, w.Type)
	}
}

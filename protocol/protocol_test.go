package protocol_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/helixchat/replica/protocol"
)

func TestEncodeLine(t *testing.T) {
	tests := []struct {
		name string
		cmd  protocol.Command
		want string
	}{
		{"ping", protocol.Ping{Timestamp: 12345}, "PING 12345\n"},
		{"pong", protocol.Pong{Timestamp: 12345, ServerName: "example.com"}, "PONG 12345 example.com\n"},
		{"name", protocol.Name{Name: "worker1"}, "NAME worker1\n"},
		{"replicate", protocol.Replicate{StreamName: "events", Token: "t1"}, "REPLICATE events t1\n"},
		{"rdata", protocol.Rdata{StreamName: "events", Token: "42"}, "RDATA events 42\n"},
		{"position", protocol.Position{StreamName: "events", Position: 100}, "POSITION events 100\n"},
		{"error", protocol.Error{Message: "something went wrong"}, "ERROR something went wrong\n"},
		{"sync", protocol.Sync{StreamName: "typing", Position: 7}, "SYNC typing 7\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := protocol.EncodeLine(tt.cmd)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineRoundTrip(t *testing.T) {
	cmds := []protocol.Command{
		protocol.Ping{Timestamp: 12345},
		protocol.Pong{Timestamp: 99, ServerName: "example.com"},
		protocol.Name{Name: "frontend-1"},
		protocol.Replicate{StreamName: "events", Token: "token-1"},
		protocol.Rdata{StreamName: "receipts", Token: "8"},
		protocol.Position{StreamName: "presence", Position: 1024},
		protocol.Error{Message: "writer mismatch for stream events"},
		protocol.Sync{StreamName: "to_device", Position: -1},
	}

	for _, cmd := range cmds {
		encoded, err := protocol.EncodeLine(cmd)
		if err != nil {
			t.Fatalf("%s: encode: %v", cmd.Verb(), err)
		}
		decoded, err := protocol.DecodeLine(encoded)
		if err != nil {
			t.Fatalf("%s: decode: %v", cmd.Verb(), err)
		}
		if !reflect.DeepEqual(decoded, cmd) {
			t.Fatalf("%s: round trip mismatch: %#v != %#v", cmd.Verb(), decoded, cmd)
		}
	}
}

func TestEncodeLine_BusOnlyVariants(t *testing.T) {
	busOnly := []protocol.Command{
		protocol.UserSync{UserID: "@a:example.com", State: protocol.UserSyncOnline},
		protocol.FederationAck{Origin: "other.example.com"},
		protocol.RemovePushers{AppID: "app", PushKey: "key"},
	}

	for _, cmd := range busOnly {
		if _, err := protocol.EncodeLine(cmd); !errors.Is(err, protocol.ErrInvalidFormat) {
			t.Fatalf("%s: expected ErrInvalidFormat, got %v", cmd.Verb(), err)
		}
	}
}

func TestParseLine_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"empty", "", protocol.ErrInvalidFormat},
		{"blank", "   ", protocol.ErrInvalidFormat},
		{"unknown verb", "FROBNICATE a b", protocol.ErrUnknownVerb},
		{"ping missing ts", "PING", protocol.ErrMissingField},
		{"ping bad ts", "PING abc", protocol.ErrBadNumber},
		{"pong missing name", "PONG 123", protocol.ErrMissingField},
		{"position bad pos", "POSITION events xyz", protocol.ErrBadNumber},
		{"replicate missing token", "REPLICATE events", protocol.ErrMissingField},
		{"sync missing position", "SYNC events", protocol.ErrMissingField},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := protocol.ParseLine(tt.line)
			if !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseLine_ErrorMessagePreservesSpaces(t *testing.T) {
	cmd, err := protocol.ParseLine("ERROR stream events has no configured writer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	e, ok := cmd.(protocol.Error)
	if !ok {
		t.Fatalf("expected Error, got %T", cmd)
	}
	if e.Message != "stream events has no configured writer" {
		t.Fatalf("unexpected message %q", e.Message)
	}
}

func TestParseLine_NamePreservesSpaces(t *testing.T) {
	cmd, err := protocol.ParseLine("NAME media repository one")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	n, ok := cmd.(protocol.Name)
	if !ok {
		t.Fatalf("expected Name, got %T", cmd)
	}
	if n.Name != "media repository one" {
		t.Fatalf("unexpected name %q", n.Name)
	}

	// And the encoded form round-trips instead of truncating.
	want := protocol.Name{Name: "media repository one"}
	encoded, err := protocol.EncodeLine(want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := protocol.DecodeLine(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(decoded, want) {
		t.Fatalf("round trip mismatch: %#v != %#v", decoded, want)
	}
}

func TestParseLine_ErrorWithoutText(t *testing.T) {
	cmd, err := protocol.ParseLine("ERROR")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.(protocol.Error).Message != "unknown error" {
		t.Fatalf("unexpected message %q", cmd.(protocol.Error).Message)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	cmds := []protocol.Command{
		protocol.Ping{Timestamp: 5},
		protocol.Pong{Timestamp: 6, ServerName: "example.com"},
		protocol.Name{Name: "pusher-2"},
		protocol.Replicate{StreamName: "events", Token: "t"},
		protocol.Rdata{
			StreamName: "events",
			Token:      "11",
			Rows:       []protocol.Row{{StreamID: 11, Data: []byte(`{"event_id":"$e1"}`)}},
		},
		protocol.Position{StreamName: "caches", Position: 3},
		protocol.Error{Message: "boom"},
		protocol.Sync{StreamName: "pushers", Position: 9},
		protocol.UserSync{UserID: "@u:example.com", State: protocol.UserSyncOffline},
		protocol.FederationAck{Origin: "remote.example.com"},
		protocol.RemovePushers{AppID: "im.helix.app", PushKey: "k1"},
	}

	for _, cmd := range cmds {
		data, err := protocol.Marshal(cmd)
		if err != nil {
			t.Fatalf("%s: marshal: %v", cmd.Verb(), err)
		}
		decoded, err := protocol.Unmarshal(data)
		if err != nil {
			t.Fatalf("%s: unmarshal: %v", cmd.Verb(), err)
		}
		if !reflect.DeepEqual(decoded, cmd) {
			t.Fatalf("%s: JSON round trip mismatch: %#v != %#v", cmd.Verb(), decoded, cmd)
		}
	}
}

func TestUnmarshal_UnknownType(t *testing.T) {
	if _, err := protocol.Unmarshal([]byte(`{"type":"bogus"}`)); !errors.Is(err, protocol.ErrUnknownVerb) {
		t.Fatalf("expected ErrUnknownVerb, got %v", err)
	}
	if _, err := protocol.Unmarshal([]byte(`{}`)); !errors.Is(err, protocol.ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestNewPing(t *testing.T) {
	p := protocol.NewPing()
	if p.Timestamp <= 0 {
		t.Fatalf("expected positive timestamp, got %d", p.Timestamp)
	}
}

package stream_test

import (
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/helixchat/replica/protocol"
	"github.com/helixchat/replica/stream"
)

// recordingBus captures everything the manager publishes.
type recordingBus struct {
	mu        sync.Mutex
	sent      map[string][]protocol.Command // worker id -> commands
	positions map[string][]int64            // stream -> published positions
}

func newRecordingBus() *recordingBus {
	return &recordingBus{
		sent:      make(map[string][]protocol.Command),
		positions: make(map[string][]int64),
	}
}

func (r *recordingBus) SendToWorker(workerID string, cmd protocol.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[workerID] = append(r.sent[workerID], cmd)
	return nil
}

func (r *recordingBus) PublishStreamPosition(streamName string, position int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.positions[streamName] = append(r.positions[streamName], position)
	return nil
}

func (r *recordingBus) publishedPositions(streamName string) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.positions[streamName]...)
}

func newManager(t *testing.T, config stream.Writers, instance string) (*stream.Manager, *recordingBus) {
	t.Helper()

	rb := newRecordingBus()
	m := stream.NewManager(config, rb, instance,
		stream.WithLogger(slog.New(slog.DiscardHandler)),
	)
	return m, rb
}

func TestWritersLookup(t *testing.T) {
	w := stream.Writers{Events: "persister-1", Typing: "frontend-1"}

	if writer, ok := w.Writer(stream.StreamEvents); !ok || writer != "persister-1" {
		t.Fatalf("Writer(events) = %q, %v", writer, ok)
	}
	if _, ok := w.Writer(stream.StreamPresence); ok {
		t.Fatal("expected no writer for presence")
	}
	if _, ok := w.Writer("bogus"); ok {
		t.Fatal("expected no writer for unknown stream")
	}

	all := w.ConfiguredWriters()
	want := []string{"persister-1", "frontend-1"}
	if !reflect.DeepEqual(all, want) {
		t.Fatalf("ConfiguredWriters = %v, want %v", all, want)
	}
}

func TestIsLocalWriter(t *testing.T) {
	m, _ := newManager(t, stream.Writers{Events: "persister-1"}, "master")

	if m.IsLocalWriter(stream.StreamEvents) {
		t.Fatal("events is owned by persister-1, not master")
	}
	if !m.IsLocalWriter(stream.StreamTyping) {
		t.Fatal("unconfigured stream must be locally writable")
	}

	owner, _ := newManager(t, stream.Writers{Events: "persister-1"}, "persister-1")
	if !owner.IsLocalWriter(stream.StreamEvents) {
		t.Fatal("configured owner must be local writer")
	}
}

func TestForwardToWriter(t *testing.T) {
	m, rb := newManager(t, stream.Writers{Events: "persister-1"}, "master")

	rows := []protocol.Row{{StreamID: 7, Data: []byte(`{"event_id":"$e"}`)}}
	if err := m.ForwardToWriter(stream.StreamEvents, "7", rows); err != nil {
		t.Fatalf("ForwardToWriter: %v", err)
	}

	cmds := rb.sent["persister-1"]
	if len(cmds) != 1 {
		t.Fatalf("expected 1 forwarded command, got %d", len(cmds))
	}
	rdata, ok := cmds[0].(protocol.Rdata)
	if !ok {
		t.Fatalf("expected Rdata, got %T", cmds[0])
	}
	if rdata.StreamName != stream.StreamEvents || rdata.Token != "7" {
		t.Fatalf("unexpected Rdata %#v", rdata)
	}
}

func TestForwardToWriterLocalIsNoOp(t *testing.T) {
	m, rb := newManager(t, stream.Writers{Events: "master"}, "master")

	if err := m.ForwardToWriter(stream.StreamEvents, "7", nil); err != nil {
		t.Fatalf("ForwardToWriter: %v", err)
	}
	if len(rb.sent) != 0 {
		t.Fatalf("expected no forwarding, got %v", rb.sent)
	}

	// Same for a stream with no configured writer.
	if err := m.ForwardToWriter(stream.StreamTyping, "1", nil); err != nil {
		t.Fatalf("ForwardToWriter: %v", err)
	}
	if len(rb.sent) != 0 {
		t.Fatalf("expected no forwarding, got %v", rb.sent)
	}
}

func TestUpdatePositionPublishes(t *testing.T) {
	m, rb := newManager(t, stream.Writers{}, "master")

	if err := m.UpdatePosition(stream.StreamEvents, 100); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}

	if pos, ok := m.GetPosition(stream.StreamEvents); !ok || pos != 100 {
		t.Fatalf("GetPosition = %d, %v", pos, ok)
	}
	if got := rb.publishedPositions(stream.StreamEvents); len(got) != 1 || got[0] != 100 {
		t.Fatalf("published positions = %v", got)
	}
}

func TestAdvancePositionIfGreater(t *testing.T) {
	m, rb := newManager(t, stream.Writers{}, "master")

	submissions := []struct {
		position int64
		advanced bool
	}{
		{10, true},
		{5, false},
		{10, false},
		{11, true},
		{0, false},
		{100, true},
	}

	for _, s := range submissions {
		advanced, err := m.AdvancePositionIfGreater(stream.StreamEvents, s.position)
		if err != nil {
			t.Fatalf("AdvancePositionIfGreater(%d): %v", s.position, err)
		}
		if advanced != s.advanced {
			t.Fatalf("AdvancePositionIfGreater(%d) = %v, want %v", s.position, advanced, s.advanced)
		}
	}

	// The stored position is the maximum ever submitted.
	if pos, _ := m.GetPosition(stream.StreamEvents); pos != 100 {
		t.Fatalf("final position = %d, want 100", pos)
	}

	// Only effective advances were republished.
	want := []int64{10, 11, 100}
	if got := rb.publishedPositions(stream.StreamEvents); !reflect.DeepEqual(got, want) {
		t.Fatalf("published positions = %v, want %v", got, want)
	}
}

func TestValidateWriter(t *testing.T) {
	m, _ := newManager(t, stream.Writers{Events: "persister-1"}, "master")

	if err := m.ValidateWriter(stream.StreamEvents, "persister-1"); err != nil {
		t.Fatalf("configured writer rejected: %v", err)
	}
	if err := m.ValidateWriter(stream.StreamEvents, "master"); !errors.Is(err, stream.ErrWriterMismatch) {
		t.Fatalf("expected ErrWriterMismatch, got %v", err)
	}
	// Unconfigured streams accept any writer.
	if err := m.ValidateWriter(stream.StreamTyping, "anyone"); err != nil {
		t.Fatalf("unconfigured stream rejected: %v", err)
	}
}

func TestLocalStreamsAndStats(t *testing.T) {
	m, _ := newManager(t, stream.Writers{Events: "persister-1"}, "master")

	local := m.LocalStreams()
	for _, name := range local {
		if name == stream.StreamEvents {
			t.Fatal("events must not be local")
		}
	}
	if len(local) != len(stream.Names())-1 {
		t.Fatalf("expected %d local streams, got %d", len(stream.Names())-1, len(local))
	}

	if err := m.UpdatePosition(stream.StreamTyping, 3); err != nil {
		t.Fatalf("UpdatePosition: %v", err)
	}

	stats := m.Stats()
	if stats.InstanceName != "master" {
		t.Fatalf("unexpected instance %q", stats.InstanceName)
	}
	if stats.Positions[stream.StreamTyping] != 3 {
		t.Fatalf("unexpected positions %v", stats.Positions)
	}
}

func TestSyncPositionsPublishesLocalStreamsOnly(t *testing.T) {
	m, rb := newManager(t, stream.Writers{Events: "persister-1"}, "master")

	if err := m.SyncPositions(); err != nil {
		t.Fatalf("SyncPositions: %v", err)
	}

	if got := rb.publishedPositions(stream.StreamEvents); len(got) != 0 {
		t.Fatalf("events is remote, should not be synced: %v", got)
	}
	// Unrecorded local streams publish zero.
	if got := rb.publishedPositions(stream.StreamTyping); len(got) != 1 || got[0] != 0 {
		t.Fatalf("typing sync = %v, want [0]", got)
	}
}

func TestUpdatePositionsBulk(t *testing.T) {
	m, rb := newManager(t, stream.Writers{}, "master")

	m.UpdatePositionsBulk(map[string]int64{
		stream.StreamEvents: 50,
		stream.StreamTyping: 7,
	})

	if pos, _ := m.GetPosition(stream.StreamEvents); pos != 50 {
		t.Fatalf("events position = %d, want 50", pos)
	}
	if pos, _ := m.GetPosition(stream.StreamTyping); pos != 7 {
		t.Fatalf("typing position = %d, want 7", pos)
	}
	// Bulk updates do not publish.
	if got := rb.publishedPositions(stream.StreamEvents); len(got) != 0 {
		t.Fatalf("bulk update published %v", got)
	}
}

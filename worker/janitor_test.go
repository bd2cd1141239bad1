package worker_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/helixchat/replica/backoff"
	"github.com/helixchat/replica/protocol"
	"github.com/helixchat/replica/worker"
)

func newJanitor(t *testing.T, m *worker.Manager, opts ...worker.JanitorOption) *worker.Janitor {
	t.Helper()
	opts = append([]worker.JanitorOption{
		worker.WithJanitorLogger(slog.New(slog.DiscardHandler)),
	}, opts...)
	return worker.NewJanitor(m, opts...)
}

func TestJanitorReapsStaleWorkers(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	register(t, m, "stale-1", worker.TypeFrontend)
	register(t, m, "fresh-1", worker.TypeFrontend)
	if err := m.Heartbeat(ctx, "stale-1", worker.StatusRunning, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	// Let stale-1's heartbeat age past the threshold, then refresh fresh-1.
	time.Sleep(60 * time.Millisecond)
	if err := m.Heartbeat(ctx, "fresh-1", worker.StatusRunning, nil); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	j := newJanitor(t, m, worker.WithStaleAfter(50*time.Millisecond))
	j.ReapStaleWorkers(ctx)

	stale, err := store.GetWorker(ctx, "stale-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if stale.Status != worker.StatusError {
		t.Fatalf("stale worker status = %s, want error", stale.Status)
	}

	fresh, err := store.GetWorker(ctx, "fresh-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if fresh.Status != worker.StatusRunning {
		t.Fatalf("fresh worker status = %s, want running", fresh.Status)
	}
}

func TestJanitorSkipsWorkersWithoutHeartbeat(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()

	register(t, m, "frontend-1", worker.TypeFrontend)
	if err := store.UpdateWorkerStatus(ctx, "frontend-1", worker.StatusRunning); err != nil {
		t.Fatalf("UpdateWorkerStatus: %v", err)
	}

	j := newJanitor(t, m, worker.WithStaleAfter(time.Millisecond))
	j.ReapStaleWorkers(ctx)

	info, err := store.GetWorker(ctx, "frontend-1")
	if err != nil {
		t.Fatalf("GetWorker: %v", err)
	}
	if info.Status != worker.StatusRunning {
		t.Fatalf("status = %s, want running (never-heartbeated workers are not reaped)", info.Status)
	}
}

func TestJanitorRedeliversPendingCommands(t *testing.T) {
	conn := &fakeConn{}
	m, store := newManager(t, worker.WithDialer(func(_, _ string) worker.Conn { return conn }))
	ctx := context.Background()

	register(t, m, "frontend-1", worker.TypeFrontend)
	if err := m.ConnectToWorker(ctx, "frontend-1", "127.0.0.1:9000"); err != nil {
		t.Fatalf("ConnectToWorker: %v", err)
	}

	// A command created directly in the store is pending with no retries,
	// so the first redelivery pass offers it immediately.
	cmd, err := store.CreateCommand(ctx, worker.SendCommandRequest{
		TargetWorkerID: "frontend-1",
		CommandType:    "reload_config",
	})
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}

	j := newJanitor(t, m)
	j.RedeliverPendingCommands(ctx)

	sent := conn.sentCommands()
	if len(sent) != 1 {
		t.Fatalf("sent %d commands, want 1", len(sent))
	}
	rep, ok := sent[0].(protocol.Replicate)
	if !ok {
		t.Fatalf("sent %T, want Replicate", sent[0])
	}
	if rep.StreamName != "commands" || rep.Token != cmd.CommandID.String() {
		t.Fatalf("unexpected wire command %+v", rep)
	}

	pending, err := store.GetPendingCommands(ctx, "frontend-1", 0)
	if err != nil {
		t.Fatalf("GetPendingCommands: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("%d commands still pending after redelivery, want 0", len(pending))
	}
}

func TestJanitorRedeliveryHonorsBackoff(t *testing.T) {
	conn := &fakeConn{}
	m, store := newManager(t, worker.WithDialer(func(_, _ string) worker.Conn { return conn }))
	ctx := context.Background()

	register(t, m, "frontend-1", worker.TypeFrontend)
	if err := m.ConnectToWorker(ctx, "frontend-1", "127.0.0.1:9000"); err != nil {
		t.Fatalf("ConnectToWorker: %v", err)
	}

	cmd, err := store.CreateCommand(ctx, worker.SendCommandRequest{
		TargetWorkerID: "frontend-1",
		CommandType:    "resync_stream",
	})
	if err != nil {
		t.Fatalf("CreateCommand: %v", err)
	}
	// A failed attempt requeues the command with a retry on the clock.
	if err := m.FailCommand(ctx, cmd.CommandID, "peer hung up"); err != nil {
		t.Fatalf("FailCommand: %v", err)
	}

	// With an hour-long delay the retry is nowhere near due.
	j := newJanitor(t, m, worker.WithRedeliveryBackoff(backoff.NewConstant(time.Hour)))
	j.RedeliverPendingCommands(ctx)
	if got := len(conn.sentCommands()); got != 0 {
		t.Fatalf("sent %d commands before the backoff elapsed, want 0", got)
	}

	// With a zero delay the same command is due immediately.
	eager := newJanitor(t, m, worker.WithRedeliveryBackoff(backoff.NewConstant(0)))
	eager.RedeliverPendingCommands(ctx)
	if got := len(conn.sentCommands()); got != 1 {
		t.Fatalf("sent %d commands with zero backoff, want 1", got)
	}
}

func TestJanitorReconnectsDroppedConnections(t *testing.T) {
	var dials int
	conns := make(map[int]*fakeConn)
	m, _ := newManager(t, worker.WithDialer(func(_, _ string) worker.Conn {
		c := &fakeConn{}
		conns[dials] = c
		dials++
		return c
	}))
	ctx := context.Background()

	register(t, m, "frontend-1", worker.TypeFrontend)
	if err := m.ConnectToWorker(ctx, "frontend-1", "127.0.0.1:9000"); err != nil {
		t.Fatalf("ConnectToWorker: %v", err)
	}

	// Drop the connection out from under the manager.
	conns[0].Close()
	if got := m.ConnectedWorkers(); len(got) != 0 {
		t.Fatalf("ConnectedWorkers = %v, want none after the drop", got)
	}

	j := newJanitor(t, m, worker.WithReconnectInterval(time.Minute))
	j.ReconnectDropped(ctx)

	if dials != 2 {
		t.Fatalf("dialed %d times, want 2", dials)
	}
	got := m.ConnectedWorkers()
	if len(got) != 1 || got[0] != "frontend-1" {
		t.Fatalf("ConnectedWorkers = %v, want [frontend-1]", got)
	}
}

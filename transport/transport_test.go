package transport_test

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/helixchat/replica/protocol"
	"github.com/helixchat/replica/transport"
)

func startServer(t *testing.T, opts ...transport.ServerOption) *transport.Server {
	t.Helper()

	opts = append(opts, transport.WithServerLogger(slog.New(slog.DiscardHandler)))
	srv, err := transport.NewServer("127.0.0.1:0", "hs.example.com", opts...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})

	return srv
}

func dial(t *testing.T, srv *transport.Server, workerName string) *transport.Client {
	t.Helper()

	client := transport.NewClient("hs.example.com", workerName,
		transport.WithClientLogger(slog.New(slog.DiscardHandler)),
	)
	if err := client.Connect(context.Background(), srv.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return client
}

func TestServerGreetsWithPong(t *testing.T) {
	srv := startServer(t)
	client := dial(t, srv, "frontend-1")

	cmd, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	pong, ok := cmd.(protocol.Pong)
	if !ok {
		t.Fatalf("expected Pong greeting, got %T", cmd)
	}
	if pong.ServerName != "hs.example.com" {
		t.Fatalf("unexpected server name %q", pong.ServerName)
	}
}

func TestClientPing(t *testing.T) {
	srv := startServer(t)
	client := dial(t, srv, "frontend-1")

	// Drain the greeting so Ping sees its own reply.
	if _, err := client.Receive(); err != nil {
		t.Fatalf("Receive greeting: %v", err)
	}

	latency, err := client.Ping()
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if latency < 0 {
		t.Fatalf("negative latency %v", latency)
	}
}

func TestServerForwardsCommands(t *testing.T) {
	srv := startServer(t)
	client := dial(t, srv, "event-persister-1")

	want := protocol.Position{StreamName: "events", Position: 42}
	if err := client.Send(want); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case cmd := <-srv.Commands():
		if cmd != protocol.Command(want) {
			t.Fatalf("got %#v, want %#v", cmd, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("command never forwarded")
	}
}

func TestServerRecordsWorkerName(t *testing.T) {
	srv := startServer(t)
	dial(t, srv, "pusher-1")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, name := range srv.ConnectedWorkers() {
			if name == "pusher-1" {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("worker name never recorded, have %v", srv.ConnectedWorkers())
}

func TestServerRejectsMalformedLine(t *testing.T) {
	srv := startServer(t)

	// The typed client cannot emit an invalid verb, so write raw bytes.
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	if _, err := reader.ReadBytes('\n'); err != nil { // greeting
		t.Fatalf("read greeting: %v", err)
	}

	if _, err := conn.Write([]byte("FROBNICATE nope\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	// Server answers with ERROR then closes the connection.
	line, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read error reply: %v", err)
	}
	cmd, err := protocol.DecodeLine(line)
	if err != nil {
		t.Fatalf("decode error reply: %v", err)
	}
	if _, ok := cmd.(protocol.Error); !ok {
		t.Fatalf("expected Error, got %T", cmd)
	}
	if _, err := reader.ReadBytes('\n'); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after teardown, got %v", err)
	}
}

func TestConnCloseIdempotent(t *testing.T) {
	srv := startServer(t)

	client := transport.NewClient("hs.example.com", "frontend-1",
		transport.WithClientLogger(slog.New(slog.DiscardHandler)),
	)
	conn := transport.NewConn(client)

	if err := conn.Connect(context.Background(), srv.Addr()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !conn.Connected() {
		t.Fatal("expected connected")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if conn.Connected() {
		t.Fatal("expected disconnected")
	}
}

func TestClientNotConnected(t *testing.T) {
	client := transport.NewClient("hs.example.com", "frontend-1")

	if err := client.Send(protocol.NewPing()); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Send: expected ErrNotConnected, got %v", err)
	}
	if _, err := client.Receive(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Receive: expected ErrNotConnected, got %v", err)
	}
	if _, err := client.Ping(); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("Ping: expected ErrNotConnected, got %v", err)
	}
}

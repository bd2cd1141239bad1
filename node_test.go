package replica_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/helixchat/replica"
	"github.com/helixchat/replica/store/memory"
	"github.com/helixchat/replica/worker"
)

func newTestNode(t *testing.T, config replica.Config) *replica.Node {
	t.Helper()

	n, err := replica.New(config,
		replica.WithStore(memory.New()),
		replica.WithLogger(slog.New(slog.DiscardHandler)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNewRequiresStore(t *testing.T) {
	_, err := replica.New(replica.DefaultConfig("hs.example"))
	if !errors.Is(err, replica.ErrNoStore) {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	config := replica.DefaultConfig("hs.example")
	config.ListenAddr = "127.0.0.1:0"
	n := newTestNode(t, config)

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := n.Start(ctx); !errors.Is(err, replica.ErrAlreadyStarted) {
		t.Fatalf("second Start err = %v, want ErrAlreadyStarted", err)
	}

	if n.Server() == nil {
		t.Fatal("expected a bound replication server")
	}
	if !n.Bus().Connected() {
		t.Fatal("expected the bus to be connected")
	}

	if err := n.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := n.Stop(ctx); !errors.Is(err, replica.ErrNotStarted) {
		t.Fatalf("second Stop err = %v, want ErrNotStarted", err)
	}
}

func TestNodeWiresManager(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, replica.DefaultConfig("hs.example"))

	info, err := n.Manager().Register(ctx, worker.RegisterRequest{
		WorkerID:   "frontend-1",
		WorkerName: "frontend one",
		WorkerType: worker.TypeFrontend,
		Host:       "localhost",
		Port:       9101,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if info.Status != worker.StatusStarting {
		t.Fatalf("status = %q, want starting", info.Status)
	}

	// Registration must reach the balancer and health checker too.
	if n.Balancer().ActiveWorkerCount() != 0 {
		t.Fatalf("starting worker counted active, want 0")
	}
	if got := len(n.Health().AllHealth()); got != 1 {
		t.Fatalf("health tracked %d workers, want 1", got)
	}
}

func TestNodeDomainErrorAliases(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, replica.DefaultConfig("hs.example"))

	_, err := n.Manager().Get(ctx, "missing")
	if !errors.Is(err, replica.ErrWorkerNotFound) {
		t.Fatalf("err = %v, want ErrWorkerNotFound", err)
	}
}

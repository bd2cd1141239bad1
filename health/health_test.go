package health_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/helixchat/replica/health"
)

func newChecker(t *testing.T, opts ...health.Option) *health.Checker {
	t.Helper()

	opts = append(opts, health.WithLogger(slog.New(slog.DiscardHandler)))
	return health.NewChecker(health.DefaultConfig(), opts...)
}

// flakyProbe fails while failing is true.
type flakyProbe struct {
	mu      sync.Mutex
	failing bool
}

func (p *flakyProbe) probe(_ context.Context, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("connection refused")
	}
	return nil
}

func (p *flakyProbe) setFailing(failing bool) {
	p.mu.Lock()
	p.failing = failing
	p.mu.Unlock()
}

func TestRegisterStartsUnknown(t *testing.T) {
	c := newChecker(t)
	c.RegisterWorker("frontend-1")

	r, ok := c.Health("frontend-1")
	if !ok {
		t.Fatal("expected tracked worker")
	}
	if r.Status != health.StatusUnknown {
		t.Fatalf("status = %q, want unknown", r.Status)
	}
	if c.IsHealthy("frontend-1") {
		t.Fatal("unknown worker must not be healthy")
	}
}

func TestCheckHealthMarksHealthy(t *testing.T) {
	c := newChecker(t)
	c.RegisterWorker("frontend-1")

	r := c.CheckHealth(context.Background(), "frontend-1")
	if r.Status != health.StatusHealthy {
		t.Fatalf("status = %q, want healthy", r.Status)
	}
	if !c.IsHealthy("frontend-1") {
		t.Fatal("expected IsHealthy")
	}
}

func TestUnregisteredWorkerFailsCheck(t *testing.T) {
	c := newChecker(t)

	r := c.CheckHealth(context.Background(), "ghost")
	if r.Status == health.StatusHealthy {
		t.Fatal("unregistered worker must not check healthy")
	}
	if r.ConsecutiveFailures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", r.ConsecutiveFailures)
	}
}

func TestConsecutiveFailureThreshold(t *testing.T) {
	probe := &flakyProbe{failing: true}
	c := newChecker(t, health.WithProbe(probe.probe))
	c.RegisterWorker("pusher-1")

	// Failures 1 and 2 only degrade; failure 3 crosses the threshold.
	for i := 1; i <= 2; i++ {
		r := c.CheckHealth(context.Background(), "pusher-1")
		if r.Status != health.StatusDegraded {
			t.Fatalf("after failure %d: status = %q, want degraded", i, r.Status)
		}
		if !c.IsHealthy("pusher-1") {
			t.Fatalf("after failure %d: degraded worker should still be usable", i)
		}
	}

	r := c.CheckHealth(context.Background(), "pusher-1")
	if r.Status != health.StatusUnhealthy {
		t.Fatalf("after failure 3: status = %q, want unhealthy", r.Status)
	}
	if r.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive failures = %d, want 3", r.ConsecutiveFailures)
	}
	if c.IsHealthy("pusher-1") {
		t.Fatal("unhealthy worker must not be usable")
	}
	if got := c.UnhealthyWorkers(); len(got) != 1 || got[0] != "pusher-1" {
		t.Fatalf("UnhealthyWorkers = %v", got)
	}
}

func TestRecoveryDecrementsFailures(t *testing.T) {
	probe := &flakyProbe{failing: true}
	c := newChecker(t, health.WithProbe(probe.probe))
	c.RegisterWorker("pusher-1")

	for range 3 {
		c.CheckHealth(context.Background(), "pusher-1")
	}

	probe.setFailing(false)

	// Each success walks one failure back; healthy only at zero.
	r := c.CheckHealth(context.Background(), "pusher-1")
	if r.ConsecutiveFailures != 2 {
		t.Fatalf("consecutive failures = %d, want 2", r.ConsecutiveFailures)
	}
	c.CheckHealth(context.Background(), "pusher-1")
	r = c.CheckHealth(context.Background(), "pusher-1")
	if r.ConsecutiveFailures != 0 {
		t.Fatalf("consecutive failures = %d, want 0", r.ConsecutiveFailures)
	}
	if r.Status != health.StatusHealthy {
		t.Fatalf("status = %q, want healthy", r.Status)
	}
	if got := c.HealthyWorkers(); len(got) != 1 || got[0] != "pusher-1" {
		t.Fatalf("HealthyWorkers = %v", got)
	}
}

func TestDegradedLatency(t *testing.T) {
	cfg := health.DefaultConfig()
	cfg.DegradedLatency = time.Nanosecond

	slow := func(_ context.Context, _ string) error {
		time.Sleep(time.Millisecond)
		return nil
	}
	c := health.NewChecker(cfg,
		health.WithLogger(slog.New(slog.DiscardHandler)),
		health.WithProbe(slow),
	)
	c.RegisterWorker("media-1")

	r := c.CheckHealth(context.Background(), "media-1")
	if r.Status != health.StatusDegraded {
		t.Fatalf("status = %q, want degraded", r.Status)
	}
	// Degraded by latency still counts as usable.
	if !c.IsHealthy("media-1") {
		t.Fatal("expected IsHealthy for latency-degraded worker")
	}
}

func TestCallbacksObserveEveryCheck(t *testing.T) {
	c := newChecker(t)
	c.RegisterWorker("frontend-1")

	var mu sync.Mutex
	var observed []health.Status
	c.OnStatusChange(func(workerID string, status health.Status) {
		mu.Lock()
		observed = append(observed, status)
		mu.Unlock()
	})

	c.CheckHealth(context.Background(), "frontend-1")
	c.CheckHealth(context.Background(), "frontend-1")

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 2 {
		t.Fatalf("observed %d callbacks, want 2", len(observed))
	}
	for _, s := range observed {
		if s != health.StatusHealthy {
			t.Fatalf("observed status %q, want healthy", s)
		}
	}
}

func TestUnregisterStopsTracking(t *testing.T) {
	c := newChecker(t)
	c.RegisterWorker("frontend-1")
	c.UnregisterWorker("frontend-1")

	if _, ok := c.Health("frontend-1"); ok {
		t.Fatal("expected worker untracked")
	}
	if c.IsHealthy("frontend-1") {
		t.Fatal("untracked worker must not be healthy")
	}
}

func TestCheckAll(t *testing.T) {
	c := newChecker(t)
	c.RegisterWorker("frontend-1")
	c.RegisterWorker("pusher-1")

	c.CheckAll(context.Background())

	all := c.AllHealth()
	if len(all) != 2 {
		t.Fatalf("AllHealth has %d entries, want 2", len(all))
	}
	for id, r := range all {
		if r.Status != health.StatusHealthy {
			t.Fatalf("worker %s status %q, want healthy", id, r.Status)
		}
	}
}

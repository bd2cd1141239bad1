// Package health tracks per-worker health through periodic probes, with
// degraded-latency detection and consecutive-failure thresholds.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Status is the health classification of one worker.
type Status string

// Statuses.
const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// ErrNotRegistered is returned by probes for workers the checker does not
// know about.
var ErrNotRegistered = errors.New("health: worker not registered")

// Result is the outcome of the most recent check for one worker.
type Result struct {
	WorkerID            string        `json:"worker_id"`
	Status              Status        `json:"status"`
	Latency             time.Duration `json:"latency_ms"`
	LastCheckTS         int64         `json:"last_check_ts"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	ErrorMessage        string        `json:"error_message,omitempty"`
}

// Config tunes the checker.
type Config struct {
	CheckInterval          time.Duration
	MaxConsecutiveFailures int
	DegradedLatency        time.Duration
}

// DefaultConfig returns the production defaults: checks every 30s, three
// consecutive failures mark a worker unhealthy, replies slower than 1s mark
// it degraded.
func DefaultConfig() Config {
	return Config{
		CheckInterval:          30 * time.Second,
		MaxConsecutiveFailures: 3,
		DegradedLatency:        time.Second,
	}
}

// Probe checks one worker and returns nil when it is reachable.
type Probe func(ctx context.Context, workerID string) error

// Callback observes every status transition.
type Callback func(workerID string, status Status)

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithProbe replaces the default probe (which only verifies registration)
// with a real reachability check, e.g. a transport ping.
func WithProbe(p Probe) Option {
	return func(c *Checker) { c.probe = p }
}

// Checker tracks worker health. All methods are safe for concurrent use.
type Checker struct {
	config Config
	probe  Probe
	logger *slog.Logger

	mu        sync.RWMutex
	results   map[string]*Result
	callbacks []Callback
}

// NewChecker returns a checker with the given config.
func NewChecker(config Config, opts ...Option) *Checker {
	c := &Checker{
		config:  config,
		logger:  slog.Default(),
		results: make(map[string]*Result),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.probe == nil {
		c.probe = c.defaultProbe
	}
	return c
}

// RegisterWorker starts tracking a worker with Unknown status.
func (c *Checker) RegisterWorker(workerID string) {
	c.mu.Lock()
	c.results[workerID] = &Result{
		WorkerID:    workerID,
		Status:      StatusUnknown,
		LastCheckTS: time.Now().UnixMilli(),
	}
	c.mu.Unlock()

	c.logger.Debug("worker registered for health checks", slog.String("worker_id", workerID))
}

// UnregisterWorker stops tracking a worker.
func (c *Checker) UnregisterWorker(workerID string) {
	c.mu.Lock()
	delete(c.results, workerID)
	c.mu.Unlock()

	c.logger.Debug("worker unregistered from health checks", slog.String("worker_id", workerID))
}

// CheckHealth probes a worker once, updates its tracked state, and notifies
// callbacks with the resulting status.
func (c *Checker) CheckHealth(ctx context.Context, workerID string) Result {
	start := time.Now()
	err := c.probe(ctx, workerID)
	latency := time.Since(start)

	result := c.recordCheck(workerID, err, latency)
	c.notify(result)

	return result
}

func (c *Checker) defaultProbe(_ context.Context, workerID string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.results[workerID]; !ok {
		return ErrNotRegistered
	}
	return nil
}

func (c *Checker) recordCheck(workerID string, probeErr error, latency time.Duration) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.results[workerID]
	if !ok {
		current = &Result{WorkerID: workerID, Status: StatusUnknown}
		c.results[workerID] = current
	}
	current.Latency = latency
	current.LastCheckTS = time.Now().UnixMilli()

	if probeErr == nil {
		current.ErrorMessage = ""
		if current.ConsecutiveFailures > 0 {
			current.ConsecutiveFailures--
		}
		if latency > c.config.DegradedLatency {
			current.Status = StatusDegraded
		} else if current.ConsecutiveFailures == 0 {
			current.Status = StatusHealthy
		}
		return *current
	}

	current.ConsecutiveFailures++
	current.ErrorMessage = probeErr.Error()
	if current.ConsecutiveFailures >= c.config.MaxConsecutiveFailures {
		current.Status = StatusUnhealthy
		c.logger.Warn("worker marked unhealthy",
			slog.String("worker_id", workerID),
			slog.String("error", probeErr.Error()),
		)
	} else {
		current.Status = StatusDegraded
	}
	return *current
}

func (c *Checker) notify(result Result) {
	c.mu.RLock()
	callbacks := append([]Callback(nil), c.callbacks...)
	c.mu.RUnlock()

	for _, cb := range callbacks {
		cb(result.WorkerID, result.Status)
	}
}

// OnStatusChange registers a callback invoked after every check.
func (c *Checker) OnStatusChange(cb Callback) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, cb)
	c.mu.Unlock()
}

// Health returns the last result for a worker.
func (c *Checker) Health(workerID string) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.results[workerID]
	if !ok {
		return Result{}, false
	}
	return *r, true
}

// AllHealth returns the last result of every tracked worker.
func (c *Checker) AllHealth() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]Result, len(c.results))
	for id, r := range c.results {
		out[id] = *r
	}
	return out
}

// HealthyWorkers returns the ids of workers currently Healthy.
func (c *Checker) HealthyWorkers() []string {
	return c.workersWithStatus(StatusHealthy)
}

// UnhealthyWorkers returns the ids of workers currently Unhealthy.
func (c *Checker) UnhealthyWorkers() []string {
	return c.workersWithStatus(StatusUnhealthy)
}

func (c *Checker) workersWithStatus(status Status) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for id, r := range c.results {
		if r.Status == status {
			out = append(out, id)
		}
	}
	return out
}

// IsHealthy reports whether a worker is usable: Healthy or Degraded.
// Unknown and unregistered workers are not.
func (c *Checker) IsHealthy(workerID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, ok := c.results[workerID]
	if !ok {
		return false
	}
	return r.Status == StatusHealthy || r.Status == StatusDegraded
}

// CheckAll probes every tracked worker once.
func (c *Checker) CheckAll(ctx context.Context) {
	c.mu.RLock()
	ids := make([]string, 0, len(c.results))
	for id := range c.results {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		c.CheckHealth(ctx, id)
	}
}

// RunPeriodicChecks probes all workers every CheckInterval until ctx is
// cancelled.
func (c *Checker) RunPeriodicChecks(ctx context.Context) {
	c.logger.Info("starting periodic health checks",
		slog.Duration("interval", c.config.CheckInterval),
	)

	ticker := time.NewTicker(c.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("health check loop shutting down")
			return
		case <-ticker.C:
			c.CheckAll(ctx)
		}
	}
}

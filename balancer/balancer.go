// Package balancer picks a worker for a unit of work. Selection filters
// candidates by worker-type capability and running status, then applies the
// configured strategy.
package balancer

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
)

// Strategy is the policy used to pick among capable, running workers.
type Strategy string

// Strategies.
const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	Random             Strategy = "random"
)

// ParseStrategy converts a configuration string into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastConnections, WeightedRoundRobin, Random:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("balancer: unknown strategy %q", s)
	}
}

// Worker is the balancer's view of a registered worker. Type and Status are
// the wire strings recorded at registration ("event_persister", "running").
type Worker struct {
	ID     string
	Name   string
	Type   string
	Status string
}

// LoadStats is a live load snapshot for one worker.
type LoadStats struct {
	WorkerID          string  `json:"worker_id"`
	ActiveConnections int     `json:"active_connections"`
	PendingTasks      int     `json:"pending_tasks"`
	CPUUsage          float64 `json:"cpu_usage"`
	MemoryUsage       float64 `json:"memory_usage"`
	LastUpdateTS      int64   `json:"last_update_ts"`
}

// StatusRunning is the only status eligible for selection.
const StatusRunning = "running"

// WeightFor returns the static selection weight for a worker type.
func WeightFor(workerType string) int {
	switch workerType {
	case "master":
		return 100
	case "frontend":
		return 80
	case "event_persister":
		return 70
	case "federation_sender":
		return 60
	case "pusher":
		return 50
	case "media_repository":
		return 40
	default:
		return 30
	}
}

// CanHandleTask reports whether a worker type's capability matrix covers a
// task type. The master handles everything.
func CanHandleTask(workerType, taskType string) bool {
	switch workerType {
	case "master":
		return true
	case "frontend":
		return taskType == "http" || taskType == "sync" || taskType == "presence"
	case "federation_sender":
		return taskType == "federation" || taskType == "federation_send"
	case "event_persister":
		return taskType == "event_persist" || taskType == "events"
	case "pusher":
		return taskType == "push" || taskType == "push_notifications"
	case "media_repository":
		return taskType == "media" || taskType == "media_upload" || taskType == "media_download"
	default:
		return false
	}
}

type workerState struct {
	worker       Worker
	load         LoadStats
	weight       int
	requestCount uint64
}

// Option configures a Balancer.
type Option func(*Balancer)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Balancer) { b.logger = l }
}

// Balancer maintains the worker registry and applies the selection
// strategy. All methods are safe for concurrent use.
type Balancer struct {
	logger *slog.Logger

	mu       sync.Mutex
	workers  map[string]*workerState
	strategy Strategy
	rrIndex  int
}

// New returns a balancer using the given strategy.
func New(strategy Strategy, opts ...Option) *Balancer {
	b := &Balancer{
		logger:   slog.Default(),
		workers:  make(map[string]*workerState),
		strategy: strategy,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register adds (or replaces) a worker in the registry with a fresh load
// snapshot and a type-derived weight.
func (b *Balancer) Register(w Worker) {
	weight := WeightFor(w.Type)

	b.mu.Lock()
	b.workers[w.ID] = &workerState{
		worker: w,
		load:   LoadStats{WorkerID: w.ID},
		weight: weight,
	}
	b.mu.Unlock()

	b.logger.Info("worker registered with balancer",
		slog.String("worker_id", w.ID),
		slog.Int("weight", weight),
	)
}

// Unregister removes a worker from the registry.
func (b *Balancer) Unregister(workerID string) {
	b.mu.Lock()
	delete(b.workers, workerID)
	b.mu.Unlock()

	b.logger.Info("worker unregistered from balancer", slog.String("worker_id", workerID))
}

// UpdateStatus records a worker's current lifecycle status. Unknown ids are
// ignored.
func (b *Balancer) UpdateStatus(workerID, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.workers[workerID]; ok {
		state.worker.Status = status
	}
}

// UpdateWorkerLoad records a live load snapshot. Unknown ids are ignored.
func (b *Balancer) UpdateWorkerLoad(workerID string, stats LoadStats) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if state, ok := b.workers[workerID]; ok {
		stats.WorkerID = workerID
		state.load = stats
	}
}

// SelectWorker picks a worker for a task type, or ok=false when no capable
// running worker exists. Selection increments the chosen worker's request
// counter.
func (b *Balancer) SelectWorker(taskType string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	candidates := b.candidates(taskType)
	if len(candidates) == 0 {
		b.logger.Warn("no available workers for task type", slog.String("task_type", taskType))
		return "", false
	}

	var selected *workerState
	switch b.strategy {
	case LeastConnections:
		selected = b.selectLeastConnections(candidates)
	case WeightedRoundRobin:
		selected = b.selectWeightedRoundRobin(candidates)
	case Random:
		selected = candidates[rand.IntN(len(candidates))]
	default:
		selected = b.selectRoundRobin(candidates)
	}

	selected.requestCount++
	return selected.worker.ID, true
}

// candidates returns capable running workers in stable (id-sorted) order so
// the rotating index walks a deterministic sequence.
func (b *Balancer) candidates(taskType string) []*workerState {
	var out []*workerState
	for _, state := range b.workers {
		if state.worker.Status != StatusRunning {
			continue
		}
		if !CanHandleTask(state.worker.Type, taskType) {
			continue
		}
		out = append(out, state)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].worker.ID < out[j].worker.ID
	})
	return out
}

func (b *Balancer) selectRoundRobin(candidates []*workerState) *workerState {
	b.rrIndex = (b.rrIndex + 1) % len(candidates)
	return candidates[b.rrIndex]
}

func (b *Balancer) selectLeastConnections(candidates []*workerState) *workerState {
	selected := candidates[0]
	minLoad := selected.load.ActiveConnections + selected.load.PendingTasks

	for _, c := range candidates[1:] {
		load := c.load.ActiveConnections + c.load.PendingTasks
		if load < minLoad {
			selected, minLoad = c, load
		}
	}
	return selected
}

func (b *Balancer) selectWeightedRoundRobin(candidates []*workerState) *workerState {
	totalWeight := 0
	for _, c := range candidates {
		totalWeight += c.weight
	}
	if totalWeight == 0 {
		return b.selectRoundRobin(candidates)
	}

	target := b.rrIndex%totalWeight + 1
	cumulative := 0
	for _, c := range candidates {
		cumulative += c.weight
		if cumulative >= target {
			b.rrIndex = (b.rrIndex + 1) % len(candidates)
			return c
		}
	}
	return candidates[0]
}

// WorkerCount returns the number of registered workers.
func (b *Balancer) WorkerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.workers)
}

// ActiveWorkerCount returns the number of running workers.
func (b *Balancer) ActiveWorkerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	count := 0
	for _, state := range b.workers {
		if state.worker.Status == StatusRunning {
			count++
		}
	}
	return count
}

// WorkerStats returns the last load snapshot recorded for a worker.
func (b *Balancer) WorkerStats(workerID string) (LoadStats, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.workers[workerID]
	if !ok {
		return LoadStats{}, false
	}
	return state.load, true
}

// AllStats returns the load snapshots of every registered worker.
func (b *Balancer) AllStats() map[string]LoadStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]LoadStats, len(b.workers))
	for id, state := range b.workers {
		out[id] = state.load
	}
	return out
}

// RequestCount returns how many times a worker has been selected.
func (b *Balancer) RequestCount(workerID string) (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.workers[workerID]
	if !ok {
		return 0, false
	}
	return state.requestCount, true
}

// TotalCapacity sums the weights of all running workers.
func (b *Balancer) TotalCapacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := 0
	for _, state := range b.workers {
		if state.worker.Status == StatusRunning {
			total += state.weight
		}
	}
	return total
}

// SetStrategy changes the selection strategy.
func (b *Balancer) SetStrategy(strategy Strategy) {
	b.mu.Lock()
	b.strategy = strategy
	b.mu.Unlock()

	b.logger.Info("load balance strategy changed", slog.String("strategy", string(strategy)))
}

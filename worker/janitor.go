package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/helixchat/replica/backoff"
	"github.com/helixchat/replica/health"
	"github.com/helixchat/replica/protocol"
)

// JanitorOption configures a Janitor.
type JanitorOption func(*Janitor)

// WithJanitorLogger sets a custom logger.
func WithJanitorLogger(l *slog.Logger) JanitorOption {
	return func(j *Janitor) { j.logger = l }
}

// WithStaleAfter sets how long a worker may miss heartbeats before the
// reaper marks it errored (default 2m).
func WithStaleAfter(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.staleAfter = d }
}

// WithReconnectInterval enables periodic re-dialing of dropped worker
// connections. Zero (the default) disables it: reconnection is then
// delegated to process supervision.
func WithReconnectInterval(d time.Duration) JanitorOption {
	return func(j *Janitor) { j.reconnectInterval = d }
}

// WithHealthSweep attaches the checker whose CheckAll runs on the sweep
// schedule.
func WithHealthSweep(c *health.Checker) JanitorOption {
	return func(j *Janitor) { j.checker = c }
}

// WithRedeliveryBackoff sets the delay strategy for redelivering pending
// commands (default backoff.DefaultStrategy).
func WithRedeliveryBackoff(s backoff.Strategy) JanitorOption {
	return func(j *Janitor) { j.backoff = s }
}

// Janitor runs the manager's periodic maintenance on cron schedules:
// health sweeps, stream position syncs, stale-worker reaping, pending
// command redelivery, and (when enabled) reconnecting dropped transport
// connections.
type Janitor struct {
	manager *Manager
	checker *health.Checker
	logger  *slog.Logger
	backoff backoff.Strategy

	staleAfter        time.Duration
	reconnectInterval time.Duration

	cron *cronlib.Cron
}

// NewJanitor returns a janitor for the manager.
func NewJanitor(m *Manager, opts ...JanitorOption) *Janitor {
	j := &Janitor{
		manager:    m,
		logger:     slog.Default(),
		backoff:    backoff.DefaultStrategy(),
		staleAfter: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start registers the maintenance schedules and starts the cron runner.
func (j *Janitor) Start(ctx context.Context) error {
	j.cron = cronlib.New()

	if j.checker != nil {
		if _, err := j.cron.AddFunc("@every 30s", func() { j.checker.CheckAll(ctx) }); err != nil {
			return fmt.Errorf("schedule health sweep: %w", err)
		}
	}

	if j.manager.streams != nil {
		if _, err := j.cron.AddFunc("@every 1m", func() {
			if err := j.manager.streams.SyncPositions(); err != nil {
				j.logger.Warn("position sync failed", slog.String("error", err.Error()))
			}
		}); err != nil {
			return fmt.Errorf("schedule position sync: %w", err)
		}
	}

	if _, err := j.cron.AddFunc("@every 1m", func() { j.ReapStaleWorkers(ctx) }); err != nil {
		return fmt.Errorf("schedule stale reap: %w", err)
	}

	if _, err := j.cron.AddFunc("@every 30s", func() { j.RedeliverPendingCommands(ctx) }); err != nil {
		return fmt.Errorf("schedule command redelivery: %w", err)
	}

	if j.reconnectInterval > 0 {
		spec := fmt.Sprintf("@every %s", j.reconnectInterval)
		if _, err := j.cron.AddFunc(spec, func() { j.ReconnectDropped(ctx) }); err != nil {
			return fmt.Errorf("schedule reconnect: %w", err)
		}
	}

	j.cron.Start()
	j.logger.Info("janitor started",
		slog.Duration("stale_after", j.staleAfter),
		slog.Bool("reconnect_enabled", j.reconnectInterval > 0),
	)
	return nil
}

// Stop halts the cron runner and waits for in-flight jobs.
func (j *Janitor) Stop() {
	if j.cron != nil {
		<-j.cron.Stop().Done()
	}
	j.logger.Info("janitor stopped")
}

// ReapStaleWorkers runs one reap pass: workers whose last heartbeat is
// older than the stale threshold are marked errored. Also runs on the
// cron schedule once the janitor is started.
func (j *Janitor) ReapStaleWorkers(ctx context.Context) {
	active, err := j.manager.Active(ctx)
	if err != nil {
		j.logger.Warn("stale reap: listing active workers failed", slog.String("error", err.Error()))
		return
	}

	cutoff := time.Now().Add(-j.staleAfter).UnixMilli()
	for _, w := range active {
		if w.LastHeartbeatTS == 0 || w.LastHeartbeatTS >= cutoff {
			continue
		}

		j.logger.Warn("reaping stale worker",
			slog.String("worker_id", w.WorkerID),
			slog.Int64("last_heartbeat_ts", w.LastHeartbeatTS),
		)
		if err := j.manager.store.UpdateWorkerStatus(ctx, w.WorkerID, StatusError); err != nil {
			j.logger.Warn("stale reap: status update failed",
				slog.String("worker_id", w.WorkerID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if j.manager.balancer != nil {
			j.manager.balancer.UpdateStatus(w.WorkerID, string(StatusError))
		}
	}
}

// RedeliverPendingCommands runs one redelivery pass: still-pending
// commands are pushed over open transport connections once their backoff
// delay has elapsed. Delivery is best effort; the store remains the
// source of truth. Also runs on the cron schedule once the janitor is
// started.
func (j *Janitor) RedeliverPendingCommands(ctx context.Context) {
	for _, workerID := range j.manager.ConnectedWorkers() {
		cmds, err := j.manager.PendingCommands(ctx, workerID, 50)
		if err != nil {
			j.logger.Warn("redelivery: listing pending commands failed",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()),
			)
			continue
		}

		j.manager.mu.RLock()
		conn, ok := j.manager.conns[workerID]
		j.manager.mu.RUnlock()
		if !ok {
			continue
		}

		now := time.Now()
		for _, cmd := range cmds {
			if cmd.RetryCount > 0 {
				due := time.UnixMilli(cmd.CreatedTS).Add(j.backoff.Delay(cmd.RetryCount))
				if now.Before(due) {
					continue
				}
			}

			wire := protocol.Replicate{
				StreamName: "commands",
				Token:      cmd.CommandID.String(),
				Data:       cmd.CommandData,
			}
			if err := conn.Send(wire); err != nil {
				j.logger.Warn("redelivery failed",
					slog.String("command_id", cmd.CommandID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			if err := j.manager.store.MarkCommandSent(ctx, cmd.CommandID); err != nil {
				j.logger.Warn("redelivery: mark sent failed",
					slog.String("command_id", cmd.CommandID.String()),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ReconnectDropped runs one reconnect pass: workers whose transport
// connection has dropped are re-dialed using the host and port from
// their registration. Scheduled only when a reconnect interval is
// configured.
func (j *Janitor) ReconnectDropped(ctx context.Context) {
	j.manager.mu.RLock()
	dropped := make([]string, 0)
	for workerID, conn := range j.manager.conns {
		if !conn.Connected() {
			dropped = append(dropped, workerID)
		}
	}
	j.manager.mu.RUnlock()

	for _, workerID := range dropped {
		info, err := j.manager.Get(ctx, workerID)
		if err != nil {
			j.logger.Warn("reconnect: worker lookup failed",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()),
			)
			continue
		}

		addr := fmt.Sprintf("%s:%d", info.Host, info.Port)
		if err := j.manager.ConnectToWorker(ctx, workerID, addr); err != nil {
			j.logger.Warn("reconnect failed",
				slog.String("worker_id", workerID),
				slog.String("error", err.Error()),
			)
		}
	}
}

package replica

import (
	"context"
	"log/slog"
	"sync"

	"github.com/helixchat/replica/balancer"
	"github.com/helixchat/replica/bus"
	"github.com/helixchat/replica/health"
	"github.com/helixchat/replica/stream"
	"github.com/helixchat/replica/transport"
	"github.com/helixchat/replica/worker"
)

// Option configures a Node.
type Option func(*Node) error

// WithStore sets the backend the node persists through. Required.
func WithStore(s worker.Store) Option {
	return func(n *Node) error {
		n.store = s
		return nil
	}
}

// WithLogger sets the logger shared by all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) error {
		n.logger = l
		return nil
	}
}

// WithBalancer replaces the balancer built from Config.Strategy.
func WithBalancer(b *balancer.Balancer) Option {
	return func(n *Node) error {
		n.balancer = b
		return nil
	}
}

// WithHealthChecker replaces the default health checker.
func WithHealthChecker(c *health.Checker) Option {
	return func(n *Node) error {
		n.health = c
		return nil
	}
}

// WithDialer replaces the transport dialer used for outbound worker
// connections, mainly for tests.
func WithDialer(d worker.DialFunc) Option {
	return func(n *Node) error {
		n.dial = d
		return nil
	}
}

// Node wires the replication subsystems together: store, bus, stream
// ledger, balancer, health checker, manager, janitor, and (when
// configured) the inbound replication server.
type Node struct {
	config Config
	logger *slog.Logger

	store    worker.Store
	bus      *bus.Bus
	streams  *stream.Manager
	balancer *balancer.Balancer
	health   *health.Checker
	manager  *worker.Manager
	janitor  *worker.Janitor
	dial     worker.DialFunc

	mu      sync.Mutex
	server  *transport.Server
	cancel  context.CancelFunc
	started bool
}

// New builds a Node from config and options. A store is required.
func New(config Config, opts ...Option) (*Node, error) {
	n := &Node{
		config: config,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(n); err != nil {
			return nil, err
		}
	}
	if n.store == nil {
		return nil, ErrNoStore
	}

	n.bus = bus.NewBus(config.ServerName, config.InstanceName, bus.WithLogger(n.logger))
	n.streams = stream.NewManager(config.StreamWriters, n.bus, config.InstanceName,
		stream.WithLogger(n.logger))
	if n.balancer == nil {
		n.balancer = balancer.New(config.Strategy, balancer.WithLogger(n.logger))
	}
	if n.health == nil {
		n.health = health.NewChecker(health.DefaultConfig(), health.WithLogger(n.logger))
	}

	managerOpts := []worker.Option{
		worker.WithLogger(n.logger),
		worker.WithBus(n.bus),
		worker.WithStreamManager(n.streams),
		worker.WithBalancer(n.balancer),
		worker.WithHealthChecker(n.health),
		worker.WithLocalWorkerID(config.InstanceName),
	}
	if n.dial != nil {
		managerOpts = append(managerOpts, worker.WithDialer(n.dial))
	}
	n.manager = worker.NewManager(n.store, config.ServerName, managerOpts...)

	n.janitor = worker.NewJanitor(n.manager,
		worker.WithJanitorLogger(n.logger),
		worker.WithStaleAfter(config.StaleWorkerThreshold),
		worker.WithReconnectInterval(config.ReconnectInterval),
		worker.WithHealthSweep(n.health),
	)

	return n, nil
}

// Manager returns the worker manager.
func (n *Node) Manager() *worker.Manager { return n.manager }

// Bus returns the command bus.
func (n *Node) Bus() *bus.Bus { return n.bus }

// Streams returns the stream position ledger.
func (n *Node) Streams() *stream.Manager { return n.streams }

// Balancer returns the load balancer.
func (n *Node) Balancer() *balancer.Balancer { return n.balancer }

// Health returns the health checker.
func (n *Node) Health() *health.Checker { return n.health }

// Server returns the inbound replication server, or nil when
// Config.ListenAddr is empty or the node has not started.
func (n *Node) Server() *transport.Server {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.server
}

// Start connects the bus, starts the janitor, and, when a listen address
// is configured, binds and serves the replication transport.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.started {
		return ErrAlreadyStarted
	}

	if err := n.store.Ping(ctx); err != nil {
		return err
	}
	if err := n.bus.Connect(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	if err := n.janitor.Start(runCtx); err != nil {
		cancel()
		n.bus.Disconnect()
		return err
	}

	if n.config.ListenAddr != "" {
		srv, err := transport.NewServer(n.config.ListenAddr, n.config.ServerName,
			transport.WithServerLogger(n.logger),
			transport.WithCommandBuffer(n.config.CommandBuffer),
		)
		if err != nil {
			n.janitor.Stop()
			cancel()
			n.bus.Disconnect()
			return err
		}
		n.server = srv

		go func() {
			if err := srv.Serve(runCtx); err != nil {
				n.logger.Error("replication server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	n.started = true
	n.logger.Info("node started",
		slog.String("server_name", n.config.ServerName),
		slog.String("instance", n.config.InstanceName),
	)
	return nil
}

// Stop shuts the node down: janitor, replication server, outbound
// connections, bus, and finally the store.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.started {
		return ErrNotStarted
	}

	n.janitor.Stop()
	n.cancel()

	if n.server != nil {
		if err := n.server.Close(); err != nil {
			n.logger.Warn("closing replication server", slog.String("error", err.Error()))
		}
		n.server = nil
	}

	n.manager.CloseConnections()
	n.bus.Disconnect()

	if err := n.store.Close(); err != nil {
		return err
	}

	n.started = false
	n.logger.Info("node stopped", slog.String("instance", n.config.InstanceName))
	return nil
}

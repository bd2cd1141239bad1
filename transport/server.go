// Package transport implements the TCP replication transport: a line-framed
// server accepting worker connections, a dialing client, and a
// mutex-guarded connection wrapper safe for concurrent callers.
package transport

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/helixchat/replica/protocol"
)

// Transport errors.
var (
	// ErrConnectionClosed is returned when the peer closes the connection
	// (a zero-byte read). The server does not retry; the peer is expected
	// to reconnect.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrNotConnected is returned by client operations before Connect or
	// after Close.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrUnexpectedReply is returned by Ping when the peer answers with
	// anything other than a Pong.
	ErrUnexpectedReply = errors.New("transport: unexpected reply")
)

const defaultCommandBuffer = 100

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a custom logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithCommandBuffer sets the capacity of the command channel shared by all
// connections. A full channel blocks the offending connection's read loop,
// throttling that one worker without affecting others.
func WithCommandBuffer(n int) ServerOption {
	return func(s *Server) { s.buffer = n }
}

// WithInboundRateLimit applies a per-connection rate limit to inbound
// commands. Zero (the default) disables limiting.
func WithInboundRateLimit(limit rate.Limit, burst int) ServerOption {
	return func(s *Server) {
		s.rateLimit = limit
		s.rateBurst = burst
	}
}

// Server accepts replication connections from workers. Each accepted
// connection runs an independent handler loop: the server greets with a
// Pong, answers Pings in-line, records Name announcements, and forwards
// every other command to the shared command channel for the owning manager
// to consume.
type Server struct {
	listener   net.Listener
	serverName string
	logger     *slog.Logger
	buffer     int
	rateLimit  rate.Limit
	rateBurst  int

	commands chan protocol.Command

	mu    sync.RWMutex
	conns map[net.Conn]string // connection -> announced worker name
}

// NewServer binds a listening socket on addr (e.g. ":9092", use ":0" for a
// random port) and returns a Server ready to Serve.
func NewServer(addr, serverName string, opts ...ServerOption) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:   listener,
		serverName: serverName,
		logger:     slog.Default(),
		buffer:     defaultCommandBuffer,
		conns:      make(map[net.Conn]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.commands = make(chan protocol.Command, s.buffer)

	return s, nil
}

// Addr returns the bound listen address in "host:port" form.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Commands returns the channel carrying commands forwarded from all
// connections. The channel is bounded; see WithCommandBuffer.
func (s *Server) Commands() <-chan protocol.Command { return s.commands }

// ConnectedWorkers returns the names announced via NAME on currently open
// connections. Connections that have not announced yet are omitted.
func (s *Server) ConnectedWorkers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.conns))
	for _, name := range s.conns {
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Serve accepts connections until ctx is cancelled or Close is called.
// Per-connection failures are logged and tear down only that connection;
// the listener keeps accepting.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("replication server listening", slog.String("addr", s.Addr()))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return s.listener.Close()
	})

	g.Go(func() error {
		for {
			conn, err := s.listener.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}

			s.logger.Info("replication connection accepted",
				slog.String("remote", conn.RemoteAddr().String()),
			)

			s.trackConn(conn)

			g.Go(func() error {
				defer s.untrackConn(conn)
				defer conn.Close()

				if err := s.handleConn(ctx, conn); err != nil && !errors.Is(err, ErrConnectionClosed) {
					s.logger.Warn("replication connection failed",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()),
					)
				}
				// Connection errors never stop the server.
				return nil
			})
		}
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close shuts the listener down. In-flight connections are closed as their
// read loops observe the error.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	// Greet the peer so it can identify the server before sending anything.
	if err := writeCommand(conn, protocol.NewPong(s.serverName)); err != nil {
		return err
	}

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(s.rateLimit, s.rateBurst)
	}

	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return ErrConnectionClosed
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
		}

		cmd, err := protocol.DecodeLine(line)
		if err != nil {
			// A malformed line tears down this one connection. Tell the
			// peer why before dropping it.
			_ = writeCommand(conn, protocol.Error{Message: err.Error()})
			return err
		}

		switch v := cmd.(type) {
		case protocol.Ping:
			pong := protocol.Pong{Timestamp: v.Timestamp, ServerName: s.serverName}
			if err := writeCommand(conn, pong); err != nil {
				return err
			}
		case protocol.Name:
			s.logger.Info("worker identified", slog.String("name", v.Name))
			s.setConnName(conn, v.Name)
		default:
			select {
			case s.commands <- cmd:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = ""
	s.mu.Unlock()
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) setConnName(conn net.Conn, name string) {
	s.mu.Lock()
	s.conns[conn] = name
	s.mu.Unlock()
}

func writeCommand(conn net.Conn, cmd protocol.Command) error {
	data, err := protocol.EncodeLine(cmd)
	if err != nil {
		return err
	}

	_, err = conn.Write(data)
	return err
}

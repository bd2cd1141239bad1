package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/helixchat/replica/protocol"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultPingTimeout = 5 * time.Second
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets a custom logger.
func WithClientLogger(l *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = l }
}

// WithDialTimeout overrides the connect timeout (default 10s).
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithPingTimeout overrides how long Ping waits for a Pong (default 5s).
func WithPingTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.pingTimeout = d }
}

// Client dials a replication server and speaks the line protocol. It is not
// safe for concurrent use; wrap it in a Conn when multiple goroutines share
// one connection.
type Client struct {
	serverName  string
	workerName  string
	dialTimeout time.Duration
	pingTimeout time.Duration
	logger      *slog.Logger

	conn   net.Conn
	reader *bufio.Reader
}

// NewClient returns an unconnected client. serverName is the homeserver
// name used in outbound identification; workerName is announced via NAME on
// connect.
func NewClient(serverName, workerName string, opts ...ClientOption) *Client {
	c := &Client{
		serverName:  serverName,
		workerName:  workerName,
		dialTimeout: defaultDialTimeout,
		pingTimeout: defaultPingTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials addr and announces the worker's identity. Calling Connect on
// an already-connected client replaces the connection.
func (c *Client) Connect(ctx context.Context, addr string) error {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	dialer := net.Dialer{Timeout: c.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)

	c.logger.Info("replication connection established",
		slog.String("addr", addr),
		slog.String("worker", c.workerName),
	)

	if err := c.Send(protocol.Name{Name: c.workerName}); err != nil {
		c.conn.Close()
		c.conn = nil
		return err
	}

	return nil
}

// Connected reports whether the client currently holds a connection.
func (c *Client) Connected() bool { return c.conn != nil }

// Send writes a command as a single line.
func (c *Client) Send(cmd protocol.Command) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.EncodeLine(cmd)
	if err != nil {
		return err
	}

	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("transport: send %s: %w", cmd.Verb(), err)
	}
	return nil
}

// Receive reads and parses the next line from the server, blocking until
// one arrives.
func (c *Client) Receive() (protocol.Command, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, ErrConnectionClosed
	}

	return protocol.DecodeLine(line)
}

// Ping sends a liveness probe and waits up to the ping timeout for the
// answering Pong. It returns the round-trip latency. A reply other than
// Pong means the conversation is out of step and fails with
// ErrUnexpectedReply.
func (c *Client) Ping() (time.Duration, error) {
	if c.conn == nil {
		return 0, ErrNotConnected
	}

	start := time.Now()
	if err := c.Send(protocol.NewPing()); err != nil {
		return 0, err
	}

	if err := c.conn.SetReadDeadline(time.Now().Add(c.pingTimeout)); err != nil {
		return 0, err
	}
	defer c.conn.SetReadDeadline(time.Time{})

	reply, err := c.Receive()
	if err != nil {
		return 0, fmt.Errorf("transport: ping: %w", err)
	}

	if _, ok := reply.(protocol.Pong); !ok {
		return 0, fmt.Errorf("%w: got %s, want PONG", ErrUnexpectedReply, reply.Verb())
	}

	return time.Since(start), nil
}

// Close tears down the connection. It is safe to call on an unconnected
// client.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}

	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

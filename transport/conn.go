package transport

import (
	"context"
	"sync"
	"time"

	"github.com/helixchat/replica/protocol"
)

// Conn wraps a Client behind a mutex so multiple goroutines can share one
// replication connection. Callers serialize on the lock rather than on the
// socket, which keeps command lines from interleaving.
type Conn struct {
	mu     sync.Mutex
	client *Client
}

// NewConn returns a shareable connection wrapper around client.
func NewConn(client *Client) *Conn {
	return &Conn{client: client}
}

// Connect dials addr. See Client.Connect.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.Connect(ctx, addr)
}

// Connected reports whether the underlying client holds a connection.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.Connected()
}

// Send writes a command, serialized against other callers.
func (c *Conn) Send(cmd protocol.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.Send(cmd)
}

// Ping probes the connection. See Client.Ping.
func (c *Conn) Ping() (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.Ping()
}

// Close is idempotent: closing an already-closed connection is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.client.Close()
}

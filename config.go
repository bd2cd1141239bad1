package replica

import (
	"time"

	"github.com/helixchat/replica/balancer"
	"github.com/helixchat/replica/stream"
)

// Config holds configuration for a Node.
type Config struct {
	// ServerName is the homeserver name announced on outbound replication
	// connections and stamped on bus messages.
	ServerName string

	// InstanceName identifies this process among the homeserver's
	// instances. It is matched against the StreamWriters configuration to
	// decide which streams this instance may write.
	InstanceName string

	// ListenAddr is the address the replication server binds, e.g.
	// ":9092". Empty disables the inbound transport; the node then only
	// dials out.
	ListenAddr string

	// Strategy selects how the load balancer picks among capable workers.
	Strategy balancer.Strategy

	// StreamWriters maps each replication stream to the instance
	// configured to write it. Streams left empty are locally writable by
	// every instance.
	StreamWriters stream.Writers

	// StaleWorkerThreshold is how long a worker may miss heartbeats
	// before the janitor marks it errored.
	StaleWorkerThreshold time.Duration

	// ReconnectInterval is how often the janitor re-dials workers whose
	// transport connection has dropped. Zero disables reconnection and
	// leaves it to process supervision.
	ReconnectInterval time.Duration

	// CommandBuffer is the capacity of the replication server's shared
	// inbound command channel.
	CommandBuffer int
}

// DefaultConfig returns a Config with sensible defaults for serverName.
func DefaultConfig(serverName string) Config {
	return Config{
		ServerName:           serverName,
		InstanceName:         "master",
		Strategy:             balancer.RoundRobin,
		StaleWorkerThreshold: 2 * time.Minute,
		CommandBuffer:        100,
	}
}

// Package replica provides worker replication and orchestration for a
// federated chat homeserver. It offers a line-framed TCP replication
// transport, a pub/sub command bus, a stream-writer position ledger, a
// capability-aware load balancer, and a worker manager that tracks
// lifecycle, commands, events, and task assignments over a pluggable store.
//
// Replica is designed as a library, not a service. Import it, configure a
// store, and wire the subsystems through a Node:
//
//	n, err := replica.New(replica.DefaultConfig("hs.example"),
//	    replica.WithStore(pgStore),
//	)
//
// # Architecture
//
// Each subsystem lives in its own package (transport, bus, stream,
// balancer, health, worker) and is constructed once and injected; there
// are no singletons. A single backend implements the composite
// worker.Store interface; memory, redis, and postgres backends ship under
// store/.
//
// All entity IDs use TypeID: type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package replica

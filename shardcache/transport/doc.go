// Package transport provides reference kepaxos.Callbacks.Send
// implementations for wiring a shardcache.Node cluster together: Memory,
// an in-process fan-out used by tests and simulated multi-replica
// clusters, and HTTP, a minimal out-of-process transport for running
// real, separate node processes. Neither is a production transport.
package transport

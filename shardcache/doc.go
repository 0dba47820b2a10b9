// Package shardcache composes the arc and kepaxos engines into a small
// sharded, replicated cache: a Node owns a fixed number of arc.Cache
// shards (keyed by Fnv64a) and one kepaxos.Engine, and every mutation is
// originated as a KePaxos command whose Commit callback is the only
// thing that ever touches a shard's ARC state directly.
//
// Reads (Get) go straight to the local shard and are not linearizable
// across replicas; this package does not attempt to paper over that with
// read-quorum logic.
//
// Transport is supplied by the caller through kepaxos.Callbacks.Send;
// the shardcache/transport subpackage ships an in-process reference
// transport for tests and a minimal HTTP transport for out-of-process
// use. Both are reference implementations, not production transports.
package shardcache

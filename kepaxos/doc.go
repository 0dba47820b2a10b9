// Package kepaxos implements Key-based Egalitarian Paxos: a leaderless
// replication engine that runs one independent Paxos-like instance per
// key rather than a single cluster-wide log.
//
// Design
//
//   - Ballot: a monotonic (counter, node-index) pair packed into a single
//     uint64 (see Ballot). A replica always holds a ballot strictly ahead
//     of every ballot it has observed, biased toward its own node index
//     so concurrent PreAccept proposals from different replicas don't
//     collide.
//
//   - Per-key sequence: LogStore tracks the last committed sequence number
//     for each key. RunCommand proposes last+1; interfering concurrent
//     proposals on the same key are resolved by the PreAccept quorum
//     (fast path, when a majority agrees on the proposed sequence) or by
//     an explicit Accept round (slow path, Paxos-style, when they don't).
//
//   - Wire format: messages are framed as fixed-width big-endian fields
//     (see message.go), since this package interoperates with whatever
//     transport the caller wires in (shardcache/transport in this
//     module, or a real network transport).
//
//   - Recovery: Engine runs a background expirer that, on a command stuck
//     in PreAccepted/Accepted past its timeout on a ballot it doesn't own,
//     invokes Callbacks.Recover so the caller can kick off recovery
//     against the ballot's owning peer.
package kepaxos

package shardcache

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"

	"github.com/chorny/shardcache/arc"
	"github.com/chorny/shardcache/internal/singleflight"
	"github.com/chorny/shardcache/internal/util"
	"github.com/chorny/shardcache/kepaxos"
)

// ErrNoLoader is returned by GetOrLoad when no Options.Loader was
// configured.
var ErrNoLoader = errors.New("shardcache: no Loader configured")

// Command types replicated through KePaxos. The engine treats them as
// opaque; applyCommitted gives them meaning.
const (
	cmdSet byte = 1
	cmdDel byte = 2
)

type shard[V any] struct {
	cache *arc.Cache[V]
	store *valueStore[V]
}

// Options configures a Node.
type Options[V any] struct {
	// Peers is the full replica set; Self must be one of its entries.
	Peers []string
	Self  string

	// Shards is the local ARC shard count; <= 0 picks a default based
	// on CPU parallelism. Rounded up to the next power of two.
	Shards int
	// ShardCapacity is each shard's byte budget (arc.New's capacity).
	// Defaults to 1MiB if <= 0.
	ShardCapacity int

	// Codec converts V to/from the bytes KePaxos replicates. Required.
	Codec Codec[V]
	// SizeOf estimates a value's accounted byte size for ARC. Defaults
	// to a fixed 64 bytes per entry if nil.
	SizeOf func(V) int

	// Send delivers a KePaxos wire frame to peers (kepaxos.Callbacks.Send).
	// Required; see shardcache/transport for ready-made implementations.
	Send func(recipients []string, payload []byte) error
	// Recover is invoked when a peer's command appears stuck; may be
	// nil if the caller has no recovery path.
	Recover func(peer string, key []byte, seq uint64, ballot kepaxos.Ballot)

	// Loader backs GetOrLoad: it is consulted, at most once per key
	// across concurrently-waiting callers, on a local miss. Optional;
	// GetOrLoad returns ErrNoLoader if nil.
	Loader func(ctx context.Context, key string) (V, error)

	Log            *logrus.Entry
	Metrics        arc.Metrics
	KepaxosMetrics kepaxos.Metrics
	CommandTimeout time.Duration
	// LogStore persists each key's committed (ballot, seq). Defaults to
	// an in-memory kepaxos.MemoryLog, which loses state across restarts.
	LogStore kepaxos.LogStore
}

// Node is one replica of a sharded, KePaxos-replicated cache: Set/Delete
// originate a command that, once committed, applies to the owning
// shard's arc.Cache via the command's Commit callback. Get reads the
// local shard directly and is not linearizable across replicas.
type Node[V any] struct {
	shards []shard[V]
	engine *kepaxos.Engine
	codec  Codec[V]
	loader func(ctx context.Context, key string) (V, error)
	sf     singleflight.Group[string, V]
	log    *logrus.Entry
}

// New constructs a Node. Every shard's ARC engine and the node's single
// KePaxos engine are started before New returns.
func New[V any](opts Options[V]) (*Node[V], error) {
	if opts.Send == nil {
		return nil, errors.New("shardcache: Options.Send is required")
	}
	if opts.Codec == nil {
		return nil, errors.New("shardcache: Options.Codec is required")
	}
	myIndex := -1
	for i, p := range opts.Peers {
		if p == opts.Self {
			myIndex = i
			break
		}
	}
	if myIndex < 0 {
		return nil, errors.Newf("shardcache: Self %q not present in Peers %v", opts.Self, opts.Peers)
	}

	sizeOf := opts.SizeOf
	if sizeOf == nil {
		sizeOf = func(V) int { return 64 }
	}
	shardCapacity := opts.ShardCapacity
	if shardCapacity <= 0 {
		shardCapacity = 1 << 20
	}
	numShards := opts.Shards
	if numShards <= 0 {
		numShards = util.ReasonableShardCount()
	} else {
		numShards = int(util.NextPow2(uint64(numShards)))
	}
	log := opts.Log
	if log == nil {
		log = logrus.WithField("component", "shardcache")
	}

	n := &Node[V]{
		shards: make([]shard[V], numShards),
		codec:  opts.Codec,
		loader: opts.Loader,
		log:    log,
	}
	for i := range n.shards {
		st := newValueStore[V](sizeOf)
		n.shards[i] = shard[V]{
			cache: arc.New[V](st, shardCapacity, arc.Options{Metrics: opts.Metrics}),
			store: st,
		}
	}

	logStore := opts.LogStore
	if logStore == nil {
		logStore = kepaxos.NewMemoryLog()
	}
	n.engine = kepaxos.NewEngine(opts.Peers, myIndex, opts.CommandTimeout, logStore, kepaxos.Callbacks{
		Send:    opts.Send,
		Commit:  n.applyCommitted,
		Recover: opts.Recover,
	}, opts.KepaxosMetrics)

	log.WithFields(logrus.Fields{"self": opts.Self, "shards": numShards, "peers": len(opts.Peers)}).Info("shardcache: node started")
	return n, nil
}

// Close stops the node's KePaxos engine (its expiration goroutine).
func (n *Node[V]) Close() { n.engine.Close() }

// Engine returns the node's KePaxos engine, for wiring a transport's
// inbound ReceivedCommand/ReceivedResponse delivery.
func (n *Node[V]) Engine() *kepaxos.Engine { return n.engine }

// Ballot returns the node's current KePaxos ballot.
func (n *Node[V]) Ballot() kepaxos.Ballot { return n.engine.Ballot() }

func (n *Node[V]) shardFor(key string) *shard[V] {
	h := util.Fnv64a(key)
	return &n.shards[util.ShardIndex(h, len(n.shards))]
}

// Set replicates key=value through KePaxos, returning once a quorum has
// committed the mutation, or an error if the command times out or is
// superseded.
func (n *Node[V]) Set(key string, value V) error {
	data, err := n.codec.Encode(value)
	if err != nil {
		return errors.Wrap(err, "shardcache: encode")
	}
	return n.engine.RunCommand(cmdSet, []byte(key), data)
}

// Delete replicates the removal of key through KePaxos.
func (n *Node[V]) Delete(key string) error {
	return n.engine.RunCommand(cmdDel, []byte(key), nil)
}

// Get reads key from the local shard only.
func (n *Node[V]) Get(key string) (V, bool) {
	h, err := n.shardFor(key).cache.Lookup(key, false)
	var zero V
	if err != nil || h == nil {
		return zero, false
	}
	v := h.Value()
	h.Release()
	return v, true
}

// GetOrLoad returns key's value, loading it via Options.Loader on a local
// miss and replicating the result through Set before returning it.
// Concurrent GetOrLoad calls for the same key on this replica are
// coalesced: Loader runs at most once, the rest wait for its result.
// Returns ErrNoLoader if no Loader was configured.
func (n *Node[V]) GetOrLoad(ctx context.Context, key string) (V, error) {
	if v, ok := n.Get(key); ok {
		return v, nil
	}
	if n.loader == nil {
		var zero V
		return zero, ErrNoLoader
	}
	return n.sf.Do(ctx, key, func() (V, error) {
		if v, ok := n.Get(key); ok {
			return v, nil
		}
		v, err := n.loader(ctx, key)
		if err != nil {
			var zero V
			return zero, err
		}
		if err := n.Set(key, v); err != nil {
			return v, err
		}
		return v, nil
	})
}

// applyCommitted is the kepaxos.Callbacks.Commit handler: invoked once
// per committed command, on the leader immediately after the quorum
// settles and on every other replica after receiving COMMIT. It is the
// only code path that mutates a shard's ARC state.
func (n *Node[V]) applyCommitted(ctype byte, key, data []byte, leader bool) error {
	sh := n.shardFor(string(key))
	k := string(key)

	// Evict whatever is resident first: a Set always replaces cleanly,
	// and a Del needs nothing more.
	sh.cache.Remove(k)
	if ctype == cmdDel {
		return nil
	}

	val, err := n.codec.Decode(data)
	if err != nil {
		return errors.Wrap(err, "shardcache: decode")
	}
	sh.store.publish(k, val)
	h, err := sh.cache.Lookup(k, false)
	if err != nil {
		return err
	}
	if h != nil {
		h.Release()
	}
	return nil
}

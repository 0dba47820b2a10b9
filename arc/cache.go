package arc

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/chorny/shardcache/internal/util"
)

var logger = logrus.WithField("component", "arc")

// Cache is an Adaptive Replacement Cache over opaque string keys and a
// user-defined payload type V. All methods are safe for concurrent use.
//
// Capacity is a target byte budget for the two resident lists (MRU+MFU):
// entries carry an accounted size (backing payload size plus a fixed
// per-entry overhead), and balance keeps MRU+MFU within Capacity by
// demoting to the ghost lists, which are themselves capped at Capacity
// and trimmed. Transient overshoot is possible while a fetch is in
// flight; the next balance resolves it.
type Cache[V any] struct {
	store    BackingStore[V]
	capacity int64
	opts     Options

	mu    sync.Mutex
	index map[string]*entry[V]
	p     int64
	mru   list[V]
	mfu   list[V]
	mrug  list[V]
	mfug  list[V]

	needsRebalance atomic.Bool
	numItems       util.PaddedAtomicInt64
}

// New constructs a Cache with the given backing store and byte capacity.
// p, the adaptive MRU/MFU target, starts at capacity/2.
func New[V any](store BackingStore[V], capacity int, opts Options) *Cache[V] {
	if capacity <= 0 {
		panic("arc: capacity must be > 0")
	}
	return &Cache[V]{
		store:    store,
		capacity: int64(capacity),
		opts:     opts.withDefaults(),
		index:    make(map[string]*entry[V]),
		p:        int64(capacity) / 2,
	}
}

// Size returns the current accounted byte total of the resident lists.
func (c *Cache[V]) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mru.size + c.mfu.size
}

// NumItems returns the live-entry counter: entries in MRU ∪ MFU, plus
// one for every oversize fetch (see the oversize branch in move). The
// oversize increments are never subtracted, so an oversize key adds one
// per fetch and stays counted after it is removed.
func (c *Cache[V]) NumItems() int64 {
	return c.numItems.Load()
}

// P returns the current adaptive target for MRU size (for tests/metrics).
func (c *Cache[V]) P() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.p
}

func (c *Cache[V]) listFor(s State) *list[V] {
	switch s {
	case MRU:
		return &c.mru
	case MFU:
		return &c.mfu
	case MRUGhost:
		return &c.mrug
	case MFUGhost:
		return &c.mfug
	default:
		return nil
	}
}

// Lookup returns a retained Handle for key, creating the entry on miss
// via BackingStore.Create/Fetch. A nil Handle with a nil error means the
// backing store declined to produce the value (do-not-cache) or the key
// was removed while the lookup was in flight.
//
// If async is true and a previous Lookup already created this entry with
// async=true and it is still awaiting backing data, the entry's current
// payload is returned without promotion — the backing layer is expected
// to publish the final payload out of band.
func (c *Cache[V]) Lookup(key string, async bool) (*Handle[V], error) {
	c.mu.Lock()
	e, ok := c.index[key]
	if ok {
		// An entry present in the index always holds its structural
		// reference, so retaining under c.mu is safe.
		e.refs.Add(1)
		c.mu.Unlock()
		return c.lookupHit(e, async)
	}

	// Miss. Reserve the index slot before calling Create, so concurrent
	// misses for the same key collapse onto this entry instead of each
	// running their own Create. The entry lock is held across Create:
	// racing lookups block in move() until the payload is published.
	ne := newEntry[V](key)
	ne.refs.Add(1) // the Handle's reference, on top of the index's
	ne.mu.Lock()
	c.index[key] = ne
	c.mu.Unlock()

	c.opts.Metrics.Miss()
	val, err := c.store.Create(key, async)
	if err != nil {
		ne.mu.Unlock()
		c.dropFromIndex(ne)
		c.decRef(ne) // the Handle reference that will never be handed out
		return nil, err
	}
	ne.payload = val
	ne.hasPayload = true
	ne.async = async
	ne.mu.Unlock()

	if err := c.move(ne, MRU); err != nil {
		c.decRef(ne)
		if err == errDoNotCache {
			return nil, nil
		}
		return nil, err
	}
	ne.mu.Lock()
	v, size := ne.payload, ne.size
	ne.mu.Unlock()
	c.balance(size)
	return &Handle[V]{cache: c, e: ne, value: v}, nil
}

// lookupHit runs the promotion path for an entry found in the index.
// The caller has already added the Handle's reference.
func (c *Cache[V]) lookupHit(e *entry[V], async bool) (*Handle[V], error) {
	if async {
		e.mu.Lock()
		stillAsync, v := e.async, e.payload
		e.mu.Unlock()
		if stillAsync {
			return &Handle[V]{cache: c, e: e, value: v}, nil
		}
	}

	e.mu.Lock()
	c.opts.Metrics.Hit(e.state)
	e.mu.Unlock()

	if err := c.move(e, MFU); err != nil {
		c.decRef(e)
		if err == errDoNotCache {
			return nil, nil
		}
		return nil, err
	}
	e.mu.Lock()
	v, size := e.payload, e.size
	e.mu.Unlock()
	c.balance(size)
	return &Handle[V]{cache: c, e: e, value: v}, nil
}

// Remove deletes key from the index and releases the structural
// reference, transitioning the entry to Unlinked. Outstanding Handles
// stay valid until released.
func (c *Cache[V]) Remove(key string) {
	c.mu.Lock()
	e, ok := c.index[key]
	if ok {
		delete(c.index, key)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.unlink(e)
}

// UpdateSize adjusts the accounted size of an in-place-updated payload,
// if the entry is currently resident in MRU or MFU, and flags the cache
// for rebalancing.
func (c *Cache[V]) UpdateSize(key string, newPayloadSize int) {
	c.mu.Lock()
	e, ok := c.index[key]
	c.mu.Unlock()
	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == MRU || e.state == MFU {
		c.mu.Lock()
		l := c.listFor(e.state)
		newSize := baseEntrySize(key) + newPayloadSize
		l.size += int64(newSize - e.size)
		e.size = newSize
		c.mu.Unlock()
	}
	c.needsRebalance.Store(true)
}

// dropFromIndex removes e from the index and releases the structural
// reference, but only if the index still maps e's key to e (a concurrent
// Remove, or a newer entry under the same key, may have raced ahead).
func (c *Cache[V]) dropFromIndex(e *entry[V]) {
	c.mu.Lock()
	cur, ok := c.index[e.key]
	if ok && cur == e {
		delete(c.index, e.key)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.decRef(e)
	}
}

// unlink removes e from whatever list currently holds it and drops the
// structural reference.
func (c *Cache[V]) unlink(e *entry[V]) {
	e.mu.Lock()
	c.mu.Lock()
	if e.state != Unlinked {
		// Plain removal/purge never adjusts p: the adaptive target only
		// moves on an actual ghost lookup hit, handled in move().
		c.listFor(e.state).remove(e)
		wasLive := e.state == MRU || e.state == MFU
		e.state = Unlinked
		if wasLive {
			c.numItems.Add(-1)
		}
	}
	c.mu.Unlock()
	e.mu.Unlock()
	c.decRef(e)
}

// move is the single operation that places an entry into a list (final
// removal from a list goes through unlink instead) and, where the
// transition crosses into MRU/MFU from a ghost or unlinked state,
// drives the backing store's fetch. Lock order is entry -> cache; the
// cache lock is released around the Fetch/Evict backing calls so a slow
// backend never stalls unrelated lookups. Because the entry lock stays
// held for the whole call, concurrent moves of the same entry serialize
// and each sees the state its predecessor left behind.
func (c *Cache[V]) move(e *entry[V], target State) error {
	e.mu.Lock()
	c.mu.Lock()

	origin := e.state
	if origin != Unlinked {
		c.onGhostHitLocked(origin)
		c.listFor(origin).remove(e)
		e.state = Unlinked
	}

	switch target {
	case MRUGhost, MFUGhost:
		if origin == Unlinked {
			// Raced with Remove: the entry is already detached and its
			// structural reference dropped. Nothing to demote.
			c.mu.Unlock()
			e.mu.Unlock()
			return nil
		}
		payload, has := e.payload, e.hasPayload
		c.mu.Unlock()
		if has {
			c.store.Evict(e.key, payload)
		}
		var zero V
		e.payload = zero
		e.hasPayload = false
		e.async = false
		c.mu.Lock()
		if cur, ok := c.index[e.key]; ok && cur == e {
			c.listFor(target).pushFront(e)
			e.state = target
		}
		if origin == MRU || origin == MFU {
			c.numItems.Add(-1)
		}
		c.mu.Unlock()
		e.mu.Unlock()
		c.opts.Metrics.Evict(target)
		return nil

	case MRU, MFU:
		if origin == MRU || origin == MFU {
			// Simple promotion/demotion between the two resident lists.
			c.listFor(target).pushFront(e)
			e.state = target
			c.mu.Unlock()
			e.mu.Unlock()
			c.needsRebalance.Store(true)
			return nil
		}

		if cur, ok := c.index[e.key]; !ok || cur != e {
			// Removed while we were waiting for the locks.
			c.mu.Unlock()
			e.mu.Unlock()
			return errDoNotCache
		}

		// From a ghost or brand-new entry: fetch the payload. The cache
		// lock is released for the duration of the backend call.
		payload := e.payload
		c.mu.Unlock()
		val, size, status, err := c.store.Fetch(e.key, payload)
		switch status {
		case FetchSkip:
			e.mu.Unlock()
			c.dropFromIndex(e)
			return errDoNotCache
		case FetchFatal:
			e.mu.Unlock()
			c.dropFromIndex(e)
			if err == nil {
				err = ErrFetchFailed
			}
			logger.WithField("key", e.key).Warnf("backing fetch failed: %v", err)
			return err
		default: // FetchOK
			newSize := baseEntrySize(e.key) + size
			e.payload = val
			e.hasPayload = true
			if int64(newSize) >= c.capacity {
				// Oversize: hand the caller a usable, uncached handle.
				// It stays Unlinked but in the index, so every future
				// Lookup re-fetches it rather than reusing it.
				c.numItems.Add(1)
				e.mu.Unlock()
				return nil
			}
			e.size = newSize
			c.mu.Lock()
			if cur, ok := c.index[e.key]; ok && cur == e {
				c.listFor(target).pushFront(e)
				e.state = target
				c.numItems.Add(1)
			}
			c.mu.Unlock()
			e.mu.Unlock()
			c.needsRebalance.Store(true)
			return nil
		}
	default:
		c.mu.Unlock()
		e.mu.Unlock()
		return nil
	}
}

// onGhostHitLocked adapts p when a lookup lands on a ghost entry: an
// MRUGhost hit means the recency side was trimmed too aggressively, so p
// grows; an MFUGhost hit shrinks it. The step is the ratio of the two
// ghost lists' sizes, floored at 1. Caller must hold c.mu.
func (c *Cache[V]) onGhostHitLocked(origin State) {
	switch origin {
	case MRUGhost:
		var delta int64
		if c.mrug.size > 0 {
			delta = c.mfug.size / c.mrug.size
		} else {
			delta = c.mfug.size / 2
		}
		if delta < 1 {
			delta = 1
		}
		c.p = min64(c.capacity, c.p+delta)
		c.opts.Metrics.GhostHit(MRUGhost)
	case MFUGhost:
		var delta int64
		if c.mfug.size > 0 {
			delta = c.mrug.size / c.mfug.size
		} else {
			delta = c.mrug.size / 2
		}
		if delta < 1 {
			delta = 1
		}
		c.p = max64(0, c.p-delta)
		c.opts.Metrics.GhostHit(MFUGhost)
	}
}

// balance trims the resident lists down to capacity (phase 1, demoting
// LRU entries into the ghost lists) and then the ghost lists themselves
// (phase 2, purging their LRU entries). It runs only if needsRebalance
// is set, clearing the flag atomically first so concurrent callers never
// run redundant passes.
func (c *Cache[V]) balance(sizeHint int) {
	if !c.needsRebalance.CompareAndSwap(true, false) {
		return
	}

	c.mu.Lock()
	for c.mru.size+c.mfu.size+int64(sizeHint) > c.capacity {
		var obj *entry[V]
		var target State
		if c.mru.size > c.p {
			obj, target = c.mru.back(), MRUGhost
		} else if c.mfu.size > 0 {
			obj, target = c.mfu.back(), MFUGhost
		}
		if obj == nil {
			break
		}
		obj.refs.Add(1)
		c.mu.Unlock()
		_ = c.move(obj, target)
		c.decRef(obj)
		c.mu.Lock()
	}

	for c.mrug.size+c.mfug.size > c.capacity {
		var obj *entry[V]
		if c.mfug.size > c.p {
			obj = c.mfug.back()
		} else if c.mrug.size > 0 {
			obj = c.mrug.back()
		}
		if obj == nil {
			break
		}
		obj.refs.Add(1)
		c.mu.Unlock()
		c.removeGhost(obj)
		c.decRef(obj)
		c.mu.Lock()
	}
	mru, mfu, mrug, mfug := c.mru.size, c.mfu.size, c.mrug.size, c.mfug.size
	p := c.p
	c.mu.Unlock()
	c.opts.Metrics.Balance(p, mru, mfu, mrug, mfug)
}

// removeGhost purges a ghost-list LRU entry entirely: out of the index,
// out of its list, structural reference dropped.
func (c *Cache[V]) removeGhost(e *entry[V]) {
	c.mu.Lock()
	cur, ok := c.index[e.key]
	if ok && cur == e {
		delete(c.index, e.key)
	} else {
		ok = false
	}
	c.mu.Unlock()
	if ok {
		c.unlink(e)
	}
}

// decRef releases one reference to e. Once the count reaches zero,
// BackingStore.Destroy runs and the payload is dropped for good.
func (c *Cache[V]) decRef(e *entry[V]) {
	if e.refs.Add(-1) != 0 {
		return
	}
	e.mu.Lock()
	payload, has := e.payload, e.hasPayload
	e.hasPayload = false
	var zero V
	e.payload = zero
	e.mu.Unlock()
	if has {
		c.store.Destroy(e.key, payload)
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

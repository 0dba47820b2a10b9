package shardcache

import (
	"sync"

	"github.com/chorny/shardcache/arc"
)

// valueStore is the arc.BackingStore[V] behind every shard. A Node never
// lets arc pull data from a remote source on a cold Lookup miss: values
// are always published ahead of time by applyCommitted, and Fetch hands
// over the value published for the key and forgets it, so each published
// value is fetched at most once. A fetch with nothing published for it (a
// Get on a key not set here, or a ghost-hit refetch after the value was
// already fetched) is treated as FetchSkip rather than an error.
type valueStore[V any] struct {
	mu      sync.Mutex
	pending map[string]V
	sizeOf  func(V) int
}

func newValueStore[V any](sizeOf func(V) int) *valueStore[V] {
	return &valueStore[V]{pending: make(map[string]V), sizeOf: sizeOf}
}

func (s *valueStore[V]) publish(key string, v V) {
	s.mu.Lock()
	s.pending[key] = v
	s.mu.Unlock()
}

func (s *valueStore[V]) Create(key string, async bool) (V, error) {
	var zero V
	return zero, nil
}

func (s *valueStore[V]) Fetch(key string, payload V) (V, int, arc.FetchStatus, error) {
	s.mu.Lock()
	v, ok := s.pending[key]
	delete(s.pending, key)
	s.mu.Unlock()
	if !ok {
		var zero V
		return zero, 0, arc.FetchSkip, nil
	}
	return v, s.sizeOf(v), arc.FetchOK, nil
}

func (s *valueStore[V]) Evict(key string, payload V)   {}
func (s *valueStore[V]) Destroy(key string, payload V) {}

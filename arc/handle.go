package arc

// Handle is a retained reference to a cached entry, returned by Lookup.
// The caller must call Release exactly once when done with it; failing
// to do so leaks the entry (its Destroy callback never runs).
type Handle[V any] struct {
	cache *Cache[V]
	e     *entry[V]
	value V
}

// Value returns the payload snapshot taken at Lookup/creation time.
func (h *Handle[V]) Value() V { return h.value }

// Release drops this handle's reference. Once the last reference to the
// underlying entry is released (index reference plus every outstanding
// Handle), BackingStore.Destroy runs and the payload is dropped.
func (h *Handle[V]) Release() {
	if h.e == nil {
		return
	}
	h.cache.decRef(h.e)
	h.e = nil
}

// Retain adds another reference to the same underlying entry, returning
// a second independent Handle that must also be Released.
func (h *Handle[V]) Retain() *Handle[V] {
	h.e.refs.Add(1)
	return &Handle[V]{cache: h.cache, e: h.e, value: h.value}
}

package arc

// FetchStatus is the result of a BackingStore.Fetch call.
type FetchStatus int

const (
	// FetchOK means the payload was retrieved and should be cached.
	FetchOK FetchStatus = iota
	// FetchSkip means the payload was retrieved but must not be cached
	// (the entry is removed from the index without being linked into MRU/MFU).
	FetchSkip
	// FetchFatal means the fetch failed; the entry is removed and the
	// error is surfaced to the Lookup caller.
	FetchFatal
)

// BackingStore supplies the four payload callbacks the cache drives:
// create, fetch, evict and destroy. It is the only collaborator the
// engine depends on for payload data.
type BackingStore[V any] interface {
	// Create initializes a new payload for key on a Lookup miss, before
	// any data has necessarily arrived. async signals that the caller is
	// prepared to receive a partial/placeholder payload immediately and
	// have the real data arrive out of band (see Cache.Lookup).
	Create(key string, async bool) (V, error)

	// Fetch retrieves (or completes retrieval of) the payload, returning
	// its accounted size. A non-OK status short-circuits move(): FetchSkip
	// removes the entry from the index without caching it; FetchFatal
	// removes the entry and returns err to the Lookup caller.
	Fetch(key string, payload V) (value V, size int, status FetchStatus, err error)

	// Evict releases payload contents when an entry becomes a ghost. The
	// entry itself survives (for policy accounting); only its payload
	// is released.
	Evict(key string, payload V)

	// Destroy releases the payload for good, when the entry's last
	// reference is dropped.
	Destroy(key string, payload V)
}

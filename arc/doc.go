// Package arc implements an Adaptive Replacement Cache: a four-list,
// self-tuning eviction policy (Megiddo & Modha) backed by a pluggable
// BackingStore for create/fetch/evict/destroy of cached payloads.
//
// Design
//
//   - Four lists: MRU and MFU hold live entries; MRUGhost and MFUGhost hold
//     recently-evicted keys for policy accounting only (no payload). A
//     target p, 0 <= p <= capacity, partitions the live budget between
//     recency (MRU) and frequency (MFU); p adapts on every ghost hit.
//
//   - Concurrency: every entry has its own mutex; the cache has one mutex.
//     Lock order is entry -> cache. BackingStore.Fetch is invoked with the
//     cache lock released (only the entry lock held) so a slow backend
//     does not stall unrelated lookups.
//
//   - Reference counting: Lookup returns a retained Handle. An entry is
//     destroyed (BackingStore.Destroy invoked, payload dropped) only once
//     its reference count reaches zero; removal from the index happens
//     independently (explicit Remove, ghost-list eviction, or a fatal/
//     do-not-cache fetch), so concurrent Lookup callers never observe a
//     removed key, but existing Handles remain valid until released
//     (the index is a weak reference: it never owns the final one).
//
// Every placement of an entry into a list funnels through a single
// internal move operation; detaching an entry from its list for good
// (Remove and ghost-list purges) goes through unlink. Since sync.Mutex is
// not reentrant, move takes the entry lock once per call and never calls
// back into a function that re-acquires it.
package arc

package arc

import (
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/sync/errgroup"
)

// memStore is a trivial BackingStore[string] over an in-memory map, used
// as the fixture for every test in this package. Fetch treats payload as
// the final value directly (no async two-phase fill).
type memStore struct {
	mu        sync.Mutex
	data      map[string]string
	destroyed map[string]int
	evicted   map[string]int
	creates   int64
	fetches   int64
}

func newMemStore(data map[string]string) *memStore {
	return &memStore{
		data:      data,
		destroyed: map[string]int{},
		evicted:   map[string]int{},
	}
}

func (s *memStore) Create(key string, async bool) (string, error) {
	atomic.AddInt64(&s.creates, 1)
	return "", nil
}

func (s *memStore) Fetch(key string, payload string) (string, int, FetchStatus, error) {
	atomic.AddInt64(&s.fetches, 1)
	s.mu.Lock()
	v, ok := s.data[key]
	s.mu.Unlock()
	if !ok {
		return "", 0, FetchSkip, nil
	}
	return v, len(v), FetchOK, nil
}

func (s *memStore) Evict(key string, payload string) {
	s.mu.Lock()
	s.evicted[key]++
	s.mu.Unlock()
}

func (s *memStore) Destroy(key string, payload string) {
	s.mu.Lock()
	s.destroyed[key]++
	s.mu.Unlock()
}

// Basic Lookup/Remove semantics: a miss fetches and caches; Remove makes
// the key disappear from accounting even though a held Handle stays valid.
func TestCache_BasicLookupRemove(t *testing.T) {
	t.Parallel()

	store := newMemStore(map[string]string{"a": "1"})
	c := New[string](store, 1<<20, Options{})

	h, err := c.Lookup("a", false)
	if err != nil {
		t.Fatalf("Lookup a: %v", err)
	}
	if h.Value() != "1" {
		t.Fatalf("want 1, got %q", h.Value())
	}
	if got := c.NumItems(); got != 1 {
		t.Fatalf("NumItems want 1, got %d", got)
	}

	c.Remove("a")
	if got := c.NumItems(); got != 0 {
		t.Fatalf("NumItems after Remove want 0, got %d", got)
	}
	// The handle we're still holding remains valid until released.
	if h.Value() != "1" {
		t.Fatal("handle must stay valid after Remove")
	}
	h.Release()
}

// A miss for a key the backing store doesn't have returns no error and
// no caching (FetchSkip): the index must not retain the entry.
func TestCache_FetchSkip(t *testing.T) {
	t.Parallel()

	store := newMemStore(map[string]string{})
	c := New[string](store, 1<<20, Options{})

	h, err := c.Lookup("missing", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h != nil {
		t.Fatal("FetchSkip must yield a nil handle")
	}
	if got := c.NumItems(); got != 0 {
		t.Fatalf("NumItems want 0, got %d", got)
	}
}

// A second Lookup on the same key is a cache hit: Fetch must run exactly
// once, the entry is simply promoted.
func TestCache_SecondLookupIsHit(t *testing.T) {
	t.Parallel()

	store := newMemStore(map[string]string{"a": "1"})
	c := New[string](store, 1<<20, Options{})

	h1, err := c.Lookup("a", false)
	if err != nil {
		t.Fatal(err)
	}
	h1.Release()

	h2, err := c.Lookup("a", false)
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Release()

	if got := atomic.LoadInt64(&store.fetches); got != 1 {
		t.Fatalf("Fetch must run once, ran %d times", got)
	}
}

// Ghost-list promotion: evicting "a" to MRUGhost then looking it up again
// must trigger a fresh Fetch (the ghost carries no payload) and adapt p
// upward.
func TestCache_GhostHitAdaptsP(t *testing.T) {
	t.Parallel()

	store := newMemStore(map[string]string{"a": "1", "b": "2", "c": "3"})
	// Capacity tight enough that inserting b and c forces a out to a ghost.
	c := New[string](store, baseEntrySize("a")+baseEntrySize("b")+baseEntrySize("c")+3, Options{})

	h, err := c.Lookup("a", false)
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	for _, k := range []string{"b", "c"} {
		h, err := c.Lookup(k, false)
		if err != nil {
			t.Fatalf("Lookup %s: %v", k, err)
		}
		h.Release()
	}

	pBefore := c.P()
	h2, err := c.Lookup("a", false)
	if err != nil {
		t.Fatalf("ghost-hit Lookup a: %v", err)
	}
	defer h2.Release()

	if got := atomic.LoadInt64(&store.fetches); got < 2 {
		t.Fatalf("ghost hit must re-fetch, fetches=%d", got)
	}
	if c.P() <= pBefore {
		t.Fatalf("p must increase on an MRUGhost hit: before=%d after=%d", pBefore, c.P())
	}
}

// Concurrent misses on the same key must call Create exactly once; the
// losing goroutines collapse onto the winner's entry.
func TestCache_ConcurrentMissesCollapse(t *testing.T) {
	store := newMemStore(map[string]string{"k": "v"})
	c := New[string](store, 1<<20, Options{})

	const n = 64
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			h, err := c.Lookup("k", false)
			if err != nil {
				return err
			}
			h.Release()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if got := atomic.LoadInt64(&store.creates); got != 1 {
		t.Fatalf("Create must run once across the race, ran %d times", got)
	}
}

// The last Release drives Destroy exactly once, even when the key has
// already been Removed while a Handle was still outstanding.
func TestCache_DestroyRunsOnceAfterRemove(t *testing.T) {
	t.Parallel()

	store := newMemStore(map[string]string{"a": "1"})
	c := New[string](store, 1<<20, Options{})

	h, err := c.Lookup("a", false)
	if err != nil {
		t.Fatal(err)
	}
	r := h.Retain()

	c.Remove("a")
	if n := store.destroyed["a"]; n != 0 {
		t.Fatalf("Destroy must not run while handles remain, ran %d times", n)
	}

	h.Release()
	if n := store.destroyed["a"]; n != 0 {
		t.Fatalf("Destroy must not run until the last handle releases, ran %d times", n)
	}

	r.Release()
	if n := store.destroyed["a"]; n != 1 {
		t.Fatalf("Destroy must run exactly once, ran %d times", n)
	}
}

// An oversize payload (>= capacity) is returned as a usable, uncached
// handle: NumItems counts it, but it is never resident in MRU/MFU, so a
// second Lookup re-fetches it.
func TestCache_OversizeIsTransient(t *testing.T) {
	t.Parallel()

	store := newMemStore(map[string]string{"big": "0123456789"})
	c := New[string](store, baseEntrySize("big")+5, Options{})

	h, err := c.Lookup("big", false)
	if err != nil {
		t.Fatal(err)
	}
	if h.Value() != "0123456789" {
		t.Fatalf("want full value, got %q", h.Value())
	}
	h.Release()

	h2, err := c.Lookup("big", false)
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()
	if got := atomic.LoadInt64(&store.fetches); got != 2 {
		t.Fatalf("oversize entries must re-fetch every time, fetches=%d", got)
	}
}

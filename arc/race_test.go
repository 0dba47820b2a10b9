package arc

import (
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"
)

// raceStore is a BackingStore fixture wide enough for TestRace_Basic's
// keyspace; every key resolves to a small fixed-size value.
type raceStore struct{}

func (raceStore) Create(key string, async bool) (string, error) { return "", nil }

func (raceStore) Fetch(key string, payload string) (string, int, FetchStatus, error) {
	return "v:" + key, 8, FetchOK, nil
}

func (raceStore) Evict(key string, payload string)   {}
func (raceStore) Destroy(key string, payload string) {}

// A mixed workload of concurrent Lookup/Remove/UpdateSize on random keys.
// Should pass under `-race` without detector reports.
func TestRace_Basic(t *testing.T) {
	c := New[string](raceStore{}, 64*1024, Options{})

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 5_000
	deadline := time.Now().Add(500 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% — Remove
					c.Remove(k)
				case 5, 6, 7, 8, 9: // ~5% — UpdateSize
					c.UpdateSize(k, 1+r.Intn(32))
				default: // ~90% — Lookup
					h, err := c.Lookup(k, false)
					if err != nil {
						t.Errorf("Lookup error: %v", err)
						return
					}
					if h != nil {
						h.Release()
					}
				}
			}
		}(w)
	}
	wg.Wait()
}

// One hundred goroutines call Lookup on the same key concurrently. Create
// must run exactly once (singleflight-style collapse on miss).
func TestRace_ConcurrentSameKey(t *testing.T) {
	store := newMemStore(map[string]string{"same-key": "v"})
	c := New[string](store, 4096, Options{})

	const goroutines = 100
	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)

	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			h, err := c.Lookup("same-key", false)
			if err != nil {
				t.Errorf("Lookup error: %v", err)
				return
			}
			if h.Value() != "v" {
				t.Errorf("unexpected value: %q", h.Value())
			}
			h.Release()
		}()
	}

	close(start)
	wg.Wait()

	if got := store.creates; got != 1 {
		t.Fatalf("Create should run exactly once, got %d", got)
	}
}

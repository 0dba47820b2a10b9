package arc

import (
	"sync"
	"sync/atomic"
)

// State is the list an entry currently belongs to.
type State int

const (
	// Unlinked entries are not in any list: just created, awaiting
	// placement, or being destroyed. A transient holder (see Cache.move,
	// oversize handling) also reports Unlinked forever.
	Unlinked State = iota
	MRU
	MFU
	MRUGhost
	MFUGhost
)

func (s State) String() string {
	switch s {
	case MRU:
		return "MRU"
	case MFU:
		return "MFU"
	case MRUGhost:
		return "MRUGhost"
	case MFUGhost:
		return "MFUGhost"
	default:
		return "Unlinked"
	}
}

// baseEntryOverhead approximates the fixed per-entry bookkeeping cost
// (list pointers, refcount, state, plus the entry's copy of the key),
// charged against capacity on top of the payload size. A named constant
// beats unsafe.Sizeof here: the accounted figure must stay stable across
// Go versions and architectures.
const baseEntryOverhead = 48

func baseEntrySize(key string) int {
	return baseEntryOverhead + len(key)
}

// entry is one cached key: an intrusive list node (prev/next), a
// reference count, and the backing payload. Only one list (MRU, MFU,
// MRUGhost or MFUGhost) may reference an entry at a time.
type entry[V any] struct {
	mu sync.Mutex

	key   string
	state State
	size  int

	payload    V
	hasPayload bool
	async      bool

	prev, next *entry[V]

	refs atomic.Int32
}

func newEntry[V any](key string) *entry[V] {
	e := &entry[V]{key: key, state: Unlinked, size: baseEntrySize(key)}
	e.refs.Store(1) // the index's own reference, dropped on removal
	return e
}

package arc

import "github.com/cockroachdb/errors"

// ErrFetchFailed is returned by Lookup when the backing store's Fetch
// reports FetchFatal and supplies no error of its own.
var ErrFetchFailed = errors.New("arc: backing fetch failed")

// errDoNotCache flows from move back to Lookup when the entry cannot be
// handed out: the backing store said do-not-cache, or the key was
// removed while the lookup was in flight. Lookup translates it into a
// nil Handle with a nil error.
var errDoNotCache = errors.New("arc: entry not cacheable")

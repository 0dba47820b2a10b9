package kepaxos

import "github.com/cockroachdb/errors"

// ErrCommandFailed is returned by RunCommand when, after the PreAccept/
// Accept rounds settle, the log's committed sequence for the key is
// still behind the one this call proposed.
var ErrCommandFailed = errors.New("kepaxos: command did not commit")

// ErrStaleRecovery is returned by Engine.Recovered when the proposed
// (ballot, seq) is older than what the log already holds for the key.
var ErrStaleRecovery = errors.New("kepaxos: stale recovery result")

// ErrUpToDate is returned by Engine.DiffSince when the requesting
// replica's ballot counter is already at or ahead of the counter of the
// highest ballot in this replica's log.
var ErrUpToDate = errors.New("kepaxos: peer already up to date")

// errIgnored marks a protocol message that is a no-op by design (stale
// ballot, already-committed sequence, superseded command) rather than a
// transport or decoding failure.
var errIgnored = errors.New("kepaxos: message ignored")

package kepaxos

import (
	"sync"
	"time"
)

type cmdStatus int

const (
	statusNone cmdStatus = iota
	statusPreAccepted
	statusAccepted
)

// vote is one PreAccept/Accept response recorded against an in-flight
// command.
type vote struct {
	peer   string
	ballot Ballot
	seq    uint64
}

// command tracks one in-flight (not yet committed) key instance, whether
// it originated locally via RunCommand or was opened by a PreAccept/
// Accept message from another replica.
type command struct {
	mu sync.Mutex

	ctype  byte
	key    []byte
	data   []byte
	seq    uint64
	ballot Ballot
	status cmdStatus

	votes           []vote
	maxSeq          uint64
	maxSeqCommitted bool
	maxVoter        string

	timestamp time.Time
	timeout   time.Duration

	// done is closed exactly once, when the command reaches a terminal
	// state (committed, failed in the Commit callback, superseded or
	// expired), waking any RunCommand waiter.
	done   chan struct{}
	closed bool
}

func newCommand(ctype byte, key, data []byte, seq uint64, ballot Ballot, timeout time.Duration) *command {
	return &command{
		ctype:     ctype,
		key:       key,
		data:      data,
		seq:       seq,
		ballot:    ballot,
		status:    statusPreAccepted,
		timestamp: time.Now(),
		timeout:   timeout,
		done:      make(chan struct{}),
	}
}

// finish closes the done channel if it hasn't been already, releasing
// any RunCommand goroutine blocked waiting on this command.
func (c *command) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *command) expired(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout > 0 && now.After(c.timestamp.Add(c.timeout))
}

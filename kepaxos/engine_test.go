package kepaxos

import (
	"sync"
	"testing"
	"time"
)

// cluster wires N in-process Engines together: Send delivers synchronously
// (on the calling goroutine) to every named peer's ReceivedCommand, and
// every response that comes back is fed into the sender's
// ReceivedResponse. A real transport would instead carry these frames
// over the network.
type cluster struct {
	engines   map[string]*Engine
	applied   map[string]map[string]string // peer -> key -> last committed value
	appliedMu sync.Mutex
}

func newCluster(n int, timeout time.Duration) *cluster {
	peers := make([]string, n)
	for i := range peers {
		peers[i] = peerName(i)
	}

	c := &cluster{
		engines: make(map[string]*Engine),
		applied: make(map[string]map[string]string),
	}
	for i := range peers {
		i := i
		name := peerName(i)
		c.applied[name] = make(map[string]string)
		c.engines[name] = NewEngine(peers, i, timeout, NewMemoryLog(), Callbacks{
			Send: func(recipients []string, payload []byte) error {
				return c.deliver(recipients, payload)
			},
			Commit: func(ctype byte, key, data []byte, leader bool) error {
				c.appliedMu.Lock()
				c.applied[name][string(key)] = string(data)
				c.appliedMu.Unlock()
				return nil
			},
		}, nil)
	}
	return c
}

func peerName(i int) string { return "peer" + string(rune('0'+i)) }

func (c *cluster) deliver(recipients []string, payload []byte) error {
	for _, r := range recipients {
		e := c.engines[r]
		resp, err := e.ReceivedCommand(payload)
		if err != nil {
			continue // an ignored/stale message: nothing to propagate
		}
		if resp == nil {
			continue
		}
		// Route the reply back to whichever engine sent the request.
		sender := c.engines[msgSenderFor(payload)]
		if sender == nil {
			continue
		}
		_ = sender.ReceivedResponse(resp)
	}
	return nil
}

// msgSenderFor decodes just the peer field out of a raw frame so deliver
// can route responses back to the originator.
func msgSenderFor(raw []byte) string {
	m, err := decodeMessage(raw)
	if err != nil {
		return ""
	}
	return m.peer
}

func (c *cluster) close() {
	for _, e := range c.engines {
		e.Close()
	}
}

// A single proposal with no contention must commit on every replica via
// the fast path (uncontended PreAccept quorum).
func TestEngine_UncontendedCommit(t *testing.T) {
	t.Parallel()

	c := newCluster(3, time.Second)
	defer c.close()

	leader := c.engines["peer0"]
	if err := leader.RunCommand(1, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	for name, e := range c.engines {
		if got := e.Seq([]byte("k")); got == 0 {
			t.Fatalf("%s: key never committed", name)
		}
	}
	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	for name, applied := range c.applied {
		if applied["k"] != "v1" {
			t.Fatalf("%s: want v1, got %q", name, applied["k"])
		}
	}
}

// Two back-to-back commands for the same key from the same leader must
// both commit, strictly ordered (sequence monotonic per key).
func TestEngine_SequentialCommandsOrdered(t *testing.T) {
	t.Parallel()

	c := newCluster(3, time.Second)
	defer c.close()

	leader := c.engines["peer0"]
	if err := leader.RunCommand(1, []byte("k"), []byte("v1")); err != nil {
		t.Fatalf("first RunCommand: %v", err)
	}
	if err := leader.RunCommand(1, []byte("k"), []byte("v2")); err != nil {
		t.Fatalf("second RunCommand: %v", err)
	}

	c.appliedMu.Lock()
	defer c.appliedMu.Unlock()
	for name, applied := range c.applied {
		if applied["k"] != "v2" {
			t.Fatalf("%s: want v2, got %q", name, applied["k"])
		}
	}
}

// Ballot() monotonically advances as messages are exchanged; every
// replica must end up with a distinct node index embedded in its ballot.
func TestEngine_BallotCarriesNodeIndex(t *testing.T) {
	t.Parallel()

	c := newCluster(3, time.Second)
	defer c.close()

	before := make(map[string]Ballot, len(c.engines))
	for name, e := range c.engines {
		before[name] = e.Ballot()
	}

	if err := c.engines["peer0"].RunCommand(1, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}

	for name, e := range c.engines {
		got := e.Ballot()
		if got <= before[name] {
			t.Fatalf("%s: ballot did not advance: before=%d after=%d", name, before[name], got)
		}
		if want := int(name[len(name)-1] - '0'); got.NodeIndex() != want {
			t.Fatalf("%s: node index %d, want %d", name, got.NodeIndex(), want)
		}
	}
}

// A command proposed on a key with no prior history starts at sequence 1.
func TestEngine_FirstSequenceIsOne(t *testing.T) {
	t.Parallel()

	c := newCluster(3, time.Second)
	defer c.close()

	leader := c.engines["peer0"]
	if err := leader.RunCommand(1, []byte("fresh"), []byte("x")); err != nil {
		t.Fatal(err)
	}
	if got := leader.Seq([]byte("fresh")); got != 1 {
		t.Fatalf("want seq 1, got %d", got)
	}
}

// Recovered only accepts a (ballot, seq) at or ahead of what's already
// committed; a stale recovery attempt is rejected.
func TestEngine_RecoveredRejectsStale(t *testing.T) {
	t.Parallel()

	log := NewMemoryLog()
	e := NewEngine([]string{"a", "b", "c"}, 0, time.Second, log, Callbacks{
		Send:   func([]string, []byte) error { return nil },
		Commit: func(byte, []byte, []byte, bool) error { return nil },
	}, nil)
	defer e.Close()

	log.SetLastSeqForKey([]byte("k"), NewBallot(5, 0), 10)

	if err := e.Recovered([]byte("k"), NewBallot(1, 0), 3); err == nil {
		t.Fatal("stale recovery must be rejected")
	}
	if err := e.Recovered([]byte("k"), NewBallot(6, 0), 11); err != nil {
		t.Fatalf("fresh recovery must be accepted: %v", err)
	}
}

// The wire codec round-trips every field, including empty key/data.
func TestMessage_RoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		key  []byte
		data []byte
	}{
		{"normal", []byte("hello"), []byte("world")},
		{"empty-data", []byte("key-only"), nil},
		{"empty-key", nil, []byte("data-only")},
	}

	for _, tc := range cases {
		raw := encodeMessage("peer0", msgCommit, 7, NewBallot(42, 1), tc.key, tc.data, 99, true)
		m, err := decodeMessage(raw)
		if err != nil {
			t.Fatalf("%s: decode: %v", tc.name, err)
		}
		if m.peer != "peer0" || m.mtype != msgCommit || m.ctype != 7 ||
			m.ballot != NewBallot(42, 1) || m.seq != 99 || !m.committed {
			t.Fatalf("%s: fixed fields mismatch: %+v", tc.name, m)
		}
		if string(m.key) != string(tc.key) || string(m.data) != string(tc.data) {
			t.Fatalf("%s: key/data mismatch: key=%q data=%q", tc.name, m.key, m.data)
		}
	}
}

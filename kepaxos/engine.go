package kepaxos

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var logger = logrus.WithField("component", "kepaxos")

// DefaultCommandTimeout is how long an in-flight command may sit in
// PreAccepted/Accepted before the expirer considers it stuck and
// triggers recovery.
const DefaultCommandTimeout = 30 * time.Second

// Engine runs one Key-based Egalitarian Paxos replica. It has no notion
// of transport: Callbacks.Send is the only way it talks to peers, and
// ReceivedCommand/ReceivedResponse are the only way peer traffic reaches
// it back. This keeps the engine testable with an in-process transport
// and reusable with a real network one (see shardcache/transport).
type Engine struct {
	peers     []string
	myIndex   int
	timeout   time.Duration
	callbacks Callbacks
	log       LogStore
	metrics   Metrics

	mu       sync.Mutex
	commands map[string]*command
	ballot   Ballot

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewEngine constructs a replica at index myIndex within peers (peers[i]
// is this replica's own address when i == myIndex) and starts its
// background expiration loop. timeout <= 0 uses DefaultCommandTimeout.
func NewEngine(peers []string, myIndex int, timeout time.Duration, log LogStore, callbacks Callbacks, metrics Metrics) *Engine {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	e := &Engine{
		peers:     append([]string(nil), peers...),
		myIndex:   myIndex,
		timeout:   timeout,
		callbacks: callbacks,
		log:       log,
		metrics:   metrics,
		commands:  make(map[string]*command),
		ballot:    NewBallot(1, myIndex),
		quit:      make(chan struct{}),
	}
	e.updateBallotFromPeer(log.MaxBallot())

	e.wg.Add(1)
	go e.expireLoop()
	return e
}

// Close stops the background expiration loop and waits for it to exit.
func (e *Engine) Close() {
	close(e.quit)
	e.wg.Wait()
}

// Ballot returns the replica's current ballot.
func (e *Engine) Ballot() Ballot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ballot
}

// Seq returns the last committed sequence number for key.
func (e *Engine) Seq(key []byte) uint64 {
	seq, _ := e.log.LastSeqForKey(key)
	return seq
}

func (e *Engine) self() string { return e.peers[e.myIndex] }

func (e *Engine) otherPeers() []string {
	out := make([]string, 0, len(e.peers)-1)
	for i, p := range e.peers {
		if i != e.myIndex {
			out = append(out, p)
		}
	}
	return out
}

// updateBallotFromPeer advances this replica's ballot strictly past any
// ballot observed on the wire, keeping it tagged with this replica's own
// node index. If the 56-bit counter would wrap, the ballot resets to 1
// rather than going backwards through zero.
func (e *Engine) updateBallotFromPeer(received Ballot) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v := received.Value() + 1
	if v > maxBallotValue {
		e.ballot = NewBallot(1, e.myIndex)
		return
	}
	candidate := NewBallot(v, e.myIndex)
	if candidate > e.ballot {
		e.ballot = candidate
	}
}

// RunCommand proposes (ctype, key, data) for replication and blocks
// until it commits, times out, or is superseded by a competing proposal.
func (e *Engine) RunCommand(ctype byte, key, data []byte) error {
	e.mu.Lock()
	lastSeq, _ := e.log.LastSeqForKey(key)
	cmd := e.beginCommandLocked(lastSeq, ctype, key, data)
	seq, ballot := cmd.seq, cmd.ballot
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{"key": string(key), "seq": seq, "ballot": uint64(ballot)}).
		Debug("proposing command")

	e.metrics.CommandStarted()
	sendErr := e.sendPreAccept(ballot, key, seq)

	e.mu.Lock()
	stillCurrent := e.commands[string(key)] == cmd
	e.mu.Unlock()

	if sendErr == nil && stillCurrent {
		<-cmd.done
	}

	if currentSeq, _ := e.log.LastSeqForKey(key); currentSeq >= seq {
		return nil
	}
	return ErrCommandFailed
}

// beginCommandLocked creates (and registers) a new in-flight command for
// key, finishing any prior uncommitted command on the same key so its
// RunCommand waiter unblocks. Caller must hold e.mu.
func (e *Engine) beginCommandLocked(lastSeq uint64, ctype byte, key, data []byte) *command {
	seq := lastSeq + 1
	k := string(key)
	if prev, ok := e.commands[k]; ok {
		if prev.seq+1 > seq {
			seq = prev.seq + 1
		}
		prev.finish()
	}
	cmd := newCommand(ctype, append([]byte(nil), key...), append([]byte(nil), data...), seq, e.ballot, e.timeout)
	e.commands[k] = cmd
	return cmd
}

func (e *Engine) sendPreAccept(ballot Ballot, key []byte, seq uint64) error {
	msg := encodeMessage(e.self(), msgPreAccept, 0, ballot, key, nil, seq, false)
	e.metrics.MessageSent(byte(msgPreAccept))
	return e.callbacks.Send(e.otherPeers(), msg)
}

func (e *Engine) sendAccept(ballot Ballot, key []byte, seq uint64) error {
	msg := encodeMessage(e.self(), msgAccept, 0, ballot, key, nil, seq, false)
	e.metrics.MessageSent(byte(msgAccept))
	return e.callbacks.Send(e.otherPeers(), msg)
}

func (e *Engine) sendCommit(cmd *command) error {
	cmd.mu.Lock()
	msg := encodeMessage(e.self(), msgCommit, cmd.ctype, cmd.ballot, cmd.key, cmd.data, cmd.seq, true)
	cmd.mu.Unlock()
	e.metrics.MessageSent(byte(msgCommit))
	return e.callbacks.Send(e.otherPeers(), msg)
}

// commit applies cmd locally (as the proposing leader), persists it, and
// broadcasts COMMIT to the rest of the cluster.
func (e *Engine) commit(cmd *command) error {
	if e.callbacks.Commit != nil {
		if err := e.callbacks.Commit(cmd.ctype, cmd.key, cmd.data, true); err != nil {
			cmd.finish()
			return err
		}
	}
	e.mu.Lock()
	e.log.SetLastSeqForKey(cmd.key, cmd.ballot, cmd.seq)
	e.mu.Unlock()

	logger.WithFields(logrus.Fields{"key": string(cmd.key), "seq": cmd.seq, "ballot": uint64(cmd.ballot)}).
		Debug("command committed")

	err := e.sendCommit(cmd)
	cmd.finish()
	return err
}

// ReceivedCommand handles an inbound PRE_ACCEPT, ACCEPT or COMMIT frame
// from a peer, returning the reply frame to send back (nil if none is
// needed).
func (e *Engine) ReceivedCommand(raw []byte) ([]byte, error) {
	msg, err := decodeMessage(raw)
	if err != nil {
		return nil, err
	}
	e.updateBallotFromPeer(msg.ballot)

	switch msg.mtype {
	case msgPreAccept:
		return e.handlePreAccept(msg)
	case msgAccept:
		return e.handleAccept(msg)
	case msgCommit:
		return nil, e.handleCommit(msg)
	default:
		return nil, errIgnored
	}
}

// ReceivedResponse handles an inbound PRE_ACCEPT_RESPONSE or
// ACCEPT_RESPONSE frame, possibly advancing the command to its next
// round or committing it once a quorum is reached.
func (e *Engine) ReceivedResponse(raw []byte) error {
	msg, err := decodeMessage(raw)
	if err != nil {
		return err
	}
	e.updateBallotFromPeer(msg.ballot)

	switch msg.mtype {
	case msgPreAcceptResponse:
		return e.handlePreAcceptResponse(msg)
	case msgAcceptResponse:
		return e.handleAcceptResponse(msg)
	default:
		return errIgnored
	}
}

// handlePreAccept implements the PreAccept phase: a replica receiving a
// proposal for (ballot, key, seq) records it against the key's in-flight
// command and replies with the higher of the proposed sequence and the
// highest one it already knows for the key (in flight or committed), so
// the proposer can decide fast-path vs slow-path commit.
func (e *Engine) handlePreAccept(msg message) ([]byte, error) {
	e.mu.Lock()
	localSeq, localBallot := e.log.LastSeqForKey(msg.key)
	if localSeq == msg.seq && localBallot == msg.ballot {
		e.mu.Unlock()
		return nil, errIgnored
	}

	key := string(msg.key)
	cmd, exists := e.commands[key]
	var interferingSeq uint64
	if exists {
		if msg.ballot < cmd.ballot {
			e.mu.Unlock()
			return nil, errIgnored
		}
		cmd.mu.Lock()
		if msg.ballot > cmd.ballot {
			cmd.ballot = msg.ballot
		}
		interferingSeq = cmd.seq
		cmd.mu.Unlock()
	} else {
		cmd = newCommand(0, append([]byte(nil), msg.key...), nil, msg.seq, msg.ballot, e.timeout)
		cmd.status = statusNone
		e.commands[key] = cmd
	}

	if localSeq > interferingSeq {
		interferingSeq = localSeq
	}
	maxSeq := msg.seq
	if interferingSeq > maxSeq {
		maxSeq = interferingSeq
	}

	var needRecover bool
	var recoverPeer string
	var recoverSeq uint64
	var recoverBallot Ballot

	cmd.mu.Lock()
	if msg.seq >= interferingSeq {
		if cmd.status == statusAccepted && !cmd.ballot.IsMine(e.myIndex) {
			needRecover = true
			recoverPeer = e.peers[cmd.ballot.NodeIndex()]
			recoverSeq = cmd.seq
			recoverBallot = cmd.ballot
		}
		cmd.status = statusPreAccepted
		cmd.seq = interferingSeq
	}
	ballot := cmd.ballot
	cmd.mu.Unlock()
	e.mu.Unlock()

	if needRecover {
		e.metrics.RecoveryTriggered()
		logger.WithFields(logrus.Fields{"key": string(msg.key), "peer": recoverPeer, "seq": recoverSeq}).
			Warn("accepted command superseded, triggering recovery")
		if e.callbacks.Recover != nil {
			e.callbacks.Recover(recoverPeer, msg.key, recoverSeq, recoverBallot)
		}
	}

	committed := maxSeq == localSeq
	return encodeMessage(e.self(), msgPreAcceptResponse, 0, ballot, msg.key, nil, maxSeq, committed), nil
}

// handlePreAcceptResponse tallies one PreAccept vote. Once len(peers)/2
// votes are in (a majority counting this replica), it either commits
// immediately (fast path: no voter reported a sequence above ours, and
// none reported ours as already committed) or starts an explicit Accept
// round one past the highest sequence any voter reported (slow path).
func (e *Engine) handlePreAcceptResponse(msg message) error {
	e.mu.Lock()
	key := string(msg.key)
	cmd, ok := e.commands[key]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if msg.ballot < cmd.ballot {
		e.mu.Unlock()
		return errIgnored
	}

	cmd.mu.Lock()
	if cmd.status != statusPreAccepted {
		cmd.mu.Unlock()
		e.mu.Unlock()
		return errIgnored
	}
	cmd.votes = append(cmd.votes, vote{peer: msg.peer, ballot: msg.ballot, seq: msg.seq})
	if msg.seq > cmd.maxSeq {
		cmd.maxSeq = msg.seq
		cmd.maxSeqCommitted = msg.committed
		cmd.maxVoter = msg.peer
	} else if msg.seq == cmd.maxSeq && msg.committed {
		cmd.maxSeqCommitted = true
	}
	numVotes := len(cmd.votes)
	cmd.mu.Unlock()

	quorum := len(e.peers) / 2
	if numVotes < quorum {
		e.mu.Unlock()
		return nil
	}

	cmd.mu.Lock()
	fastPath := cmd.seq > cmd.maxSeq || (cmd.seq == cmd.maxSeq && !cmd.maxSeqCommitted)
	cmd.mu.Unlock()

	if fastPath {
		delete(e.commands, key)
		e.mu.Unlock()
		e.metrics.FastPathCommit()
		return e.commit(cmd)
	}

	cmd.mu.Lock()
	cmd.votes = nil
	cmd.seq = cmd.maxSeq + 1
	cmd.maxSeq = 0
	cmd.maxSeqCommitted = false
	cmd.maxVoter = ""
	cmd.ballot = e.ballot
	cmd.status = statusAccepted
	newSeq, newBallot := cmd.seq, cmd.ballot
	cmd.mu.Unlock()
	e.mu.Unlock()

	return e.sendAccept(newBallot, msg.key, newSeq)
}

// handleAccept implements the Accept phase of the slow path: a replica
// accepts the proposed (ballot, seq) for key unless it already holds a
// higher ballot or a higher competing sequence.
func (e *Engine) handleAccept(msg message) ([]byte, error) {
	acceptedBallot, acceptedSeq := msg.ballot, msg.seq

	e.mu.Lock()
	localSeq, _ := e.log.LastSeqForKey(msg.key)
	key := string(msg.key)
	cmd, exists := e.commands[key]
	if exists {
		cmd.mu.Lock()
		tooOld := msg.ballot < cmd.ballot
		if !tooOld && msg.seq < cmd.seq {
			acceptedBallot, acceptedSeq = cmd.ballot, cmd.seq
		}
		cmd.mu.Unlock()
		if tooOld {
			e.mu.Unlock()
			return nil, errIgnored
		}
	} else {
		cmd = newCommand(0, append([]byte(nil), msg.key...), nil, 0, 0, e.timeout)
		cmd.status = statusNone
		e.commands[key] = cmd
	}

	cmd.mu.Lock()
	if msg.seq >= cmd.seq {
		cmd.seq = msg.seq
		cmd.ballot = msg.ballot
		cmd.status = statusAccepted
		cmd.timestamp = time.Now()
		acceptedBallot, acceptedSeq = msg.ballot, msg.seq
	}
	cmd.mu.Unlock()

	committed := acceptedSeq == localSeq
	e.mu.Unlock()

	return encodeMessage(e.self(), msgAcceptResponse, 0, acceptedBallot, msg.key, nil, acceptedSeq, committed), nil
}

// handleAcceptResponse tallies Accept votes matching both the proposed
// sequence and ballot; a quorum commits, a split vote retries with a
// higher ballot, and a peer reporting a concurrent commit forces this
// round to retry one sequence ahead.
func (e *Engine) handleAcceptResponse(msg message) error {
	e.mu.Lock()
	key := string(msg.key)
	cmd, ok := e.commands[key]
	if !ok {
		e.mu.Unlock()
		return nil
	}

	cmd.mu.Lock()
	if msg.ballot < cmd.ballot || cmd.status != statusAccepted {
		cmd.mu.Unlock()
		e.mu.Unlock()
		return errIgnored
	}

	if cmd.seq == msg.seq && msg.committed {
		newBallot := e.ballot
		cmd.seq++
		cmd.ballot = newBallot
		cmd.votes = nil
		cmd.maxSeq = 0
		cmd.maxVoter = ""
		newSeq := cmd.seq
		cmd.mu.Unlock()
		e.mu.Unlock()
		return e.sendAccept(newBallot, msg.key, newSeq)
	}

	cmd.votes = append(cmd.votes, vote{peer: msg.peer, ballot: msg.ballot, seq: msg.seq})
	if msg.seq > cmd.maxSeq {
		cmd.maxSeq = msg.seq
		cmd.maxVoter = msg.peer
	}

	// Only votes that match the round we are actually proposing count
	// toward the quorum.
	countOK := 0
	for _, v := range cmd.votes {
		if v.seq == cmd.seq && v.ballot == cmd.ballot {
			countOK++
		}
	}

	quorum := len(e.peers) / 2
	if countOK < quorum {
		if len(cmd.votes) >= quorum {
			if cmd.seq <= cmd.maxSeq {
				cmd.seq++
			}
			newBallot := e.ballot
			cmd.ballot = newBallot
			cmd.votes = nil
			cmd.maxSeq = 0
			cmd.maxVoter = ""
			newSeq := cmd.seq
			cmd.mu.Unlock()
			e.mu.Unlock()
			return e.sendAccept(newBallot, msg.key, newSeq)
		}
		cmd.mu.Unlock()
		e.mu.Unlock()
		return nil
	}
	cmd.mu.Unlock()

	delete(e.commands, key)
	e.mu.Unlock()
	e.metrics.SlowPathCommit()
	return e.commit(cmd)
}

// handleCommit applies a COMMIT message from the proposing replica,
// persisting the key's new (ballot, seq) and waking any local command
// still registered for it.
func (e *Engine) handleCommit(msg message) error {
	e.mu.Lock()
	key := string(msg.key)
	cmd, exists := e.commands[key]
	if exists {
		cmd.mu.Lock()
		tooOld := cmd.seq == msg.seq && cmd.ballot > msg.ballot
		cmd.mu.Unlock()
		if tooOld {
			e.mu.Unlock()
			return errIgnored
		}
	}

	lastSeq, _ := e.log.LastSeqForKey(msg.key)
	if msg.seq < lastSeq {
		e.mu.Unlock()
		return nil
	}
	e.mu.Unlock()

	if e.callbacks.Commit != nil {
		if err := e.callbacks.Commit(msg.ctype, msg.key, msg.data, false); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.log.SetLastSeqForKey(msg.key, msg.ballot, msg.seq)
	if exists && cmd.seq <= msg.seq {
		delete(e.commands, key)
	}
	e.mu.Unlock()

	if exists {
		cmd.finish()
	}
	return nil
}

// Recovered records a recovered (ballot, seq) for key, as decided by
// whatever out-of-band recovery protocol the caller ran after receiving
// a Callbacks.Recover signal.
func (e *Engine) Recovered(key []byte, ballot Ballot, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	lastSeq, lastBallot := e.log.LastSeqForKey(key)
	if seq >= lastSeq && ballot >= lastBallot {
		e.log.SetLastSeqForKey(key, ballot, seq)
		return nil
	}
	return ErrStaleRecovery
}

// DiffSince returns every key this replica has committed under a ballot
// newer than the caller's, for catch-up after a partition heals.
func (e *Engine) DiffSince(ballot Ballot) ([]DiffItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ballot.Value() >= e.log.MaxBallot().Value() {
		return nil, ErrUpToDate
	}
	return e.log.DiffSince(ballot)
}

type recoveryTask struct {
	peer   string
	key    []byte
	seq    uint64
	ballot Ballot
}

func (e *Engine) expireLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.quit:
			return
		case <-ticker.C:
			e.expireOnce()
		}
	}
}

func (e *Engine) expireOnce() {
	now := time.Now()
	var due []recoveryTask
	expired := 0

	e.mu.Lock()
	for k, cmd := range e.commands {
		if !cmd.expired(now) {
			continue
		}
		expired++
		cmd.mu.Lock()
		if (cmd.status == statusPreAccepted || cmd.status == statusAccepted) && !cmd.ballot.IsMine(e.myIndex) {
			due = append(due, recoveryTask{
				peer:   e.peers[cmd.ballot.NodeIndex()],
				key:    cmd.key,
				seq:    cmd.seq,
				ballot: cmd.ballot,
			})
		}
		cmd.mu.Unlock()
		delete(e.commands, k)
		cmd.finish()
	}
	e.mu.Unlock()

	for i := 0; i < expired; i++ {
		e.metrics.CommandTimedOut()
	}
	for _, t := range due {
		e.metrics.RecoveryTriggered()
		logger.WithFields(logrus.Fields{"key": string(t.key), "peer": t.peer, "seq": t.seq}).
			Warn("command expired, triggering recovery")
		if e.callbacks.Recover != nil {
			e.callbacks.Recover(t.peer, t.key, t.seq, t.ballot)
		}
	}
}

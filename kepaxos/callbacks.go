package kepaxos

// Callbacks wires the engine to its transport and its state machine.
type Callbacks struct {
	// Send delivers an opaque wire message to the given peer addresses.
	// The engine never interprets the payload; it is produced by
	// encodeMessage and must reach the peer's Engine.ReceivedCommand or
	// ReceivedResponse depending on message type.
	Send func(recipients []string, payload []byte) error

	// Commit applies a committed command to the caller's state machine.
	// leader is true on the replica that originated the command (the one
	// that called RunCommand), false on every replica applying it after
	// receiving a COMMIT message.
	Commit func(ctype byte, key, data []byte, leader bool) error

	// Recover is invoked for a command on a ballot this replica does not
	// own, when it appears stuck past its timeout or when this replica had
	// accepted it and a newer PreAccept supersedes it: the caller is
	// expected to contact peer and drive recovery for (key, seq, ballot).
	Recover func(peer string, key []byte, seq uint64, ballot Ballot)
}

package kepaxos

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

type msgType byte

const (
	msgPreAccept         msgType = 0x01
	msgPreAcceptResponse msgType = 0x02
	msgAccept            msgType = 0x03
	msgAcceptResponse    msgType = 0x04
	msgCommit            msgType = 0x05
)

// msgLenMin is the fixed portion of every wire message: a uint16 sender
// length, two uint32 ballot halves, two uint32 seq halves, three type/
// flag bytes, and the key-length uint32 that always follows them.
const msgLenMin = 2 + 4 + 4 + 4 + 4 + 3 + 4

// message is the decoded form of a kepaxos wire frame: a NUL-terminated
// sender identity followed by ballot, sequence, type bytes, and
// length-prefixed key/data, all fields big-endian. The framing is fixed
// so replicas built against different runtimes stay interoperable.
type message struct {
	peer      string
	ballot    Ballot
	seq       uint64
	mtype     msgType
	ctype     byte
	committed bool
	key       []byte
	data      []byte
}

func encodeMessage(sender string, mtype msgType, ctype byte, ballot Ballot, key, data []byte, seq uint64, committed bool) []byte {
	senderLen := len(sender) + 1 // length includes the terminating NUL
	size := 2 + senderLen + 4 + 4 + 4 + 4 + 3 + 4 + len(key) + 4 + len(data)
	buf := make([]byte, size)
	p := buf

	binary.BigEndian.PutUint16(p, uint16(senderLen))
	p = p[2:]
	copy(p, sender)
	p[len(sender)] = 0
	p = p[senderLen:]

	binary.BigEndian.PutUint32(p, uint32(uint64(ballot)>>32))
	p = p[4:]
	binary.BigEndian.PutUint32(p, uint32(uint64(ballot)))
	p = p[4:]

	binary.BigEndian.PutUint32(p, uint32(seq>>32))
	p = p[4:]
	binary.BigEndian.PutUint32(p, uint32(seq))
	p = p[4:]

	p[0] = byte(mtype)
	p[1] = ctype
	if committed {
		p[2] = 1
	}
	p = p[3:]

	binary.BigEndian.PutUint32(p, uint32(len(key)))
	p = p[4:]
	copy(p, key)
	p = p[len(key):]

	binary.BigEndian.PutUint32(p, uint32(len(data)))
	p = p[4:]
	copy(p, data)

	return buf
}

func decodeMessage(raw []byte) (message, error) {
	var m message
	if len(raw) < msgLenMin {
		return m, errors.New("kepaxos: message too short")
	}

	senderLen := int(binary.BigEndian.Uint16(raw))
	p := raw[2:]
	if len(p) < senderLen {
		return m, errors.New("kepaxos: truncated sender")
	}
	if senderLen > 0 {
		m.peer = string(p[:senderLen-1]) // drop the terminating null
	}
	p = p[senderLen:]

	if len(p) < 8 {
		return m, errors.New("kepaxos: truncated ballot")
	}
	ballotHigh := binary.BigEndian.Uint32(p)
	ballotLow := binary.BigEndian.Uint32(p[4:])
	m.ballot = Ballot(uint64(ballotHigh)<<32 | uint64(ballotLow))
	p = p[8:]

	if len(p) < 8 {
		return m, errors.New("kepaxos: truncated seq")
	}
	seqHigh := binary.BigEndian.Uint32(p)
	seqLow := binary.BigEndian.Uint32(p[4:])
	m.seq = uint64(seqHigh)<<32 | uint64(seqLow)
	p = p[8:]

	if len(p) < 3 {
		return m, errors.New("kepaxos: truncated type bytes")
	}
	m.mtype = msgType(p[0])
	m.ctype = p[1]
	m.committed = p[2] != 0
	p = p[3:]

	if len(p) < 4 {
		return m, errors.New("kepaxos: truncated key length")
	}
	klen := binary.BigEndian.Uint32(p)
	p = p[4:]
	if uint32(len(p)) < klen {
		return m, errors.New("kepaxos: truncated key")
	}
	if klen > 0 {
		m.key = append([]byte(nil), p[:klen]...)
	}
	p = p[klen:]

	if len(p) < 4 {
		return m, errors.New("kepaxos: truncated data length")
	}
	dlen := binary.BigEndian.Uint32(p)
	p = p[4:]
	if uint32(len(p)) < dlen {
		return m, errors.New("kepaxos: truncated data")
	}
	if dlen > 0 {
		m.data = append([]byte(nil), p[:dlen]...)
	}

	return m, nil
}

package shardcache

// Codec converts a Node's value type to and from the byte slices KePaxos
// replicates on the wire (the engine treats command data as opaque).
// Serialization stays a caller concern rather than being baked into the
// engine.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// BytesCodec is the identity Codec for V = []byte.
type BytesCodec struct{}

func (BytesCodec) Encode(v []byte) ([]byte, error) { return v, nil }
func (BytesCodec) Decode(b []byte) ([]byte, error) { return b, nil }

// StringCodec is the identity Codec for V = string.
type StringCodec struct{}

func (StringCodec) Encode(v string) ([]byte, error) { return []byte(v), nil }
func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

package jsonrpc

import "encoding/json"

// Codec is the JSON text primitive behind the wire format. Load decodes
// one frame into v; Dump renders v as one frame. Implementations must
// speak standard JSON: the protocol's peers do.
type Codec interface {
	Load(frame []byte, v any) error
	Dump(v any) ([]byte, error)
}

// StdCodec is the default Codec, backed by encoding/json.
type StdCodec struct{}

var _ Codec = StdCodec{}

func (StdCodec) Load(frame []byte, v any) error { return json.Unmarshal(frame, v) }

func (StdCodec) Dump(v any) ([]byte, error) { return json.Marshal(v) }

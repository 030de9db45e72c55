// Package jsonrpc implements the JSON-RPC 1.0 wire format spoken by the
// line protocol: flat request objects inbound and three-field response
// envelopes outbound, one JSON object per frame.
//
// The envelope always carries all three keys. Exactly one of "result"
// and "error" is non-null on any response.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Wire-exact error strings. Peers match on these byte for byte, so they
// must never be reworded.
const (
	// ErrMsgInvalidJSON is sent when an inbound frame cannot be decoded
	// as a JSON object.
	ErrMsgInvalidJSON = "invalid json request"

	// ErrMsgMethodRequired is sent when a decoded request carries no
	// usable method name.
	ErrMsgMethodRequired = `parameter "method" is required`
)

// ErrMsgNoSuchMethod returns the wire error string for a method name
// that is not present in the registry. The name is interpolated
// literally, without escaping.
func ErrMsgNoSuchMethod(method string) string {
	return `no such method "` + method + `"`
}

// ErrNotObject indicates an inbound frame whose top-level JSON value is
// not an object.
var ErrNotObject = errors.New("jsonrpc: frame is not a json object")

// Request is one decoded inbound frame.
//
// ID preserves the request's "id" bytes exactly as received so that
// falsy values such as 0, "" and false survive the round trip. A nil ID
// means the key was absent; an explicit null arrives as the literal
// bytes "null". Both render as null on the response envelope.
type Request struct {
	Method string          `json:"method"`
	Params []any           `json:"params"`
	ID     json.RawMessage `json:"id"`
}

// DecodeRequest parses a single frame into a Request using the default
// codec. The frame must be one JSON object; any other top-level value,
// malformed JSON, or a mistyped "method" or "params" field is a decode
// failure. An absent "params" key decodes as an empty sequence.
func DecodeRequest(frame []byte) (*Request, error) {
	return DecodeRequestWith(StdCodec{}, frame)
}

// DecodeRequestWith is DecodeRequest with an explicit codec.
func DecodeRequestWith(c Codec, frame []byte) (*Request, error) {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var req Request
	if err := c.Load(frame, &req); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode request: %w", err)
	}
	if req.Params == nil {
		req.Params = []any{}
	}
	return &req, nil
}

// Encode serializes the request to a single frame without a
// terminator, using the default codec. A nil Params encodes as an
// empty sequence.
func (r *Request) Encode() ([]byte, error) {
	return r.EncodeWith(StdCodec{})
}

// EncodeWith is Encode with an explicit codec.
func (r *Request) EncodeWith(c Codec) ([]byte, error) {
	req := *r
	if req.Params == nil {
		req.Params = []any{}
	}
	buf, err := c.Dump(&req)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode request: %w", err)
	}
	return buf, nil
}

// Response is the envelope written back for every inbound frame.
type Response struct {
	ID     json.RawMessage `json:"id"`
	Error  *string         `json:"error"`
	Result any             `json:"result"`
}

// DecodeResponse parses a single envelope frame using the default
// codec. Used by the calling side of the protocol.
func DecodeResponse(frame []byte) (*Response, error) {
	return DecodeResponseWith(StdCodec{}, frame)
}

// DecodeResponseWith is DecodeResponse with an explicit codec.
func DecodeResponseWith(c Codec, frame []byte) (*Response, error) {
	trimmed := bytes.TrimLeft(frame, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var resp Response
	if err := c.Load(frame, &resp); err != nil {
		return nil, fmt.Errorf("jsonrpc: decode response: %w", err)
	}
	return &resp, nil
}

// NewResultResponse builds a success envelope. A single value collapses
// to a bare scalar; zero or several values are carried as an ordered
// sequence.
func NewResultResponse(id json.RawMessage, values ...any) *Response {
	var result any
	if len(values) == 1 {
		result = values[0]
	} else {
		if values == nil {
			values = []any{}
		}
		result = values
	}
	return &Response{ID: id, Result: result}
}

// NewErrorResponse builds an error envelope carrying message verbatim.
func NewErrorResponse(id json.RawMessage, message string) *Response {
	return &Response{ID: id, Error: &message}
}

// Encode serializes the envelope to a single frame without a
// terminator, using the default codec.
func (r *Response) Encode() ([]byte, error) {
	return r.EncodeWith(StdCodec{})
}

// EncodeWith is Encode with an explicit codec.
func (r *Response) EncodeWith(c Codec) ([]byte, error) {
	buf, err := c.Dump(r)
	if err != nil {
		return nil, fmt.Errorf("jsonrpc: encode response: %w", err)
	}
	return buf, nil
}

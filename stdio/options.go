package stdio

import (
	"io"
	"log/slog"

	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/queue"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithReader overrides the input stream.
func WithReader(r io.Reader) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
	}
}

// WithWriter overrides the output stream.
func WithWriter(w io.Writer) Option {
	return func(h *Handler) {
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithQueue replaces the in-memory dispatch queue. No worker pool is
// started when a queue is supplied; some other process must pull
// invocations from it.
func WithQueue(q queue.Queue) Option {
	return func(h *Handler) { h.q = q }
}

// WithConcurrency sets the width of the in-process worker pool. A
// single peer rarely needs more than the default of 1 unless handlers
// block on slow work.
func WithConcurrency(n int) Option {
	return func(h *Handler) {
		if n >= 1 {
			h.concurrency = n
		}
	}
}

// WithCodec replaces the JSON codec used on the wire.
func WithCodec(c jsonrpc.Codec) Option {
	return func(h *Handler) { h.codec = c }
}

// WithInputFraming replaces the inbound line codec.
func WithInputFraming(f framing.InputFactory) Option {
	return func(h *Handler) {
		if f != nil {
			h.inFramer = f
		}
	}
}

// WithOutputFraming replaces the outbound line codec.
func WithOutputFraming(f framing.OutputFactory) Option {
	return func(h *Handler) {
		if f != nil {
			h.outFramer = f
		}
	}
}

// Package framing cuts raw stream bytes into discrete frames and
// terminates outbound frames. The default framing is newline-delimited:
// one frame per line, CRLF tolerated inbound.
package framing

import "io"

// Input yields inbound frames from a byte stream.
type Input interface {
	// Next returns the next complete frame without its terminator. The
	// returned slice is owned by the caller. Next returns io.EOF once
	// the stream ends cleanly.
	Next() ([]byte, error)
}

// Output writes outbound frames to a byte stream.
type Output interface {
	// WriteLine writes one frame followed by its terminator. The frame
	// and terminator reach the stream as a single write.
	WriteLine(frame []byte) error
}

// InputFactory builds an Input over a reader. Servers call it once per
// accepted connection.
type InputFactory func(r io.Reader) Input

// OutputFactory builds an Output over a writer.
type OutputFactory func(w io.Writer) Output

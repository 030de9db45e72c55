package framing

import (
	"bufio"
	"io"
)

// MaxFrameBytes caps the size of a single inbound frame. Longer frames
// fail the read with bufio.ErrTooLong and the connection is dropped by
// the transport.
const MaxFrameBytes = 1 << 20

// NewlineInput frames the stream one line at a time. A trailing \r is
// stripped, so CRLF peers interoperate.
func NewlineInput(r io.Reader) Input {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), MaxFrameBytes)
	return &newlineInput{s: s}
}

type newlineInput struct {
	s *bufio.Scanner
}

func (in *newlineInput) Next() ([]byte, error) {
	if !in.s.Scan() {
		if err := in.s.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}
	// The scanner reuses its buffer between calls.
	line := in.s.Bytes()
	frame := make([]byte, len(line))
	copy(frame, line)
	return frame, nil
}

// NewlineOutput terminates each frame with a single \n.
func NewlineOutput(w io.Writer) Output {
	return &newlineOutput{w: w}
}

type newlineOutput struct {
	w io.Writer
}

func (out *newlineOutput) WriteLine(frame []byte) error {
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := out.w.Write(buf)
	return err
}

var (
	_ InputFactory  = NewlineInput
	_ OutputFactory = NewlineOutput
)

package framing

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewlineInput(t *testing.T) {
	in := NewlineInput(strings.NewReader("one\ntwo\r\n\nlast"))

	want := []string{"one", "two", "", "last"}
	for _, w := range want {
		frame, err := in.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if string(frame) != w {
			t.Errorf("frame = %q, want %q", frame, w)
		}
	}
	if _, err := in.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("Next after end = %v, want io.EOF", err)
	}
}

func TestNewlineInputFrameOwnership(t *testing.T) {
	in := NewlineInput(strings.NewReader("first\nsecond\n"))
	a, err := in.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if _, err := in.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if string(a) != "first" {
		t.Errorf("earlier frame mutated by later read: %q", a)
	}
}

func TestNewlineInputLongFrame(t *testing.T) {
	line := strings.Repeat("x", 256*1024)
	in := NewlineInput(strings.NewReader(line + "\n"))
	frame, err := in.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if len(frame) != len(line) {
		t.Errorf("frame length = %d, want %d", len(frame), len(line))
	}

	in = NewlineInput(strings.NewReader(strings.Repeat("x", MaxFrameBytes+1)))
	if _, err := in.Next(); err == nil {
		t.Fatal("Next accepted a frame beyond MaxFrameBytes")
	}
}

func TestNewlineOutput(t *testing.T) {
	var buf bytes.Buffer
	out := NewlineOutput(&buf)
	if err := out.WriteLine([]byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if err := out.WriteLine([]byte(`{"b":2}`)); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if got, want := buf.String(), "{\"a\":1}\n{\"b\":2}\n"; got != want {
		t.Errorf("stream = %q, want %q", got, want)
	}
}

func TestNewlineOutputSingleWrite(t *testing.T) {
	w := &writeCounter{}
	out := NewlineOutput(w)
	if err := out.WriteLine([]byte("frame")); err != nil {
		t.Fatalf("WriteLine: %v", err)
	}
	if w.calls != 1 {
		t.Errorf("WriteLine issued %d writes, want 1", w.calls)
	}
}

type writeCounter struct {
	calls int
}

func (w *writeCounter) Write(p []byte) (int, error) {
	w.calls++
	return len(p), nil
}

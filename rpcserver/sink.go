package rpcserver

import (
	"net"
	"sync"

	"github.com/wireline/linerpc-go/framing"
)

// connSink decouples the engine from socket writes: WriteLine queues
// the frame and returns immediately, and a single goroutine drains the
// backlog in order. After close, writes report net.ErrClosed and are
// dropped by the caller.
type connSink struct {
	out framing.Output

	mu      sync.Mutex
	pending [][]byte
	closed  bool
	wake    chan struct{}
}

var _ framing.Output = (*connSink)(nil)

func newConnSink(out framing.Output) *connSink {
	s := &connSink{out: out, wake: make(chan struct{}, 1)}
	go s.drain()
	return s
}

func (s *connSink) WriteLine(frame []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	s.pending = append(s.pending, cp)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

func (s *connSink) drain() {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		closed := s.closed
		s.mu.Unlock()

		for _, frame := range batch {
			if err := s.out.WriteLine(frame); err != nil {
				s.mu.Lock()
				s.closed = true
				s.pending = nil
				s.mu.Unlock()
				return
			}
		}

		if closed {
			if len(batch) == 0 {
				return
			}
			// Frames may have been queued before close landed.
			continue
		}
		<-s.wake
	}
}

// close stops accepting frames. Frames already queued are still
// flushed before the drain goroutine exits.
func (s *connSink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

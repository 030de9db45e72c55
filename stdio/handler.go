package stdio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/internal/engine"
	"github.com/wireline/linerpc-go/internal/logctx"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
	"github.com/wireline/linerpc-go/queue/memoryqueue"
	"github.com/wireline/linerpc-go/workers"
)

// Handler is a single-connection transport that reads request lines
// from an io.Reader and writes response lines to an io.Writer.
type Handler struct {
	log         *slog.Logger
	m           *methods.Map
	r           io.Reader
	w           io.Writer
	q           queue.Queue
	codec       jsonrpc.Codec
	concurrency int
	inFramer    framing.InputFactory
	outFramer   framing.OutputFactory
}

// NewHandler constructs a stdio Handler with defaults and applies
// options.
func NewHandler(m *methods.Map, opts ...Option) *Handler {
	h := &Handler{
		log:         slog.Default(),
		m:           m,
		r:           os.Stdin,
		w:           os.Stdout,
		concurrency: 1,
		inFramer:    framing.NewlineInput,
		outFramer:   framing.NewlineOutput,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Serve runs the line loop until EOF on the reader or the context is
// canceled. It is safe to call at most once per Handler. Serve owns:
//   - line framing on both streams
//   - the dispatch engine and, unless a queue was supplied, an
//     in-process worker pool
//   - writing response envelopes back to the writer
func (h *Handler) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	q := h.q
	if q == nil {
		mq := memoryqueue.New()
		defer mq.Close()
		q = mq

		pool := workers.New(q, h.m, workers.WithSize(h.concurrency), workers.WithLogger(h.log))
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				h.log.ErrorContext(ctx, "workers.stop", slog.String("err", err.Error()))
			}
		}()
	}

	eng := engine.New(h.m, q, engine.WithLogger(h.log), engine.WithCodec(h.codec))
	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			h.log.ErrorContext(ctx, "engine.stop", slog.String("err", err.Error()))
		}
	}()

	// The engine emits from its own single goroutine, so the bare
	// framer needs no write serialization here.
	id := eng.Connect(h.outFramer(h.w))
	defer eng.Disconnect(id)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: string(id)})
	h.log.InfoContext(ctx, "stdio.start")
	defer h.log.InfoContext(ctx, "stdio.stop")

	// Reads cannot be interrupted on an arbitrary Reader, so the pump
	// runs aside and the loop below watches both it and ctx.
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		in := h.inFramer(h.r)
		for {
			line, err := in.Next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("stdio: read: %w", err)
		case line := <-lines:
			eng.Deliver(id, line)
		}
	}
}

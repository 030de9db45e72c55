// Package engine implements the dispatch core: a single-threaded
// reactor that owns every connection's state and processes inbound
// frames, method dispatch, and handler completions one event at a time.
//
// All connection state lives in an arena keyed by connection id and is
// touched only by the Run goroutine, so the per-connection state
// machine needs no locks. Handler execution happens elsewhere: the
// reactor pushes typed invocations onto a queue and consumes typed
// completions from it.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/internal/logctx"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
)

// ConnID identifies one live connection. Ids are opaque and unique for
// the engine's lifetime.
type ConnID string

type connState int

const (
	stateIdle connState = iota
	stateAwaitingHandler
)

// session is the per-connection record in the reactor's arena.
type session struct {
	id    ConnID
	out   framing.Output
	state connState

	// pending is the id of the most recently accepted request. Each
	// accepted request overwrites it unconditionally and nothing ever
	// clears it, so envelopes for validation failures reuse whatever
	// id is stored at that moment.
	pending json.RawMessage
}

type (
	connectEvent struct {
		id  ConnID
		out framing.Output
	}
	disconnectEvent struct {
		id ConnID
	}
	lineEvent struct {
		id   ConnID
		line []byte
	}
	completionEvent struct {
		c queue.Completion
	}
)

// Engine is the reactor. Construct with New, start Run exactly once,
// then feed it through Connect, Deliver and Disconnect from any
// goroutine.
type Engine struct {
	log     *slog.Logger
	methods *methods.Map
	q       queue.Queue
	codec   jsonrpc.Codec

	events chan any
	done   chan struct{}
	stop   sync.Once

	// conns is owned exclusively by the Run goroutine.
	conns map[ConnID]*session
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used for engine events.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithCodec replaces the JSON codec used to decode requests and encode
// response envelopes.
func WithCodec(c jsonrpc.Codec) Option {
	return func(e *Engine) {
		if c != nil {
			e.codec = c
		}
	}
}

// New builds an Engine over a method registry and a dispatch queue.
func New(m *methods.Map, q queue.Queue, opts ...Option) *Engine {
	e := &Engine{
		log:     slog.Default(),
		methods: m,
		q:       q,
		codec:   jsonrpc.StdCodec{},
		events:  make(chan any, 128),
		done:    make(chan struct{}),
		conns:   make(map[ConnID]*session),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Connect registers a connection writing through out and returns its
// id. The engine never closes out; the transport owns the stream.
func (e *Engine) Connect(out framing.Output) ConnID {
	id := ConnID(uuid.NewString())
	e.post(connectEvent{id: id, out: out})
	return id
}

// Disconnect drops all state for id. Events still queued for the
// connection are discarded as they surface.
func (e *Engine) Disconnect(id ConnID) {
	e.post(disconnectEvent{id: id})
}

// Deliver hands one inbound frame to the reactor. The caller must not
// reuse line afterwards.
func (e *Engine) Deliver(id ConnID, line []byte) {
	e.post(lineEvent{id: id, line: line})
}

func (e *Engine) post(ev any) {
	select {
	case e.events <- ev:
	case <-e.done:
	}
}

// Run processes events until ctx ends or the completion stream fails.
// It must be called exactly once, and must be running before traffic
// is delivered.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stop.Do(func() { close(e.done) })

	pumpDone := make(chan error, 1)
	go func() { pumpDone <- e.pumpCompletions(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-pumpDone:
			if err != nil {
				return fmt.Errorf("engine: completion pump: %w", err)
			}
			return nil
		case ev := <-e.events:
			e.handleEvent(ctx, ev)
		}
	}
}

// pumpCompletions forwards handler completions into the event stream.
func (e *Engine) pumpCompletions(ctx context.Context) error {
	for {
		c, err := e.q.PullCompletion(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		select {
		case e.events <- completionEvent{c: c}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev any) {
	switch ev := ev.(type) {
	case connectEvent:
		e.conns[ev.id] = &session{id: ev.id, out: ev.out, state: stateIdle}
		e.log.DebugContext(ctx, "conn.open", slog.String("conn_id", string(ev.id)))
	case disconnectEvent:
		delete(e.conns, ev.id)
		e.log.DebugContext(ctx, "conn.close", slog.String("conn_id", string(ev.id)))
	case lineEvent:
		sess, ok := e.conns[ev.id]
		if !ok {
			return
		}
		e.handleLine(ctx, sess, ev.line)
	case completionEvent:
		e.handleCompletion(ctx, ev.c)
	}
}

// handleLine runs the dispatch state machine for one inbound frame.
// Validation failures answer with the currently stored pending id and
// leave the session state untouched.
func (e *Engine) handleLine(ctx context.Context, sess *session, line []byte) {
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: string(sess.id)})

	req, err := jsonrpc.DecodeRequestWith(e.codec, line)
	if err != nil {
		e.log.DebugContext(ctx, "request.malformed", slog.String("err", err.Error()))
		e.emit(ctx, sess, jsonrpc.NewErrorResponse(sess.pending, jsonrpc.ErrMsgInvalidJSON))
		return
	}
	if req.Method == "" {
		e.emit(ctx, sess, jsonrpc.NewErrorResponse(sess.pending, jsonrpc.ErrMsgMethodRequired))
		return
	}
	if _, ok := e.methods.Resolve(req.Method); !ok {
		e.emit(ctx, sess, jsonrpc.NewErrorResponse(sess.pending, jsonrpc.ErrMsgNoSuchMethod(req.Method)))
		return
	}

	// The correlation slot is overwritten unconditionally. A request
	// accepted while an earlier one is still in flight steals it, and
	// the earlier handler's response will carry this id.
	if sess.state == stateAwaitingHandler {
		e.log.DebugContext(ctx, "request.pipelined", slog.String("stored_id", string(sess.pending)))
	}
	sess.pending = req.ID
	sess.state = stateAwaitingHandler

	ctx = logctx.WithCallData(ctx, &logctx.CallData{Method: req.Method, ID: string(req.ID)})
	inv := queue.Invocation{Conn: string(sess.id), Method: req.Method, Params: req.Params}
	if err := e.q.PushInvocation(ctx, inv); err != nil {
		// The connection is now waiting on a completion that will never
		// arrive, the same outcome as a handler that never returns.
		e.log.ErrorContext(ctx, "dispatch.fail", slog.String("err", err.Error()))
		return
	}
	e.log.DebugContext(ctx, "dispatch.ok")
}

func (e *Engine) handleCompletion(ctx context.Context, c queue.Completion) {
	sess, ok := e.conns[ConnID(c.Conn)]
	if !ok {
		e.log.DebugContext(ctx, "completion.drop", slog.String("conn_id", c.Conn))
		return
	}
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: c.Conn})
	if c.Error != nil {
		e.emit(ctx, sess, jsonrpc.NewErrorResponse(sess.pending, *c.Error))
	} else {
		e.emit(ctx, sess, jsonrpc.NewResultResponse(sess.pending, c.Values...))
	}
	sess.state = stateIdle
}

// emit serializes one envelope onto the session's sink. Write failures
// are swallowed: a peer that vanished mid-write must not disturb the
// reactor.
func (e *Engine) emit(ctx context.Context, sess *session, resp *jsonrpc.Response) {
	frame, err := resp.EncodeWith(e.codec)
	if err != nil {
		e.log.ErrorContext(ctx, "response.encode_fail", slog.String("err", err.Error()))
		return
	}
	if err := sess.out.WriteLine(frame); err != nil {
		e.log.DebugContext(ctx, "response.drop", slog.String("err", err.Error()))
	}
}

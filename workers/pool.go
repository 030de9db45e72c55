// Package workers executes registered handlers against invocations
// pulled from a dispatch queue and reports completions back on the
// same queue. A pool may run in the server process or in a separate
// one; the queue is the only coupling.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/wireline/linerpc-go/internal/logctx"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
)

const defaultSize = 8

// Pool runs handlers with bounded concurrency.
type Pool struct {
	log  *slog.Logger
	q    queue.Queue
	m    *methods.Map
	size int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger used for worker events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.log = l }
}

// WithSize sets how many handlers may run concurrently. Values below
// one fall back to the default.
func WithSize(n int) Option {
	return func(p *Pool) {
		if n >= 1 {
			p.size = n
		}
	}
}

// New builds a Pool over a queue and the registry it resolves method
// names against.
func New(q queue.Queue, m *methods.Map, opts ...Option) *Pool {
	p := &Pool{
		log:  slog.Default(),
		q:    q,
		m:    m,
		size: defaultSize,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Run pulls invocations until ctx ends or the queue closes. Every
// invocation produces exactly one completion.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go func() {
			defer wg.Done()
			p.work(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (p *Pool) work(ctx context.Context) {
	for {
		inv, err := p.q.PullInvocation(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			p.log.WarnContext(ctx, "invocation.pull_fail", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.serve(ctx, inv)
	}
}

// serve runs one invocation to completion and reports the outcome.
func (p *Pool) serve(ctx context.Context, inv queue.Invocation) {
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{ConnID: inv.Conn})
	ctx = logctx.WithCallData(ctx, &logctx.CallData{Method: inv.Method})

	comp := queue.Completion{Conn: inv.Conn}
	entry, ok := p.m.Resolve(inv.Method)
	if !ok {
		// A worker registry may trail the server's. Answer the same
		// way the server answers an unregistered method.
		msg := jsonrpc.ErrMsgNoSuchMethod(inv.Method)
		comp.Error = &msg
	} else {
		values, err := p.call(ctx, entry, inv)
		if err != nil {
			msg := err.Error()
			comp.Error = &msg
		} else {
			comp.Values = values
		}
	}

	if err := p.q.PushCompletion(ctx, comp); err != nil {
		p.log.ErrorContext(ctx, "completion.push_fail", slog.String("err", err.Error()))
		return
	}
	p.log.DebugContext(ctx, "invocation.done", slog.Bool("ok", comp.Error == nil))
}

// call invokes the handler, converting a panic into a handler error.
func (p *Pool) call(ctx context.Context, entry *methods.Method, inv queue.Invocation) (values []any, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.ErrorContext(ctx, "handler.panic", slog.Any("panic", r))
			err = errors.New("internal error")
		}
	}()
	params := inv.Params
	if params == nil {
		params = []any{}
	}
	return entry.Handler(ctx, &methods.Call{Conn: inv.Conn, Method: inv.Method, Params: params})
}

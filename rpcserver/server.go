// Package rpcserver serves the line protocol over TCP: one JSON object
// per line in, one response envelope per line out. Each accepted
// connection gets a read pump and a buffered write sink; dispatch and
// state live in the shared engine.
package rpcserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/wireline/linerpc-go/discovery"
	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/internal/engine"
	"github.com/wireline/linerpc-go/internal/logctx"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
	"github.com/wireline/linerpc-go/queue/memoryqueue"
	"github.com/wireline/linerpc-go/workers"
)

// Server accepts line-protocol connections and answers requests
// against its method registry.
type Server struct {
	log       *slog.Logger
	cfg       Config
	methods   *methods.Map
	q         queue.Queue
	codec     jsonrpc.Codec
	runPool   bool
	announcer discovery.Announcer
	inFramer  framing.InputFactory
	outFramer framing.OutputFactory

	eng *engine.Engine

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	shutdown bool

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger used by the server, its engine and its
// worker pool.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithQueue replaces the in-memory dispatch queue, typically with a
// Redis-backed one so workers can run in other processes.
func WithQueue(q queue.Queue) Option {
	return func(s *Server) { s.q = q }
}

// WithoutWorkers disables the in-process worker pool. Some other
// process must then pull invocations from the queue.
func WithoutWorkers() Option {
	return func(s *Server) { s.runPool = false }
}

// WithAnnouncer registers the server with service discovery for the
// lifetime of Serve.
func WithAnnouncer(a discovery.Announcer) Option {
	return func(s *Server) { s.announcer = a }
}

// WithInputFraming replaces the inbound line codec.
func WithInputFraming(f framing.InputFactory) Option {
	return func(s *Server) { s.inFramer = f }
}

// WithOutputFraming replaces the outbound line codec.
func WithOutputFraming(f framing.OutputFactory) Option {
	return func(s *Server) { s.outFramer = f }
}

// WithCodec replaces the JSON codec used on the wire.
func WithCodec(c jsonrpc.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// New validates cfg and builds a Server over the given registry.
func New(cfg Config, m *methods.Map, opts ...Option) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:       slog.Default(),
		cfg:       cfg,
		methods:   m,
		runPool:   true,
		inFramer:  framing.NewlineInput,
		outFramer: framing.NewlineOutput,
		conns:     make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.q == nil {
		s.q = memoryqueue.New()
	}
	s.eng = engine.New(m, s.q, engine.WithLogger(s.log), engine.WithCodec(s.codec))
	return s, nil
}

// ListenAndServe binds per the config and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	family := s.cfg.AddressFamily
	if family == "" {
		family = "tcp"
	}
	addr := net.JoinHostPort(s.cfg.BindAddress, strconv.Itoa(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, family, addr)
	if err != nil {
		return fmt.Errorf("rpcserver: listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. The listener is
// closed on return.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go func() {
		if err := s.eng.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.ErrorContext(ctx, "engine.stop", slog.String("err", err.Error()))
		}
		cancel()
	}()

	if s.runPool {
		pool := workers.New(s.q, s.methods,
			workers.WithSize(s.cfg.Concurrency),
			workers.WithLogger(s.log),
		)
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				s.log.ErrorContext(ctx, "workers.stop", slog.String("err", err.Error()))
			}
		}()
	}

	if s.announcer != nil {
		inst := discovery.Instance{Addr: s.advertisedAddr(ln), Methods: s.methods.Names()}
		if err := s.announcer.Announce(ctx, inst); err != nil {
			s.log.WarnContext(ctx, "announce.fail", slog.String("err", err.Error()))
		} else {
			s.log.InfoContext(ctx, "announce.ok", slog.String("addr", inst.Addr))
			defer func() {
				wctx, wcancel := context.WithTimeout(context.Background(), 3*time.Second)
				defer wcancel()
				if err := s.announcer.Withdraw(wctx); err != nil {
					s.log.WarnContext(wctx, "withdraw.fail", slog.String("err", err.Error()))
				}
			}()
		}
	}

	// Unblock Accept and force open connections closed once ctx ends.
	go func() {
		<-ctx.Done()
		_ = ln.Close()
		s.mu.Lock()
		s.shutdown = true
		for conn := range s.conns {
			_ = conn.Close()
		}
		s.mu.Unlock()
	}()

	s.log.InfoContext(ctx, "server.listen", slog.String("addr", ln.Addr().String()))

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return ctx.Err()
			}
			s.log.WarnContext(ctx, "accept.fail", slog.String("err", err.Error()))
			continue
		}

		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(ctx, conn)
	}
}

// Addr reports the listener address once Serve has begun, nil before.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()

	sink := newConnSink(s.outFramer(conn))
	defer sink.close()

	id := s.eng.Connect(sink)
	defer s.eng.Disconnect(id)

	ctx = logctx.WithConnData(ctx, &logctx.ConnData{
		ConnID:     string(id),
		RemoteAddr: conn.RemoteAddr().String(),
	})
	s.log.InfoContext(ctx, "conn.accept")
	defer s.log.InfoContext(ctx, "conn.drop")

	var limiter *rate.Limiter
	if s.cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst)
	}

	in := s.inFramer(conn)
	for {
		line, err := in.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				s.log.DebugContext(ctx, "conn.read_fail", slog.String("err", err.Error()))
			}
			return
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.eng.Deliver(id, line)
	}
}

// advertisedAddr prefers the configured hostname over the bind address
// while keeping the listener's real port.
func (s *Server) advertisedAddr(ln net.Listener) string {
	addr := ln.Addr().String()
	if s.cfg.Hostname == "" {
		return addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return net.JoinHostPort(s.cfg.Hostname, port)
}

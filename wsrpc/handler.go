// Package wsrpc serves the line protocol over WebSocket: one text
// message carries one JSON request object, and each response envelope
// comes back as one text message. Message boundaries replace newline
// framing; everything else behaves exactly like the TCP transport.
package wsrpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/internal/engine"
	"github.com/wireline/linerpc-go/internal/logctx"
	"github.com/wireline/linerpc-go/jsonrpc"
	"github.com/wireline/linerpc-go/methods"
	"github.com/wireline/linerpc-go/queue"
	"github.com/wireline/linerpc-go/queue/memoryqueue"
	"github.com/wireline/linerpc-go/workers"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	defaultMaxMessageBytes = 1 << 20

	sendBacklog = 256
)

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger      *slog.Logger
	q           queue.Queue
	concurrency int
	codec       jsonrpc.Codec
	maxMessage  int64
	checkOrigin func(*http.Request) bool
}

// WithLogger sets the logger used by the handler and its engine.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithQueue replaces the in-memory dispatch queue and disables the
// in-process worker pool; some other process must pull invocations.
func WithQueue(q queue.Queue) Option {
	return func(c *newConfig) { c.q = q }
}

// WithConcurrency sets the width of the in-process worker pool.
func WithConcurrency(n int) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithCodec replaces the JSON codec used on the wire.
func WithCodec(codec jsonrpc.Codec) Option {
	return func(c *newConfig) { c.codec = codec }
}

// WithMaxMessageBytes caps the accepted message size. Defaults to one
// MiB.
func WithMaxMessageBytes(n int64) Option {
	return func(c *newConfig) {
		if n > 0 {
			c.maxMessage = n
		}
	}
}

// WithCheckOrigin overrides the upgrader's origin policy. The default
// rejects cross-origin browser requests.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(c *newConfig) { c.checkOrigin = fn }
}

// Handler upgrades requests to WebSocket connections speaking the line
// protocol.
type Handler struct {
	log      *slog.Logger
	eng      *engine.Engine
	upgrader websocket.Upgrader

	ctx        context.Context
	maxMessage int64
}

var _ http.Handler = (*Handler)(nil)

// New builds a Handler over the registry. The engine and any in-process
// workers run until ctx ends; open connections are closed when it does.
func New(ctx context.Context, m *methods.Map, opts ...Option) (*Handler, error) {
	if m == nil {
		return nil, errors.New("wsrpc: method registry is required")
	}

	cfg := &newConfig{logger: slog.Default(), concurrency: 8, maxMessage: defaultMaxMessageBytes}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}

	log := slog.New(logctx.Handler{Handler: cfg.logger.Handler()})

	q := cfg.q
	if q == nil {
		mq := memoryqueue.New()
		context.AfterFunc(ctx, func() { _ = mq.Close() })
		q = mq

		pool := workers.New(q, m, workers.WithSize(cfg.concurrency), workers.WithLogger(log))
		go func() {
			if err := pool.Run(ctx); err != nil && ctx.Err() == nil {
				log.ErrorContext(ctx, "workers.stop", slog.String("err", err.Error()))
			}
		}()
	}

	h := &Handler{
		log: log,
		ctx: ctx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.checkOrigin,
		},
		maxMessage: cfg.maxMessage,
	}

	h.eng = engine.New(m, q, engine.WithLogger(log), engine.WithCodec(cfg.codec))
	go func() {
		if err := h.eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("engine.run.fail", slog.String("err", err.Error()))
		}
	}()

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(r.Context(), "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &wsConn{
		conn: conn,
		send: make(chan []byte, sendBacklog),
		done: make(chan struct{}),
	}
	id := h.eng.Connect(c)

	// The request context dies with this handler; the pumps outlive it.
	ctx := logctx.WithConnData(h.ctx, &logctx.ConnData{
		ConnID:     string(id),
		RemoteAddr: r.RemoteAddr,
	})
	h.log.DebugContext(ctx, "ws.conn.open")

	go h.writePump(ctx, c)
	go h.readPump(ctx, c, id)
}

// wsConn adapts a websocket connection to the engine's sink contract.
// WriteLine queues the frame for the write pump; a full backlog drops
// the frame so a slow peer cannot stall the reactor.
type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

var _ framing.Output = (*wsConn)(nil)

func (c *wsConn) WriteLine(frame []byte) error {
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case c.send <- cp:
		return nil
	default:
		return errors.New("wsrpc: send backlog full")
	}
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump delivers inbound messages to the engine until the peer goes
// away or the server shuts down.
func (h *Handler) readPump(ctx context.Context, c *wsConn, id engine.ConnID) {
	stop := context.AfterFunc(h.ctx, func() { _ = c.conn.Close() })
	defer func() {
		stop()
		h.eng.Disconnect(id)
		c.close()
		_ = c.conn.Close()
		h.log.DebugContext(ctx, "ws.conn.close")
	}()

	c.conn.SetReadLimit(h.maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.DebugContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			return
		}
		h.eng.Deliver(id, message)
	}
}

// writePump sends queued envelopes and keepalive pings.
func (h *Handler) writePump(ctx context.Context, c *wsConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.DebugContext(ctx, "ws.write.fail", slog.String("err", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Package client implements the calling side of the line protocol: one
// JSON request object per line out, one response envelope per line in.
//
// Responses carry no reliable correlation id (failure envelopes may
// echo a stale one), so the protocol correlates by order instead. The
// client therefore keeps at most one call in flight per connection and
// resolves it with the next envelope that arrives.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/wireline/linerpc-go/framing"
	"github.com/wireline/linerpc-go/jsonrpc"
)

// ErrClosed indicates the client is closed.
var ErrClosed = errors.New("client: closed")

// ServerError is the error string a response envelope carried, exactly
// as the server sent it.
type ServerError string

func (e ServerError) Error() string { return string(e) }

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithCodec replaces the JSON codec used on the wire.
func WithCodec(codec jsonrpc.Codec) Option {
	return func(c *Client) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithInputFraming replaces the inbound line codec.
func WithInputFraming(f framing.InputFactory) Option {
	return func(c *Client) {
		if f != nil {
			c.inFramer = f
		}
	}
}

// WithOutputFraming replaces the outbound line codec.
func WithOutputFraming(f framing.OutputFactory) Option {
	return func(c *Client) {
		if f != nil {
			c.outFramer = f
		}
	}
}

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Client is one connection to a line-protocol server. It is safe for
// concurrent use; calls are serialized internally.
type Client struct {
	log   *slog.Logger
	codec jsonrpc.Codec
	conn  net.Conn

	inFramer  framing.InputFactory
	outFramer framing.OutputFactory
	in        framing.Input
	out       framing.Output

	// callMu admits one call at a time onto the wire.
	callMu sync.Mutex
	nextID atomic.Uint64

	mu       sync.Mutex
	pending  *pendingCall
	closed   bool
	closeErr error
}

// Dial connects to a server and returns a ready Client.
func Dial(ctx context.Context, network, addr string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s %s: %w", network, addr, err)
	}
	return NewClient(conn, opts...), nil
}

// NewClient wraps an established connection. The client owns conn and
// closes it on Close or read failure.
func NewClient(conn net.Conn, opts ...Option) *Client {
	c := &Client{
		log:       slog.Default(),
		codec:     jsonrpc.StdCodec{},
		conn:      conn,
		inFramer:  framing.NewlineInput,
		outFramer: framing.NewlineOutput,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.in = c.inFramer(conn)
	c.out = c.outFramer(conn)
	go c.readLoop()
	return c
}

// Call invokes method with the given positional params and returns the
// decoded result value: a bare value when the handler produced one
// value, a sequence otherwise. A server-side error string comes back as
// a ServerError.
//
// Canceling ctx while the response is owed closes the client: the
// envelope could arrive at any later point and would be mistaken for
// the answer to a subsequent call.
func (c *Client) Call(ctx context.Context, method string, params ...any) (any, error) {
	if method == "" {
		return nil, errors.New("client: method is required")
	}

	c.callMu.Lock()
	defer c.callMu.Unlock()

	pc := &pendingCall{
		respCh: make(chan *jsonrpc.Response, 1),
		errCh:  make(chan error, 1),
	}
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return nil, err
	}
	c.pending = pc
	c.mu.Unlock()

	id := c.nextID.Add(1)
	req := &jsonrpc.Request{
		Method: method,
		Params: params,
		ID:     strconv.AppendUint(nil, id, 10),
	}
	frame, err := req.EncodeWith(c.codec)
	if err != nil {
		c.clearPending()
		return nil, fmt.Errorf("client: encode request: %w", err)
	}
	if err := c.out.WriteLine(frame); err != nil {
		err = fmt.Errorf("client: write: %w", err)
		c.fail(err)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return nil, ServerError(*resp.Error)
		}
		return resp.Result, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		c.fail(ctx.Err())
		return nil, ctx.Err()
	}
}

// Close tears down the connection. A call waiting on a response is
// rejected with ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	c.fail(ErrClosed)
	return nil
}

// readLoop resolves in-flight calls with inbound envelopes. Envelopes
// that arrive with no call waiting are dropped.
func (c *Client) readLoop() {
	for {
		line, err := c.in.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(fmt.Errorf("%w: connection closed by peer", ErrClosed))
			} else {
				c.fail(fmt.Errorf("client: read: %w", err))
			}
			return
		}
		resp, err := jsonrpc.DecodeResponseWith(c.codec, line)
		if err != nil {
			c.fail(fmt.Errorf("client: malformed response: %w", err))
			return
		}

		c.mu.Lock()
		pc := c.pending
		c.pending = nil
		c.mu.Unlock()

		if pc == nil {
			c.log.Debug("client.response.unsolicited")
			continue
		}
		pc.respCh <- resp
	}
}

func (c *Client) clearPending() {
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
}

// fail closes the client once, rejecting any waiting call with err.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pc := c.pending
	c.pending = nil
	c.mu.Unlock()

	_ = c.conn.Close()
	if pc != nil {
		pc.errCh <- err
	}
}

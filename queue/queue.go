// Package queue carries dispatch traffic between the connection engine
// and the process that owns handler execution. Invocations flow from
// the engine to workers; completions flow back. Both message kinds are
// JSON-encodable so a queue may span processes.
package queue

import (
	"context"
	"errors"
)

// Invocation asks the owning process to run one method call.
type Invocation struct {
	// Conn routes the eventual completion back to the connection the
	// request arrived on.
	Conn string `json:"conn"`
	// Method is resolved against the worker's registry by name.
	Method string `json:"method"`
	// Params are the request parameters in wire order.
	Params []any `json:"params"`
}

// Completion reports the outcome of one Invocation. Error takes
// precedence: when non-nil the peer receives an error envelope and
// Values is ignored.
type Completion struct {
	Conn   string  `json:"conn"`
	Values []any   `json:"values,omitempty"`
	Error  *string `json:"error,omitempty"`
}

// ErrClosed is returned by every operation once the queue is closed.
var ErrClosed = errors.New("queue: closed")

// Queue is a two-direction mailbox. Push operations must be prompt:
// the engine pushes invocations from its event loop and must not be
// held up by slow consumers. Pull operations block until a message,
// context cancellation, or close.
type Queue interface {
	PushInvocation(ctx context.Context, inv Invocation) error
	PullInvocation(ctx context.Context) (Invocation, error)

	PushCompletion(ctx context.Context, c Completion) error
	PullCompletion(ctx context.Context) (Completion, error)

	Close() error
}

// Package discovery names where server instances can be found. The
// interfaces are deliberately small: an announcer publishes one
// instance, a directory finds the live set.
package discovery

import "context"

// Instance describes one reachable server.
type Instance struct {
	// Addr is the dialable host:port.
	Addr string `json:"addr"`
	// Methods lists the wire method names the instance serves.
	Methods []string `json:"methods,omitempty"`
}

// Announcer publishes an instance until Withdraw or until the backend
// notices the publisher is gone.
type Announcer interface {
	Announce(ctx context.Context, inst Instance) error
	Withdraw(ctx context.Context) error
}

// Directory finds live instances.
type Directory interface {
	// Discover returns a snapshot of the live instances.
	Discover(ctx context.Context) ([]Instance, error)
	// Watch emits a fresh snapshot whenever the live set changes. The
	// channel closes when ctx ends.
	Watch(ctx context.Context) (<-chan []Instance, error)
}

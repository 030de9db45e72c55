// Package kvstore defines the state layer method handlers share.
// Entries live in one of three scopes: global, per authenticated user,
// or per connection. Connection-scoped entries are conventionally
// cleared by the transport once the peer goes away, so handlers can
// park per-connection state without their own bookkeeping.
package kvstore

import (
	"context"
	"time"
)

// Item is one stored entry with its bookkeeping.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	// ExpiresAt is nil for entries that never expire.
	ExpiresAt *time.Time
}

// Expired reports whether the entry's lifetime has passed.
func (it *Item) Expired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// Store is the backend contract. Get returns a nil Item for keys that
// are absent or expired; errors are reserved for backend failures.
type Store interface {
	Get(ctx context.Context, key string, opts ...Option) (*Item, error)
	Set(ctx context.Context, key string, data []byte, opts ...Option) error
	// Delete removes one key when WithKey is given, otherwise every
	// entry in the selected scope.
	Delete(ctx context.Context, opts ...Option) error
	Close() error
}

// Scope narrows an operation to a slice of the keyspace. A nil Scope
// is the global slice.
type Scope interface {
	scope()
}

// UserScope holds entries per authenticated principal.
type UserScope struct {
	UserID string
}

func (UserScope) scope() {}

// ConnScope holds entries per live connection, keyed by the opaque
// connection id handlers receive on each call.
type ConnScope struct {
	Conn string
}

func (ConnScope) scope() {}

// Option adjusts one store operation.
type Option func(*Options)

// Options collects the per-operation settings backends consume.
type Options struct {
	Scope Scope
	Key   *string
	TTL   *time.Duration
}

// Apply folds opts into an Options value.
func Apply(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// ForUser scopes the operation to one principal's entries.
func ForUser(userID string) Option {
	return func(o *Options) { o.Scope = UserScope{UserID: userID} }
}

// ForConn scopes the operation to one connection's entries.
func ForConn(conn string) Option {
	return func(o *Options) { o.Scope = ConnScope{Conn: conn} }
}

// WithKey names the single key a Delete should remove.
func WithKey(key string) Option {
	return func(o *Options) { o.Key = &key }
}

// WithTTL bounds the entry's lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(o *Options) { o.TTL = &ttl }
}

// PrefixFor returns the keyspace prefix of a scope. Scope-wide deletes
// match on it.
func PrefixFor(s Scope) string {
	switch sc := s.(type) {
	case UserScope:
		return "user:" + sc.UserID + ":"
	case ConnScope:
		return "conn:" + sc.Conn + ":"
	default:
		return "global:"
	}
}

// KeyFor returns the full keyspace position of key within a scope.
func KeyFor(s Scope, key string) string {
	return PrefixFor(s) + key
}

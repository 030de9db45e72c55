// Package memorystore keeps the key-value layer in process memory,
// bounded by an LRU cache. Suited to single-process servers and tests.
package memorystore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wireline/linerpc-go/kvstore"
)

// sweepInterval paces the background drop of expired entries. Expired
// entries are also dropped lazily on Get, so the sweep only bounds how
// long untouched ones linger.
const sweepInterval = time.Minute

// Store is an in-memory kvstore.Store.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *kvstore.Item]

	stop chan struct{}
	once sync.Once
}

var _ kvstore.Store = (*Store)(nil)

// New builds a store holding at most maxEntries entries. The least
// recently used entry is evicted beyond that.
func New(maxEntries int) (*Store, error) {
	cache, err := lru.New[string, *kvstore.Item](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("memorystore: %w", err)
	}
	s := &Store{cache: cache, stop: make(chan struct{})}
	go s.sweep()
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string, opts ...kvstore.Option) (*kvstore.Item, error) {
	o := kvstore.Apply(opts)
	fullKey := kvstore.KeyFor(o.Scope, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.cache.Get(fullKey)
	if !ok {
		return nil, nil
	}
	if item.Expired() {
		s.cache.Remove(fullKey)
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)

	now := time.Now()
	item := &kvstore.Item{Data: append([]byte(nil), data...), CreatedAt: now}
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		item.ExpiresAt = &exp
	}

	s.mu.Lock()
	s.cache.Add(kvstore.KeyFor(o.Scope, key), item)
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)

	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Key != nil {
		s.cache.Remove(kvstore.KeyFor(o.Scope, *o.Key))
		return nil
	}
	prefix := kvstore.PrefixFor(o.Scope)
	for _, key := range s.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			s.cache.Remove(key)
		}
	}
	return nil
}

// Close stops the expiry sweep and drops every entry.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.stop) })
	s.mu.Lock()
	s.cache.Purge()
	s.mu.Unlock()
	return nil
}

func (s *Store) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			for _, key := range s.cache.Keys() {
				if item, ok := s.cache.Peek(key); ok && item.Expired() {
					s.cache.Remove(key)
				}
			}
			s.mu.Unlock()
		}
	}
}

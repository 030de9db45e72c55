// Package redisstore backs the key-value layer with Redis. Entries
// carry their metadata as a JSON wrapper and expire server-side via
// the native TTL.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/wireline/linerpc-go/kvstore"
)

// Config for the Redis-backed store. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for the Redis instance, if any. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD,default="`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for every stored entry. ENV: KV_KEY_PREFIX
	KeyPrefix string `env:"KV_KEY_PREFIX,default=linerpc:kv:"`
}

// Store is a Redis-backed kvstore.Store.
type Store struct {
	client *redis.Client
	prefix string
}

var _ kvstore.Store = (*Store)(nil)

// storedItem is the JSON shape persisted under each key.
type storedItem struct {
	Data      []byte     `json:"data"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "linerpc:kv:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, prefix: prefix}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) Get(ctx context.Context, key string, opts ...kvstore.Option) (*kvstore.Item, error) {
	o := kvstore.Apply(opts)
	fullKey := s.prefix + kvstore.KeyFor(o.Scope, key)

	raw, err := s.client.Get(ctx, fullKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redisstore: get %s: %w", fullKey, err)
	}
	var stored storedItem
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", fullKey, err)
	}
	item := &kvstore.Item{Data: stored.Data, CreatedAt: stored.CreatedAt, ExpiresAt: stored.ExpiresAt}
	if item.Expired() {
		// The server-side TTL has not fired yet; drop eagerly.
		s.client.Del(ctx, fullKey)
		return nil, nil
	}
	return item, nil
}

func (s *Store) Set(ctx context.Context, key string, data []byte, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)
	fullKey := s.prefix + kvstore.KeyFor(o.Scope, key)

	now := time.Now()
	stored := storedItem{Data: data, CreatedAt: now}
	var ttl time.Duration
	if o.TTL != nil {
		exp := now.Add(*o.TTL)
		stored.ExpiresAt = &exp
		ttl = *o.TTL
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", fullKey, err)
	}
	if err := s.client.Set(ctx, fullKey, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", fullKey, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, opts ...kvstore.Option) error {
	o := kvstore.Apply(opts)

	if o.Key != nil {
		fullKey := s.prefix + kvstore.KeyFor(o.Scope, *o.Key)
		if err := s.client.Del(ctx, fullKey).Err(); err != nil {
			return fmt.Errorf("redisstore: delete %s: %w", fullKey, err)
		}
		return nil
	}

	pattern := s.prefix + kvstore.PrefixFor(o.Scope) + "*"
	keys, err := s.scanKeys(ctx, pattern)
	if err != nil {
		return fmt.Errorf("redisstore: scan %s: %w", pattern, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisstore: delete scope: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) scanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

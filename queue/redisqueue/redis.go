// Package redisqueue backs the dispatch queue with Redis lists so the
// engine and its workers can run in separate processes. Invocations and
// completions travel as JSON list elements under a shared key prefix.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/wireline/linerpc-go/queue"
)

// Config for the Redis-backed queue. Defaults can be loaded via
// envdecode.
type Config struct {
	// Addr like "localhost:6379". ENV: REDIS_ADDR
	Addr string `env:"REDIS_ADDR,default=localhost:6379"`
	// Password for the Redis instance, if any. ENV: REDIS_PASSWORD
	Password string `env:"REDIS_PASSWORD,default="`
	// DB index. ENV: REDIS_DB
	DB int `env:"REDIS_DB,default=0"`
	// KeyPrefix for the two queue lists. ENV: QUEUE_KEY_PREFIX
	KeyPrefix string `env:"QUEUE_KEY_PREFIX,default=linerpc:queue:"`
}

// Queue is a Redis-backed queue.Queue.
type Queue struct {
	client  *redis.Client
	invKey  string
	compKey string
}

var _ queue.Queue = (*Queue)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Queue, error) {
	addr := cfg.Addr
	if addr == "" {
		addr = "localhost:6379"
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "linerpc:queue:"
	}
	client := redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Queue{
		client:  client,
		invKey:  prefix + "invocations",
		compKey: prefix + "completions",
	}, nil
}

// NewFromEnv builds a Queue using envdecode to populate Config.
func NewFromEnv() (*Queue, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (q *Queue) PushInvocation(ctx context.Context, inv queue.Invocation) error {
	return q.push(ctx, q.invKey, inv)
}

func (q *Queue) PullInvocation(ctx context.Context) (queue.Invocation, error) {
	var inv queue.Invocation
	err := q.pull(ctx, q.invKey, &inv)
	return inv, err
}

func (q *Queue) PushCompletion(ctx context.Context, c queue.Completion) error {
	return q.push(ctx, q.compKey, c)
}

func (q *Queue) PullCompletion(ctx context.Context) (queue.Completion, error) {
	var c queue.Completion
	err := q.pull(ctx, q.compKey, &c)
	return c, err
}

// Close closes the Redis client. Blocked pulls return queue.ErrClosed.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("redisqueue: encode: %w", err)
	}
	if err := q.client.RPush(ctx, key, data).Err(); err != nil {
		if errors.Is(err, redis.ErrClosed) {
			return queue.ErrClosed
		}
		return fmt.Errorf("redisqueue: push: %w", err)
	}
	return nil
}

func (q *Queue) pull(ctx context.Context, key string, v any) error {
	for {
		// BLPop with a finite timeout; go-redis also respects ctx.
		res, err := q.client.BLPop(ctx, 5*time.Second, key).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.ErrClosed) {
				return queue.ErrClosed
			}
			return fmt.Errorf("redisqueue: pull: %w", err)
		}
		if len(res) == 2 {
			// res[0] is the list name; res[1] is the payload.
			if err := json.Unmarshal([]byte(res[1]), v); err != nil {
				return fmt.Errorf("redisqueue: decode: %w", err)
			}
			return nil
		}
	}
}

// Package etcddisco implements discovery over etcd v3. Instances are
// stored as JSON values under a shared key prefix with TTL leases, so
// an instance that dies without withdrawing expires on its own.
package etcddisco

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/joeshaw/envdecode"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/wireline/linerpc-go/discovery"
)

// Config for the etcd-backed registry. Defaults can be loaded via
// envdecode.
type Config struct {
	// Endpoints of the etcd cluster, semicolon separated in the
	// environment. ENV: ETCD_ENDPOINTS
	Endpoints []string `env:"ETCD_ENDPOINTS,default=localhost:2379"`
	// Service groups instances under one directory entry.
	// ENV: ETCD_SERVICE
	Service string `env:"ETCD_SERVICE,default=linerpc"`
	// Prefix roots all keys written by this registry. ENV: ETCD_PREFIX
	Prefix string `env:"ETCD_PREFIX,default=/linerpc/"`
	// LeaseTTL in seconds before an unrenewed instance entry expires.
	// ENV: ETCD_LEASE_TTL
	LeaseTTL int64 `env:"ETCD_LEASE_TTL,default=10"`
	// DialTimeout for the initial cluster connection.
	// ENV: ETCD_DIAL_TIMEOUT
	DialTimeout time.Duration `env:"ETCD_DIAL_TIMEOUT,default=5s"`
}

// Registry implements discovery.Announcer and discovery.Directory over
// one etcd client.
type Registry struct {
	log *slog.Logger
	cli *clientv3.Client
	cfg Config

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	key     string
}

var (
	_ discovery.Announcer = (*Registry)(nil)
	_ discovery.Directory = (*Registry)(nil)
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger used for registry events.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.log = l }
}

// New connects to the etcd cluster described by cfg.
func New(cfg Config, opts ...Option) (*Registry, error) {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = []string{"localhost:2379"}
	}
	if cfg.Service == "" {
		cfg.Service = "linerpc"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/linerpc/"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcddisco: connect: %w", err)
	}
	r := &Registry{log: slog.Default(), cli: cli, cfg: cfg}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// NewFromEnv builds a Registry using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Registry, error) {
	var cfg Config
	// Defaults are provided via struct tags.
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// Close releases the etcd client. It does not withdraw announcements;
// the lease TTL covers an unclean exit.
func (r *Registry) Close() error {
	return r.cli.Close()
}

func (r *Registry) dirPrefix() string {
	return r.cfg.Prefix + r.cfg.Service + "/"
}

// Announce writes the instance under a TTL lease and keeps the lease
// renewed until ctx ends or Withdraw is called.
func (r *Registry) Announce(ctx context.Context, inst discovery.Instance) error {
	lease, err := r.cli.Grant(ctx, r.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("etcddisco: grant lease: %w", err)
	}
	val, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("etcddisco: encode instance: %w", err)
	}
	key := r.dirPrefix() + inst.Addr
	if _, err := r.cli.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("etcddisco: put %s: %w", key, err)
	}

	ch, err := r.cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("etcddisco: keepalive: %w", err)
	}
	// Drain renewal acks; the channel closes when ctx ends or the
	// lease is revoked, after which the entry expires on its own.
	go func() {
		for range ch {
		}
		r.log.Debug("discovery.keepalive_stop", slog.String("key", key))
	}()

	r.mu.Lock()
	r.leaseID = lease.ID
	r.key = key
	r.mu.Unlock()
	return nil
}

// Withdraw deletes the announced entry and revokes its lease.
func (r *Registry) Withdraw(ctx context.Context) error {
	r.mu.Lock()
	leaseID := r.leaseID
	key := r.key
	r.leaseID = 0
	r.key = ""
	r.mu.Unlock()

	if key == "" {
		return nil
	}
	if _, err := r.cli.Delete(ctx, key); err != nil {
		return fmt.Errorf("etcddisco: delete %s: %w", key, err)
	}
	if leaseID != 0 {
		_, _ = r.cli.Revoke(ctx, leaseID)
	}
	return nil
}

// Discover returns a snapshot of the live instances for the configured
// service.
func (r *Registry) Discover(ctx context.Context) ([]discovery.Instance, error) {
	resp, err := r.cli.Get(ctx, r.dirPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcddisco: get %s: %w", r.dirPrefix(), err)
	}
	instances := make([]discovery.Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var inst discovery.Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			// Skip malformed entries rather than failing discovery.
			r.log.Warn("discovery.bad_entry", slog.String("key", string(kv.Key)))
			continue
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// Watch emits a fresh snapshot after every change under the service
// prefix. The channel closes when ctx ends.
func (r *Registry) Watch(ctx context.Context) (<-chan []discovery.Instance, error) {
	out := make(chan []discovery.Instance, 1)
	watchCh := r.cli.Watch(ctx, r.dirPrefix(), clientv3.WithPrefix())

	go func() {
		defer close(out)
		for range watchCh {
			// Re-fetch the full set rather than folding individual
			// events into local state.
			instances, err := r.Discover(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.log.Warn("discovery.refresh_fail", slog.String("err", err.Error()))
				continue
			}
			select {
			case out <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

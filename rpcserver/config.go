package rpcserver

import (
	"fmt"

	"github.com/joeshaw/envdecode"
)

// Config controls listener placement and dispatch width. Defaults can
// be loaded via envdecode.
type Config struct {
	// Port to listen on. 0 picks an ephemeral port. ENV: RPC_PORT
	Port int `env:"RPC_PORT,default=0"`
	// BindAddress is the local interface address to bind. Empty binds
	// every interface. ENV: RPC_BIND_ADDRESS
	BindAddress string `env:"RPC_BIND_ADDRESS,default="`
	// Hostname is advertised to service discovery in place of the
	// bind address. ENV: RPC_HOSTNAME
	Hostname string `env:"RPC_HOSTNAME,default="`
	// AddressFamily selects the listener network: "tcp", "tcp4" or
	// "tcp6". ENV: RPC_ADDRESS_FAMILY
	AddressFamily string `env:"RPC_ADDRESS_FAMILY,default=tcp"`
	// Concurrency is the width of the in-process worker pool. It has
	// no effect when the pool is disabled. ENV: RPC_CONCURRENCY
	Concurrency int `env:"RPC_CONCURRENCY,default=8"`
	// RateLimit caps inbound requests per second per connection. 0
	// disables limiting. ENV: RPC_RATE_LIMIT
	RateLimit float64 `env:"RPC_RATE_LIMIT,default=0"`
	// RateBurst is the limiter burst size when RateLimit is set.
	// ENV: RPC_RATE_BURST
	RateBurst int `env:"RPC_RATE_BURST,default=16"`
}

// ConfigFromEnv populates a Config from the environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("rpcserver: decode config: %w", err)
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.Port < 0 || cfg.Port > 65535 {
		return fmt.Errorf("rpcserver: port %d out of range", cfg.Port)
	}
	switch cfg.AddressFamily {
	case "", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("rpcserver: unsupported address family %q", cfg.AddressFamily)
	}
	if cfg.Concurrency < 1 {
		return fmt.Errorf("rpcserver: concurrency %d below 1", cfg.Concurrency)
	}
	if cfg.RateLimit < 0 {
		return fmt.Errorf("rpcserver: negative rate limit")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst < 1 {
		return fmt.Errorf("rpcserver: rate burst %d below 1", cfg.RateBurst)
	}
	return nil
}

package stun

import (
	"time"

	"github.com/go-logr/logr"
)

const (
	defaultTimeout     = 3 * time.Second
	defaultMaxRetries  = 3
	defaultBaseBackoff = 500 * time.Millisecond
)

var defaultServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// DefaultServers returns a copy of the built-in STUN server list.
func DefaultServers() []string {
	return append([]string(nil), defaultServers...)
}

type config struct {
	servers     []string
	timeout     time.Duration
	maxRetries  int
	baseBackoff time.Duration
	logger      logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		servers:     defaultServers,
		timeout:     defaultTimeout,
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		logger:      logr.Discard(),
	}
}

// WithServers sets the STUN servers to query. At least two distinct
// servers are needed for the allocation pattern probe
func WithServers(servers []string) Option {
	return func(cfg *config) {
		cfg.servers = servers
	}
}

// WithTimeout sets the per-query response timeout
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = timeout
	}
}

// WithMaxRetries sets how many extra passes over the server list are made
// before Discover gives up with ErrUnreachable
func WithMaxRetries(retries int) Option {
	return func(cfg *config) {
		cfg.maxRetries = retries
	}
}

// WithBaseBackoff sets the backoff before the first retry pass; it doubles
// on every subsequent pass
func WithBaseBackoff(backoff time.Duration) Option {
	return func(cfg *config) {
		cfg.baseBackoff = backoff
	}
}

// WithLogger sets the logger to use for logging. The logger must implement the logr.Logger interface
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

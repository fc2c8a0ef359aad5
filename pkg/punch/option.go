package punch

import (
	"time"

	"github.com/go-logr/logr"
)

const (
	// Defaults mirror a 4 s punch window at a 50 ms probe cadence.
	defaultInterval    = 50 * time.Millisecond
	defaultMaxAttempts = 80
	defaultTimeout     = 5 * time.Second
	defaultAckTail     = 3
)

type config struct {
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration
	ackTail     int
	logger      logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		interval:    defaultInterval,
		maxAttempts: defaultMaxAttempts,
		timeout:     defaultTimeout,
		ackTail:     defaultAckTail,
		logger:      logr.Discard(),
	}
}

// WithInterval sets the probe cadence per candidate pair. The interval must be greater than 0
func WithInterval(interval time.Duration) Option {
	return func(cfg *config) {
		cfg.interval = interval
	}
}

// WithMaxAttempts sets the number of probe rounds before giving up
func WithMaxAttempts(attempts int) Option {
	return func(cfg *config) {
		cfg.maxAttempts = attempts
	}
}

// WithTimeout bounds the whole punch attempt regardless of rounds left
func WithTimeout(timeout time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = timeout
	}
}

// WithAckTail sets how many extra acks are sent once a pair opens
func WithAckTail(n int) Option {
	return func(cfg *config) {
		cfg.ackTail = n
	}
}

// WithLogger sets the logger to use for logging. The logger must implement the logr.Logger interface
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

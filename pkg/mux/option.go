package mux

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/linkio-p2p/linkio/pkg/metrics"
)

const (
	defaultMaxRetries = 3
	defaultInitialRTO = 150 * time.Millisecond
	defaultMaxRTO     = 2 * time.Second
)

type config struct {
	maxRetries int
	initialRTO time.Duration
	maxRTO     time.Duration
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		maxRetries: defaultMaxRetries,
		initialRTO: defaultInitialRTO,
		maxRTO:     defaultMaxRTO,
		clock:      clock.New(),
		metrics:    metrics.New(nil),
		logger:     logr.Discard(),
	}
}

// WithMaxRetries sets how many retransmissions a reliable frame gets
// before the stream reports failure
func WithMaxRetries(retries int) Option {
	return func(cfg *config) {
		cfg.maxRetries = retries
	}
}

// WithInitialRTO sets the first retransmission interval; it doubles per
// retry and follows the RTT estimate once acks flow
func WithInitialRTO(rto time.Duration) Option {
	return func(cfg *config) {
		cfg.initialRTO = rto
	}
}

// WithMaxRTO caps the retransmission backoff
func WithMaxRTO(rto time.Duration) Option {
	return func(cfg *config) {
		cfg.maxRTO = rto
	}
}

// WithClock injects the clock used for ack timestamps and retransmission
// scheduling
func WithClock(c clock.Clock) Option {
	return func(cfg *config) {
		cfg.clock = c
	}
}

// WithMetrics sets the diagnostics counter set
func WithMetrics(m *metrics.Metrics) Option {
	return func(cfg *config) {
		cfg.metrics = m
	}
}

// WithLogger sets the logger to use for logging. The logger must implement the logr.Logger interface
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

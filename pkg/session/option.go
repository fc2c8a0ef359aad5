package session

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-logr/logr"

	"github.com/linkio-p2p/linkio/pkg/metrics"
	"github.com/linkio-p2p/linkio/pkg/stream"
)

const (
	defaultKeepaliveInterval = 5 * time.Second
	defaultLossMultiplier    = 3
	defaultRepunchTimeout    = 5 * time.Second
	defaultTimerTick         = 50 * time.Millisecond

	defaultMaxRetries = 3
	defaultInitialRTO = 150 * time.Millisecond
	defaultMaxRTO     = 2 * time.Second
)

type config struct {
	keepaliveInterval time.Duration
	lossMultiplier    int
	repunchTimeout    time.Duration
	timerTick         time.Duration

	maxRetries int
	initialRTO time.Duration
	maxRTO     time.Duration

	streamTable map[uint16]stream.Class

	clock   clock.Clock
	metrics *metrics.Metrics
	logger  logr.Logger
}

type Option func(*config)

func newDefaultConfig() *config {
	return &config{
		keepaliveInterval: defaultKeepaliveInterval,
		lossMultiplier:    defaultLossMultiplier,
		repunchTimeout:    defaultRepunchTimeout,
		timerTick:         defaultTimerTick,
		maxRetries:        defaultMaxRetries,
		initialRTO:        defaultInitialRTO,
		maxRTO:            defaultMaxRTO,
		streamTable:       DefaultStreamTable(),
		clock:             clock.New(),
		metrics:           metrics.New(nil),
		logger:            logr.Discard(),
	}
}

// WithKeepaliveInterval sets how often keepalives go out on an otherwise
// idle session
func WithKeepaliveInterval(d time.Duration) Option {
	return func(cfg *config) {
		cfg.keepaliveInterval = d
	}
}

// WithLossMultiplier sets how many silent keepalive intervals mark the
// session Lost
func WithLossMultiplier(n int) Option {
	return func(cfg *config) {
		cfg.lossMultiplier = n
	}
}

// WithRepunchTimeout bounds the re-punch attempt after a loss; when it
// expires the session closes for good
func WithRepunchTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.repunchTimeout = d
	}
}

// WithTimerTick sets the granularity of the retransmission and liveness
// timers
func WithTimerTick(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timerTick = d
	}
}

// WithMaxRetries sets the per-frame retransmission budget on reliable
// streams
func WithMaxRetries(retries int) Option {
	return func(cfg *config) {
		cfg.maxRetries = retries
	}
}

// WithInitialRTO sets the first retransmission interval
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

// WithStreamTable overrides the default stream table. Both peers must use
// the same table; id 0 is reserved and ignored
func WithStreamTable(table map[uint16]stream.Class) Option {
	return func(cfg *config) {
		cfg.streamTable = table
	}
}

// WithClock injects the clock driving keepalives and retransmissions
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

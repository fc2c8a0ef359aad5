package connect

import (
	"time"

	"github.com/go-logr/logr"

	"github.com/linkio-p2p/linkio/pkg/punch"
	"github.com/linkio-p2p/linkio/pkg/session"
	"github.com/linkio-p2p/linkio/pkg/stun"
)

const (
	defaultRendezServer = "http://127.0.0.1:7777"
	defaultWaitInterval = 1 * time.Second
)

type config struct {
	rendezServerURL string
	waitInterval    time.Duration
	stunServers     []string
	punchOpts       []punch.Option
	sessionOpts     []session.Option
	logger          logr.Logger
}

func newDefaultConfig() *config {
	return &config{
		rendezServerURL: defaultRendezServer,
		waitInterval:    defaultWaitInterval,
		stunServers:     stun.DefaultServers(),
		logger:          logr.Discard(),
	}
}

type Option func(*config)

// WithRendezServer sets the rendezvous server URL. The server must implement interface
func WithRendezServer(server string) Option {
	return func(cfg *config) {
		cfg.rendezServerURL = server
	}
}

// WithWaitInterval sets the polling interval while waiting for the remote
// offer. The interval must be greater than 0
func WithWaitInterval(interval time.Duration) Option {
	return func(cfg *config) {
		cfg.waitInterval = interval
	}
}

// WithSTUNServers sets the STUN servers used for reflexive discovery
func WithSTUNServers(servers []string) Option {
	return func(cfg *config) {
		cfg.stunServers = servers
	}
}

// WithPunchOptions forwards options to the hole punch coordinator
func WithPunchOptions(opts ...punch.Option) Option {
	return func(cfg *config) {
		cfg.punchOpts = opts
	}
}

// WithSessionOptions forwards options to the established session
func WithSessionOptions(opts ...session.Option) Option {
	return func(cfg *config) {
		cfg.sessionOpts = opts
	}
}

// WithLogger sets the logger to use for logging. The logger must implement the logr.Logger interface
func WithLogger(logger logr.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

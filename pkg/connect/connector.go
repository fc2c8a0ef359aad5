// Package connect runs the full establishment flow: bind a socket, learn
// its reflexive address, trade offers through the rendezvous server,
// punch the pair open and hand back an encrypted session.
package connect

import (
	"context"
	"fmt"
	"net"

	lioerr "github.com/linkio-p2p/linkio/pkg/error"

	"github.com/linkio-p2p/linkio/pkg/candidate"
	"github.com/linkio-p2p/linkio/pkg/punch"
	"github.com/linkio-p2p/linkio/pkg/rendez/client"
	"github.com/linkio-p2p/linkio/pkg/rendez/types"
	"github.com/linkio-p2p/linkio/pkg/seal"
	"github.com/linkio-p2p/linkio/pkg/session"
	"github.com/linkio-p2p/linkio/pkg/stun"
)

type Connector struct {
	localPeerID  string
	resolver     *stun.Resolver
	puncher      *punch.Puncher
	rendezClient client.Rendezvous
	cfg          *config
}

func NewConnector(localPeerID string, opts ...Option) *Connector {
	cfg := newDefaultConfig()

	for _, opt := range opts {
		opt(cfg)
	}

	return &Connector{
		localPeerID:  localPeerID,
		resolver:     stun.NewResolver(stun.WithServers(cfg.stunServers), stun.WithLogger(cfg.logger)),
		puncher:      punch.NewPuncher(append(cfg.punchOpts, punch.WithLogger(cfg.logger))...),
		rendezClient: client.NewRendezvous(cfg.rendezServerURL),
		cfg:          cfg,
	}
}

// Connect establishes a session with the remote peer. Both sides call it
// against each other's peer id; the controller mints the punch token and
// session key, the agent takes both from the controller's offer.
func (c *Connector) Connect(ctx context.Context, remotePeerID string, role punch.Role) (*session.Session, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return nil, lioerr.Wrap(lioerr.ErrBindingUDP, err)
	}

	sess, err := c.connect(ctx, conn, remotePeerID, role)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return sess, nil
}

func (c *Connector) connect(ctx context.Context, conn *net.UDPConn, remotePeerID string, role punch.Role) (*session.Session, error) {
	candidates, err := c.gather(ctx, conn)
	if err != nil {
		return nil, err
	}

	var token punch.Token
	var key []byte
	var remote *types.Offer

	switch role {
	case punch.RoleController:
		if token, err = punch.NewToken(); err != nil {
			return nil, lioerr.Wrap(lioerr.ErrRegisterPeer, err)
		}
		if key, err = seal.NewKey(); err != nil {
			return nil, lioerr.Wrap(lioerr.ErrRegisterPeer, err)
		}

		offer := types.Offer{
			PeerID:     c.localPeerID,
			Role:       types.RoleController,
			Candidates: candidates,
			PunchToken: punch.FormatToken(token),
			SessionKey: types.EncodeKey(key),
		}
		if errRendez := c.rendezClient.Register(ctx, offer); errRendez != nil {
			return nil, lioerr.Wrap(lioerr.ErrRegisterPeer, errRendez)
		}
		c.cfg.logger.Info("registered local peer", "peerID", c.localPeerID, "candidates", len(candidates))

		if remote, err = c.rendezClient.WaitForPeer(ctx, remotePeerID, c.cfg.waitInterval); err != nil {
			return nil, lioerr.Wrap(lioerr.ErrWaitForPeer, err)
		}

	case punch.RoleAgent:
		// The agent needs the controller's token and key before it can
		// say anything useful, so it waits first.
		if remote, err = c.rendezClient.WaitForPeer(ctx, remotePeerID, c.cfg.waitInterval); err != nil {
			return nil, lioerr.Wrap(lioerr.ErrWaitForPeer, err)
		}
		if token, err = remote.Token(); err != nil {
			return nil, lioerr.Wrap(lioerr.ErrWaitForPeer, err)
		}
		if key, err = remote.Key(); err != nil {
			return nil, lioerr.Wrap(lioerr.ErrWaitForPeer, err)
		}

		offer := types.Offer{
			PeerID:     c.localPeerID,
			Role:       types.RoleAgent,
			Candidates: candidates,
			PunchToken: remote.PunchToken,
		}
		if errRendez := c.rendezClient.Register(ctx, offer); errRendez != nil {
			return nil, lioerr.Wrap(lioerr.ErrRegisterPeer, errRendez)
		}
		c.cfg.logger.Info("registered local peer", "peerID", c.localPeerID, "candidates", len(candidates))

	default:
		return nil, fmt.Errorf("unknown role %q", string(role))
	}

	c.cfg.logger.Info("punching towards remote peer", "peerID", remotePeerID, "candidates", len(remote.Candidates))

	res, err := c.puncher.Punch(ctx, conn, token, role, remote.Candidates)
	if err != nil {
		return nil, lioerr.Wrap(lioerr.ErrPunchingNAT, err)
	}

	sess, err := session.New(res.Conn, res.Remote, key, token, role, c.cfg.sessionOpts...)
	if err != nil {
		return nil, lioerr.Wrap(lioerr.ErrSessionStart, err)
	}

	c.cfg.logger.Info("session established", "peerID", remotePeerID, "remote", res.Remote.String(), "rtt", res.RTT)
	return sess, nil
}

// gather collects the local interface candidates plus the STUN reflexive
// mapping, and warns when the NAT allocates per-destination ports.
func (c *Connector) gather(ctx context.Context, conn *net.UDPConn) ([]candidate.Candidate, error) {
	port := conn.LocalAddr().(*net.UDPAddr).Port

	candidates, err := candidate.Local(port)
	if err != nil {
		c.cfg.logger.Info("local candidate enumeration failed", "err", err.Error())
	}

	reflexive, err := c.resolver.Discover(ctx, conn)
	if err != nil {
		return nil, lioerr.Wrap(lioerr.ErrPubAddrRetrieve, err)
	}
	candidates = append(candidates, reflexive)

	if pattern, _, errPattern := c.resolver.AllocationPattern(ctx, conn); errPattern == nil && pattern == stun.PatternPortVarying {
		c.cfg.logger.Info("NAT allocates per-destination ports, punching on the reflexive candidate may fail", "pattern", pattern)
	}

	return candidate.Filter(candidates), nil
}

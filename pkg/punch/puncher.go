// Package punch drives simultaneous-open UDP hole punching. Both peers
// run a coordinator concurrently against each other's candidate set,
// triggered by the same signaling round; the first candidate pair that
// carries a probe (or its ack) in either direction wins.
package punch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/linkio-p2p/linkio/pkg/candidate"
	lioerr "github.com/linkio-p2p/linkio/pkg/error"
)

// Role is carried in every probe so a peer can tell its own reflected
// probes from the remote's.
type Role byte

const (
	RoleController Role = 'M'
	RoleAgent      Role = 'A'
)

// State machine: Idle -> Probing -> Open | Failed.
type State int32

const (
	StateIdle State = iota
	StateProbing
	StateOpen
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProbing:
		return "probing"
	case StateOpen:
		return "open"
	case StateFailed:
		return "failed"
	}
	return "invalid"
}

const TokenSize = 16

// Token is the shared secret exchanged via signaling that pairs the two
// punch coordinators.
type Token = [TokenSize]byte

// Probe wire format: magic (4) + token (16) + role (1).
var (
	probeMagic = []byte{'W', 'C', 'P', 'H'}
	ackMagic   = []byte{'W', 'C', 'P', 'A'}
)

const packetSize = 4 + TokenSize + 1

// PacketKind distinguishes the two punch packet types.
type PacketKind string

const (
	PacketProbe PacketKind = "probe"
	PacketAck   PacketKind = "ack"
)

// Result describes an opened path. Remote is the address the winning
// packet actually came from, which may differ from every exchanged
// candidate when the NAT rewrites ports.
type Result struct {
	Conn   *net.UDPConn
	Remote *net.UDPAddr
	RTT    time.Duration
}

type Puncher struct {
	cfg   *config
	state atomic.Int32
}

func NewPuncher(opts ...Option) *Puncher {
	cfg := newDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Puncher{cfg: cfg}
}

func (p *Puncher) State() State {
	return State(p.state.Load())
}

// Punch probes every remote candidate from conn until one answers or the
// budget (maxAttempts rounds of interval, bounded by timeout) runs out.
// The token must be the 16-byte value exchanged via signaling; probes
// carrying any other token are ignored.
func (p *Puncher) Punch(ctx context.Context, conn *net.UDPConn, token Token, role Role, remotes []candidate.Candidate) (*Result, error) {
	if conn == nil {
		return nil, errors.New("conn required for punching")
	}

	targets := make([]*net.UDPAddr, 0, len(remotes))
	for _, c := range candidate.Filter(remotes) {
		addr, err := c.UDPAddr()
		if err != nil {
			continue
		}
		targets = append(targets, addr)
	}
	if len(targets) == 0 {
		p.state.Store(int32(StateFailed))
		return nil, lioerr.Wrap(lioerr.ErrNoPath, errors.New("no valid remote candidates"))
	}

	p.state.Store(int32(StateProbing))
	p.cfg.logger.Info("punching", "pairs", len(targets), "role", string(role))

	ctx, cancel := context.WithTimeout(ctx, p.cfg.timeout)
	defer cancel()

	probe := BuildProbe(token, role)
	ack := BuildAck(token, role)

	start := time.Now()
	buf := make([]byte, 1500)
	defer conn.SetReadDeadline(time.Time{})

	for round := 0; round < p.cfg.maxAttempts; round++ {
		if err := ctx.Err(); err != nil {
			break
		}

		// Simultaneous-open: one probe per candidate pair per round.
		for _, target := range targets {
			if _, err := conn.WriteToUDP(probe, target); err != nil {
				if errors.Is(err, net.ErrClosed) {
					p.state.Store(int32(StateFailed))
					return nil, err
				}
				// Transient send errors (e.g. unreachable v6 target)
				// just burn the round for that pair.
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(p.cfg.interval))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				p.state.Store(int32(StateFailed))
				return nil, err
			}
			continue
		}

		kind, ok := ParsePacket(buf[:n], token, role)
		if !ok {
			continue
		}

		// First pair to carry anything wins; all other pairs are
		// abandoned simply by ceasing to probe them.
		p.state.Store(int32(StateOpen))
		rtt := time.Since(start)
		p.cfg.logger.Info("pair open", "remote", from.String(), "via", kind, "rtt", rtt)

		p.ackTail(ctx, conn, ack, from)

		return &Result{Conn: conn, Remote: from, RTT: rtt}, nil
	}

	p.state.Store(int32(StateFailed))
	return nil, lioerr.Wrap(lioerr.ErrNoPath, fmt.Errorf("punch budget exhausted after %d rounds", p.cfg.maxAttempts))
}

// ackTail re-sends the ack a few times so the peer's own coordinator sees
// a response even if the first ack datagram is lost.
func (p *Puncher) ackTail(ctx context.Context, conn *net.UDPConn, ack []byte, remote *net.UDPAddr) {
	for i := 0; i < p.cfg.ackTail; i++ {
		conn.WriteToUDP(ack, remote)
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.interval):
		}
	}
}

// BuildProbe assembles the probe packet for one token/role pair.
func BuildProbe(token Token, role Role) []byte {
	return buildPacket(probeMagic, token, role)
}

// BuildAck assembles the answer to a received probe.
func BuildAck(token Token, role Role) []byte {
	return buildPacket(ackMagic, token, role)
}

func buildPacket(magic []byte, token Token, role Role) []byte {
	pkt := make([]byte, 0, packetSize)
	pkt = append(pkt, magic...)
	pkt = append(pkt, token[:]...)
	return append(pkt, byte(role))
}

// ParsePacket validates a received punch packet. Packets carrying our own
// role are our probes reflected back by a hairpinning NAT and are
// ignored.
func ParsePacket(pkt []byte, token Token, ownRole Role) (PacketKind, bool) {
	if len(pkt) < packetSize {
		return "", false
	}
	if !bytes.Equal(pkt[4:4+TokenSize], token[:]) {
		return "", false
	}
	if Role(pkt[packetSize-1]) == ownRole {
		return "", false
	}
	switch {
	case bytes.Equal(pkt[:4], probeMagic):
		return PacketProbe, true
	case bytes.Equal(pkt[:4], ackMagic):
		return PacketAck, true
	}
	return "", false
}

// IsPunchPacket reports whether a datagram looks like punch traffic. The
// session read path uses it to silently discard late probes arriving
// after the pair is already open.
func IsPunchPacket(pkt []byte) bool {
	return len(pkt) >= packetSize &&
		(bytes.Equal(pkt[:4], probeMagic) || bytes.Equal(pkt[:4], ackMagic))
}

// Package stun discovers this endpoint's NAT-mapped public address by
// querying STUN servers over the same UDP socket that will later be
// punched, so the reflexive mapping matches the punched flow.
package stun

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	pionstun "github.com/pion/stun"

	"github.com/linkio-p2p/linkio/pkg/candidate"
	lioerr "github.com/linkio-p2p/linkio/pkg/error"
)

// Pattern describes the NAT's port allocation behavior, observed by
// comparing the mappings reported by two distinct servers.
type Pattern string

const (
	// PatternSamePort: both servers saw the same mapping. Hole punching
	// against the reflexive candidate is expected to work.
	PatternSamePort Pattern = "same-port"
	// PatternPortVarying: the NAT allocates a new port per destination
	// (symmetric behavior). Punching may still succeed on the local pair.
	PatternPortVarying Pattern = "port-varying"
	// PatternUnknown: fewer than two servers answered.
	PatternUnknown Pattern = "unknown"
)

type Resolver struct {
	cfg *config
}

func NewResolver(opts ...Option) *Resolver {
	cfg := newDefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &Resolver{cfg: cfg}
}

// Discover returns the reflexive candidate for conn. Servers are tried in
// order; the whole list is retried with exponential backoff until the
// retry budget runs out, then ErrUnreachable is returned.
func (r *Resolver) Discover(ctx context.Context, conn *net.UDPConn) (candidate.Candidate, error) {
	var lastErr error

	backoff := r.cfg.baseBackoff
	for attempt := 0; attempt <= r.cfg.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return candidate.Candidate{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		for _, server := range r.cfg.servers {
			cand, err := r.query(ctx, conn, server)
			if err != nil {
				r.cfg.logger.V(1).Info("STUN query failed", "server", server, "attempt", attempt, "err", err)
				lastErr = err
				continue
			}
			if !cand.Valid() {
				// A reply claiming an unroutable mapping is spoofed
				// or broken; never hand it to the puncher.
				r.cfg.logger.Info("rejecting non-routable reflexive address", "server", server, "candidate", cand.String())
				lastErr = fmt.Errorf("server %s reported non-routable address %s", server, cand.String())
				continue
			}
			r.cfg.logger.Info("discovered reflexive address", "candidate", cand.String(), "server", server)
			return cand, nil
		}
	}

	if lastErr == nil {
		lastErr = errors.New("no STUN servers configured")
	}
	return candidate.Candidate{}, lioerr.Wrap(lioerr.ErrUnreachable, lastErr)
}

// AllocationPattern queries two distinct servers from the same socket and
// compares the reported mappings. Returns the pattern together with the
// reflexive candidates observed (one or two).
func (r *Resolver) AllocationPattern(ctx context.Context, conn *net.UDPConn) (Pattern, []candidate.Candidate, error) {
	var seen []candidate.Candidate

	for _, server := range r.cfg.servers {
		if len(seen) == 2 {
			break
		}
		cand, err := r.query(ctx, conn, server)
		if err != nil || !cand.Valid() {
			continue
		}
		seen = append(seen, cand)
	}

	switch len(seen) {
	case 0:
		return PatternUnknown, nil, lioerr.Wrap(lioerr.ErrUnreachable, errors.New("no server answered the allocation probe"))
	case 1:
		return PatternUnknown, seen, nil
	}

	if seen[0].IP == seen[1].IP && seen[0].Port == seen[1].Port {
		return PatternSamePort, seen[:1], nil
	}
	return PatternPortVarying, seen, nil
}

// query performs one binding request/response exchange with server over
// the shared unconnected socket.
func (r *Resolver) query(ctx context.Context, conn *net.UDPConn, server string) (candidate.Candidate, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return candidate.Candidate{}, fmt.Errorf("resolve %s: %w", server, err)
	}

	req, err := pionstun.Build(pionstun.TransactionID, pionstun.BindingRequest)
	if err != nil {
		return candidate.Candidate{}, fmt.Errorf("build binding request: %w", err)
	}

	if _, err := conn.WriteToUDP(req.Raw, serverAddr); err != nil {
		return candidate.Candidate{}, fmt.Errorf("send binding request to %s: %w", server, err)
	}

	deadline := time.Now().Add(r.cfg.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return candidate.Candidate{}, err
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			return candidate.Candidate{}, fmt.Errorf("read binding response from %s: %w", server, err)
		}

		resp := &pionstun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			// Not a STUN message; keep waiting for the real reply.
			continue
		}
		if resp.TransactionID != req.TransactionID {
			continue
		}
		if resp.Type != pionstun.BindingSuccess {
			return candidate.Candidate{}, fmt.Errorf("server %s answered %s", server, resp.Type)
		}

		var xorAddr pionstun.XORMappedAddress
		if err := xorAddr.GetFrom(resp); err != nil {
			var mapped pionstun.MappedAddress
			if err2 := mapped.GetFrom(resp); err2 != nil {
				return candidate.Candidate{}, fmt.Errorf("no mapped address from %s: %w", server, err)
			}
			return candidate.New(mapped.IP, mapped.Port, candidate.SourceReflexive), nil
		}
		return candidate.New(xorAddr.IP, xorAddr.Port, candidate.SourceReflexive), nil
	}
}

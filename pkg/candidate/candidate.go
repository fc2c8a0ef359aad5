package candidate

import (
	"fmt"
	"net"
)

// Source tells how a candidate was learned.
type Source string

const (
	// SourceLocal is an address taken directly from a local interface.
	SourceLocal Source = "local"
	// SourceReflexive is the NAT-mapped address observed by a STUN server.
	SourceReflexive Source = "stun-reflexive"
	// SourceRelay is an address allocated on a relay. The core never
	// produces relay candidates; the value exists so signaling can carry
	// them for callers that implement their own fallback.
	SourceRelay Source = "relay"
)

// Candidate is one possible endpoint for reaching a peer. Candidates are
// immutable once created and exchanged verbatim via signaling.
type Candidate struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Source Source `json:"source"`
}

func New(ip net.IP, port int, source Source) Candidate {
	return Candidate{IP: ip.String(), Port: port, Source: source}
}

// FromUDPAddr builds a candidate from a resolved UDP address.
func FromUDPAddr(addr *net.UDPAddr, source Source) Candidate {
	return Candidate{IP: addr.IP.String(), Port: addr.Port, Source: source}
}

// UDPAddr converts the candidate back into a dialable address.
func (c Candidate) UDPAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid candidate IP %q", c.IP)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return nil, fmt.Errorf("invalid candidate port %d", c.Port)
	}
	return &net.UDPAddr{IP: ip, Port: c.Port}, nil
}

// Valid reports whether the candidate looks like a routable address/port
// pair. Spoofed STUN replies carrying unroutable addresses are rejected
// here before they ever reach the puncher.
func (c Candidate) Valid() bool {
	ip := net.ParseIP(c.IP)
	if ip == nil {
		return false
	}
	if c.Port <= 0 || c.Port > 65535 {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	// Reflexive candidates claim to be the NAT's public mapping; a
	// loopback or link-local value there is garbage or spoofing.
	if c.Source == SourceReflexive && (ip.IsLoopback() || ip.IsLinkLocalUnicast()) {
		return false
	}
	return true
}

func (c Candidate) String() string {
	return fmt.Sprintf("%s:%d (%s)", c.IP, c.Port, c.Source)
}

// Filter returns the candidates from set that pass Valid.
func Filter(set []Candidate) []Candidate {
	out := make([]Candidate, 0, len(set))
	for _, c := range set {
		if c.Valid() {
			out = append(out, c)
		}
	}
	return out
}

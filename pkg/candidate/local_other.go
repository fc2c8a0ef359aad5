//go:build !linux

package candidate

import "net"

// Local enumerates local interface addresses as candidates for peers that
// may share a network with us. Loopback and link-local addresses are
// skipped. The port is the local port of the punched socket.
func Local(port int) ([]Candidate, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []Candidate
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, New(ip, port, SourceLocal))
		}
	}
	return out, nil
}

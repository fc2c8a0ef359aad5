//go:build linux

package candidate

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// Local enumerates local interface addresses as candidates for peers that
// may share a network with us. Loopback and link-local addresses are
// skipped. The port is the local port of the punched socket.
func Local(port int) ([]Candidate, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}

	var out []Candidate
	for _, link := range links {
		if link.Attrs().Flags&net.FlagUp == 0 || link.Attrs().Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip := addr.IP
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, New(ip, port, SourceLocal))
		}
	}
	return out, nil
}

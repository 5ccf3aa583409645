// Package network holds the address rules of a sync run: which discovered
// addresses are acceptable and how a fallback address is derived from a VMID.
package network

import (
	"net"
	"strings"

	netutils "k8s.io/utils/net"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
)

// ParseNetworks parses a list of IPv4 CIDRs. Blank entries are ignored.
func ParseNetworks(cidrs []string) ([]*net.IPNet, error) {
	trimmed := make([]string, 0, len(cidrs))
	for _, c := range cidrs {
		if c = strings.TrimSpace(c); c != "" {
			trimmed = append(trimmed, c)
		}
	}

	nets, err := netutils.ParseCIDRs(trimmed)
	if err != nil {
		return nil, domain.Configuration("%v", err)
	}
	for _, n := range nets {
		if !netutils.IsIPv4CIDR(n) {
			return nil, domain.Configuration("network %s is not an IPv4 CIDR", n)
		}
	}
	return nets, nil
}

// ParseNetwork parses a single IPv4 CIDR.
func ParseNetwork(cidr string) (*net.IPNet, error) {
	nets, err := ParseNetworks([]string{cidr})
	if err != nil {
		return nil, err
	}
	if len(nets) != 1 {
		return nil, domain.Configuration("expected exactly one CIDR, got %q", cidr)
	}
	return nets[0], nil
}

// InRange reports whether ip lies inside at least one of nets.
func InRange(ip net.IP, nets []*net.IPNet) bool {
	if ip == nil {
		return false
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Accept reports whether ip may be published as an A record: a routable
// IPv4 host address inside the allow-list.
func Accept(ip net.IP, nets []*net.IPNet) bool {
	v4 := ip.To4()
	if v4 == nil || v4.IsLoopback() || v4.IsLinkLocalUnicast() || v4.IsUnspecified() {
		return false
	}
	return InRange(v4, nets)
}

package network

import (
	"net"

	netutils "k8s.io/utils/net"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
)

// Predict returns the address inside network whose host part equals vmid.
//
// The network and broadcast addresses are never returned. A VMID that does
// not fit into the host part is a configuration error; it is never wrapped
// around.
func Predict(vmid int, network *net.IPNet) (net.IP, error) {
	if network == nil {
		return nil, domain.Configuration("prediction network is not configured")
	}
	if vmid <= 0 {
		return nil, domain.Configuration("cannot predict an address for VMID %d", vmid)
	}
	ones, bits := network.Mask.Size()
	if bits != 32 {
		return nil, domain.Configuration("prediction network %s is not IPv4", network)
	}

	hostBits := uint(bits - ones)
	highest := uint64(1)<<hostBits - 1
	if hostBits > 1 {
		// broadcast
		highest--
	}
	if uint64(vmid) > highest {
		return nil, domain.Configuration("VMID %d does not fit into prediction network %s (highest host index %d)", vmid, network, highest)
	}

	ip, err := netutils.GetIndexedIP(network, vmid)
	if err != nil {
		return nil, domain.Configuration("%v", err)
	}
	return ip.To4(), nil
}

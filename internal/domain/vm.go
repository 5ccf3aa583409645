package domain

import "net"

// VMStatus is the power state reported by Proxmox.
type VMStatus string

const (
	StatusRunning VMStatus = "running"
	StatusStopped VMStatus = "stopped"
	StatusOther   VMStatus = "other"
)

// ParseStatus maps a Proxmox status string to a VMStatus.
func ParseStatus(s string) VMStatus {
	switch VMStatus(s) {
	case StatusRunning:
		return StatusRunning
	case StatusStopped:
		return StatusStopped
	default:
		return StatusOther
	}
}

// GuestKind distinguishes QEMU virtual machines from LXC containers.
type GuestKind string

const (
	KindQEMU GuestKind = "qemu"
	KindLXC  GuestKind = "lxc"
)

// VM is one guest as reported by a Proxmox node during a single run.
type VM struct {
	VMID     int
	Name     string
	Node     string
	Kind     GuestKind
	Status   VMStatus
	Template bool
	// Addresses lists every address reported for the guest, in interface
	// enumeration order.
	Addresses []net.IP
}

// Running reports whether the guest is powered on.
func (vm VM) Running() bool { return vm.Status == StatusRunning }

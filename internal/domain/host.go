package domain

import "net"

// Source records how a host address was obtained.
type Source string

const (
	SourceDiscovered Source = "discovered"
	SourcePredicted  Source = "predicted"
)

// ResolvedHost is the desired A record for one VM.
type ResolvedHost struct {
	Hostname string
	IP       net.IP
	Source   Source
	VMID     int
	Node     string
}

package plan

import (
	"fmt"
	"strings"
)

// Format returns a human-readable representation of a plan.
func Format(p *Plan) string {
	var b strings.Builder

	c := p.Counts()
	fmt.Fprintf(&b, "Plan: %d to create, %d to update, %d unchanged\n", c[KindCreate], c[KindUpdate], c[KindNoop])

	for _, a := range p.Actions {
		switch a.Kind {
		case KindCreate:
			fmt.Fprintf(&b, "  + %s A %s (%s, vmid %d)\n", a.Hostname, a.IP, a.Host.Source, a.Host.VMID)
		case KindUpdate:
			fmt.Fprintf(&b, "  ~ %s A %s -> %s (%s, vmid %d, record %s)\n", a.Hostname, a.PreviousIP, a.IP, a.Host.Source, a.Host.VMID, a.RecordID)
		case KindNoop:
			fmt.Fprintf(&b, "    %s A %s\n", a.Hostname, a.IP)
		}
	}

	return b.String()
}

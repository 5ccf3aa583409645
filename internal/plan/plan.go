// Package plan computes the record changes needed to move a DNS zone to the
// desired host set. It performs no I/O.
package plan

import (
	"fmt"
	"net"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
)

// Kind is the type of a planned action.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindNoop   Kind = "noop"
)

// Action is one planned change for a single hostname.
type Action struct {
	Kind     Kind
	Hostname string
	IP       net.IP
	// RecordID and PreviousIP are set for updates.
	RecordID   string
	PreviousIP string
	Host       domain.ResolvedHost
}

// Record returns the provider record that applies the action.
func (a Action) Record() dns.Record {
	return dns.Record{
		ID:       a.RecordID,
		Hostname: a.Hostname,
		Type:     dns.TypeA,
		Value:    a.IP.String(),
	}
}

// Plan is an ordered list of actions with at most one action per hostname.
type Plan struct {
	Actions []Action
}

// Counts tallies the plan by action kind.
func (p *Plan) Counts() map[Kind]int {
	counts := map[Kind]int{KindCreate: 0, KindUpdate: 0, KindNoop: 0}
	for _, a := range p.Actions {
		counts[a.Kind]++
	}
	return counts
}

// Changes returns the actions that require a provider call, in plan order.
func (p *Plan) Changes() []Action {
	var out []Action
	for _, a := range p.Actions {
		if a.Kind != KindNoop {
			out = append(out, a)
		}
	}
	return out
}

// Compute diffs hosts against the current records.
//
// Actions follow the order of hosts. Records whose hostname has no host are
// left alone; no delete is ever planned. When several A records share a
// hostname the action is a noop if any of them already has the desired
// address, otherwise the first one is updated.
func Compute(hosts []domain.ResolvedHost, records []dns.Record) (*Plan, error) {
	existing := make(map[string][]dns.Record, len(records))
	for _, rec := range records {
		if rec.Type != "" && rec.Type != dns.TypeA {
			continue
		}
		key := dns.CanonicalHostname(rec.Hostname)
		existing[key] = append(existing[key], rec)
	}

	p := &Plan{Actions: make([]Action, 0, len(hosts))}
	seen := sets.New[string]()
	for _, h := range hosts {
		key := dns.CanonicalHostname(h.Hostname)
		if seen.Has(key) {
			return nil, fmt.Errorf("%w: hostname %s appears more than once in the desired state", domain.ErrResolutionAmbiguity, key)
		}
		seen.Insert(key)
		if h.IP.To4() == nil {
			return nil, fmt.Errorf("host %s has no IPv4 address", key)
		}

		action := Action{Hostname: key, IP: h.IP.To4(), Host: h}
		recs := existing[key]
		switch {
		case len(recs) == 0:
			action.Kind = KindCreate
		case anyMatches(recs, h.IP):
			action.Kind = KindNoop
		default:
			action.Kind = KindUpdate
			action.RecordID = recs[0].ID
			action.PreviousIP = recs[0].Value
		}
		p.Actions = append(p.Actions, action)
	}
	return p, nil
}

func anyMatches(recs []dns.Record, ip net.IP) bool {
	for _, r := range recs {
		if cur := net.ParseIP(r.Value); cur != nil && cur.Equal(ip) {
			return true
		}
	}
	return false
}

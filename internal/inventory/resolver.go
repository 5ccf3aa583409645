// Package inventory turns the raw guest list of a Proxmox cluster into the
// set of hosts that should have an A record.
package inventory

import (
	"fmt"
	"net"
	"strings"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/validation"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/network"
)

// Options configures address selection and hostname derivation.
type Options struct {
	ValidNetworks  []*net.IPNet
	PredictNetwork *net.IPNet
	Predict        bool
	Blacklist      sets.Set[int]
	Zone           string
	Subdomain      string
}

// SkipReason explains why a guest produced no host.
type SkipReason string

const (
	SkipTemplate    SkipReason = "template"
	SkipNotRunning  SkipReason = "not-running"
	SkipInvalidName SkipReason = "invalid-name"
	SkipNoAddress   SkipReason = "no-address"
	SkipBlacklisted SkipReason = "blacklisted"
)

// Skipped is a guest that was left out of the desired state.
type Skipped struct {
	VM     domain.VM
	Reason SkipReason
}

// Result is the desired state derived from one inventory snapshot.
type Result struct {
	Hosts   []domain.ResolvedHost
	Skipped []Skipped
}

// Resolver selects one address per guest.
type Resolver struct {
	opts Options
	log  logr.Logger
}

// NewResolver returns a Resolver using opts.
func NewResolver(log logr.Logger, opts Options) *Resolver {
	return &Resolver{opts: opts, log: log}
}

// Hostname derives the FQDN for a guest name.
func (r *Resolver) Hostname(name string) (string, error) {
	if strings.Trim(strings.TrimSpace(name), ".") == "" {
		return "", fmt.Errorf("empty guest name")
	}
	fqdn := dns.JoinHostname(name, r.opts.Subdomain, r.opts.Zone)
	if errs := validation.IsDNS1123Subdomain(fqdn); len(errs) > 0 {
		return "", fmt.Errorf("invalid hostname %q: %v", fqdn, errs)
	}
	if !dns.IsValidHostname(fqdn) {
		return "", fmt.Errorf("invalid hostname %q", fqdn)
	}
	return fqdn, nil
}

// Suffix returns the name suffix shared by every hostname this resolver produces.
func (r *Resolver) Suffix() string {
	return dns.ManagedSuffix(r.opts.Subdomain, r.opts.Zone)
}

// Resolve computes the desired hosts for vms, preserving input order.
//
// A prediction network that cannot hold a VMID fails the whole resolution
// with a configuration error, as does a hostname claimed by two guests.
func (r *Resolver) Resolve(vms []domain.VM) (*Result, error) {
	res := &Result{}
	owners := make(map[string]domain.VM, len(vms))

	for _, vm := range vms {
		log := r.log.WithValues("node", vm.Node, "vmid", vm.VMID, "name", vm.Name)

		if vm.Template {
			log.V(1).Info("skipping template")
			res.Skipped = append(res.Skipped, Skipped{VM: vm, Reason: SkipTemplate})
			continue
		}
		if !vm.Running() {
			log.V(1).Info("skipping guest that is not running", "status", vm.Status)
			res.Skipped = append(res.Skipped, Skipped{VM: vm, Reason: SkipNotRunning})
			continue
		}

		hostname, err := r.Hostname(vm.Name)
		if err != nil {
			log.Info("skipping guest with unusable name", "reason", err.Error())
			res.Skipped = append(res.Skipped, Skipped{VM: vm, Reason: SkipInvalidName})
			continue
		}

		host := domain.ResolvedHost{Hostname: hostname, VMID: vm.VMID, Node: vm.Node}
		if ip := r.discover(vm); ip != nil {
			host.IP, host.Source = ip, domain.SourceDiscovered
		} else {
			switch {
			case !r.opts.Predict:
				log.Info("no address in valid networks and prediction is disabled, skipping")
				res.Skipped = append(res.Skipped, Skipped{VM: vm, Reason: SkipNoAddress})
				continue
			case r.opts.Blacklist.Has(vm.VMID):
				log.Info("no address in valid networks and VMID is blacklisted for prediction, skipping")
				res.Skipped = append(res.Skipped, Skipped{VM: vm, Reason: SkipBlacklisted})
				continue
			}
			ip, err := network.Predict(vm.VMID, r.opts.PredictNetwork)
			if err != nil {
				return nil, fmt.Errorf("predicting address for VM %d on %s: %w", vm.VMID, vm.Node, err)
			}
			host.IP, host.Source = ip, domain.SourcePredicted
		}

		if prev, dup := owners[hostname]; dup {
			return nil, fmt.Errorf("%w: hostname %s claimed by VM %d on %s and VM %d on %s",
				domain.ErrResolutionAmbiguity, hostname, prev.VMID, prev.Node, vm.VMID, vm.Node)
		}
		owners[hostname] = vm

		log.V(1).Info("resolved host", "hostname", hostname, "ip", host.IP.String(), "source", host.Source)
		res.Hosts = append(res.Hosts, host)
	}
	return res, nil
}

// discover returns the first reported address accepted by the network filter.
func (r *Resolver) discover(vm domain.VM) net.IP {
	for _, ip := range vm.Addresses {
		if network.Accept(ip, r.opts.ValidNetworks) {
			return ip.To4()
		}
	}
	return nil
}

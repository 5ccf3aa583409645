// Package proxmox is a small read-only client for the parts of the Proxmox VE
// API needed to build a guest inventory.
package proxmox

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
)

const collaborator = "proxmox"

// Options configures a Client.
type Options struct {
	URL        string
	TokenName  string
	Token      string
	VerifyTLS  bool
	IncludeLXC bool
	// Concurrency bounds parallel per-guest lookups on one node.
	Concurrency int
	// Timeout bounds each HTTP request. The caller's context bounds a whole
	// ListVMs, which issues one request per guest on top of the listing.
	Timeout time.Duration
}

// Client reads guest inventory from a Proxmox VE cluster.
type Client struct {
	rest        *resty.Client
	includeLXC  bool
	concurrency int
	log         logr.Logger
}

// New creates a Client. URL, TokenName and Token are required.
func New(log logr.Logger, opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, domain.Configuration("proxmox: missing API URL")
	}
	if opts.TokenName == "" || opts.Token == "" {
		return nil, domain.Configuration("proxmox: missing API token")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(opts.URL, "/")+"/api2/json").
		SetHeader("Authorization", fmt.Sprintf("PVEAPIToken=%s=%s", opts.TokenName, opts.Token)).
		SetHeader("Accept", "application/json")
	if opts.Timeout > 0 {
		rest.SetTimeout(opts.Timeout)
	}
	if !opts.VerifyTLS {
		rest.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // self-signed PVE certificates are the norm
	}

	return &Client{
		rest:        rest,
		includeLXC:  opts.IncludeLXC,
		concurrency: opts.Concurrency,
		log:         log,
	}, nil
}

// get decodes the data field of a GET response into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	resp, err := c.rest.R().SetContext(ctx).Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), strings.TrimSpace(resp.String()))
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ListVMs returns the guests of node sorted by VMID, with every address the
// cluster reports for running guests.
func (c *Client) ListVMs(ctx context.Context, node string) ([]domain.VM, error) {
	vms, err := c.listGuests(ctx, node, domain.KindQEMU)
	if err != nil {
		return nil, err
	}
	if c.includeLXC {
		cts, err := c.listGuests(ctx, node, domain.KindLXC)
		if err != nil {
			return nil, err
		}
		vms = append(vms, cts...)
	}
	sort.SliceStable(vms, func(i, j int) bool { return vms[i].VMID < vms[j].VMID })

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := range vms {
		if !vms[i].Running() || vms[i].Template {
			continue
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			vms[i].Addresses = c.addresses(gctx, node, vms[i])
			return gctx.Err()
		})
	}
	// Lookups swallow their own failures, so the group only fails once the
	// caller's context is done.
	if err := g.Wait(); err != nil {
		return nil, domain.Connectivity(collaborator, "list addresses on "+node, err)
	}

	c.log.V(1).Info("listed guests", "node", node, "count", len(vms))
	return vms, nil
}

func (c *Client) listGuests(ctx context.Context, node string, kind domain.GuestKind) ([]domain.VM, error) {
	path := fmt.Sprintf("/nodes/%s/%s", node, kind)
	var env envelope[[]guest]
	if err := c.get(ctx, path, &env); err != nil {
		return nil, domain.Connectivity(collaborator, "GET "+path, err)
	}

	vms := make([]domain.VM, 0, len(env.Data))
	for _, g := range env.Data {
		if g.VMID <= 0 {
			return nil, domain.Connectivity(collaborator, "GET "+path, fmt.Errorf("guest %q has invalid vmid %d", g.Name, g.VMID))
		}
		vms = append(vms, domain.VM{
			VMID:     int(g.VMID),
			Name:     g.Name,
			Node:     node,
			Kind:     kind,
			Status:   domain.ParseStatus(g.Status),
			Template: bool(g.Template),
		})
	}
	return vms, nil
}

// addresses collects the addresses of one guest. Guest agent and config
// lookups are best effort: a failure means the guest reported nothing.
func (c *Client) addresses(ctx context.Context, node string, vm domain.VM) []net.IP {
	log := c.log.WithValues("node", node, "vmid", vm.VMID)

	var ips []net.IP
	switch vm.Kind {
	case domain.KindQEMU:
		agent, err := c.agentAddresses(ctx, node, vm.VMID)
		if err != nil {
			log.V(1).Info("guest agent addresses unavailable", "reason", err.Error())
		}
		ips = append(ips, agent...)

		static, err := c.configAddresses(ctx, node, vm.VMID)
		if err != nil {
			log.V(1).Info("guest config addresses unavailable", "reason", err.Error())
		}
		ips = append(ips, static...)
	case domain.KindLXC:
		lxc, err := c.lxcAddresses(ctx, node, vm.VMID)
		if err != nil {
			log.V(1).Info("container interface addresses unavailable", "reason", err.Error())
		}
		ips = append(ips, lxc...)
	}
	return ips
}

func (c *Client) agentAddresses(ctx context.Context, node string, vmid int) ([]net.IP, error) {
	var env envelope[*agentInterfaces]
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/agent/network-get-interfaces", node, vmid), &env); err != nil {
		return nil, err
	}
	if env.Data == nil {
		return nil, nil
	}

	var ips []net.IP
	for _, iface := range env.Data.Result {
		for _, a := range iface.IPAddresses {
			if ip := net.ParseIP(a.Address); ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// configAddresses reads static cloud-init addresses ("ip=10.0.5.62/24,gw=...")
// from ipconfig0..ipconfigN in index order.
func (c *Client) configAddresses(ctx context.Context, node string, vmid int) ([]net.IP, error) {
	var env envelope[vmConfig]
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/qemu/%d/config", node, vmid), &env); err != nil {
		return nil, err
	}

	var ips []net.IP
	for i := 0; i < 32; i++ {
		raw, ok := env.Data["ipconfig"+strconv.Itoa(i)]
		if !ok {
			continue
		}
		var value string
		if err := json.Unmarshal(raw, &value); err != nil {
			continue
		}
		if ip := parseIPConfig(value); ip != nil {
			ips = append(ips, ip)
		}
	}
	return ips, nil
}

// parseIPConfig extracts the IPv4 address of a cloud-init ipconfig value.
func parseIPConfig(value string) net.IP {
	for _, field := range strings.Split(value, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok || k != "ip" {
			continue
		}
		if ip, _, err := net.ParseCIDR(v); err == nil {
			return ip
		}
		return net.ParseIP(v)
	}
	return nil
}

func (c *Client) lxcAddresses(ctx context.Context, node string, vmid int) ([]net.IP, error) {
	var env envelope[[]lxcInterface]
	if err := c.get(ctx, fmt.Sprintf("/nodes/%s/lxc/%d/interfaces", node, vmid), &env); err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, iface := range env.Data {
		if len(iface.IPAddresses) > 0 {
			for _, a := range iface.IPAddresses {
				if ip := net.ParseIP(a.Address); ip != nil {
					ips = append(ips, ip)
				}
			}
			continue
		}
		for _, cidr := range []string{iface.Inet, iface.Inet6} {
			if ip, _, err := net.ParseCIDR(cidr); err == nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// Ping checks that the API is reachable and the token is accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.rest.R().SetContext(ctx).Get("/version")
	if err != nil {
		return domain.Connectivity(collaborator, "GET /version", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return domain.Connectivity(collaborator, "GET /version", fmt.Errorf("status %d", resp.StatusCode()))
	}
	return nil
}

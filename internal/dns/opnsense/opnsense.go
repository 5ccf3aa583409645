package opnsense

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
)

const (
	collaborator       = "opnsense"
	defaultDescription = "managed by pve-dns-sync"
)

func init() {
	dns.Register("opnsense", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for OPNsense Unbound host overrides.
type Provider struct {
	rest        *resty.Client
	description string
	log         logr.Logger
}

// New creates an OPNsense DNS provider from the given settings map.
// Required settings: base_url, api_key, api_secret.
// Optional settings: skip_tls_verify (default false), timeout (Go duration),
// description.
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	baseURL := settings["base_url"]
	if baseURL == "" {
		return nil, domain.Configuration("opnsense: missing required setting 'base_url'")
	}
	apiKey := settings["api_key"]
	if apiKey == "" {
		return nil, domain.Configuration("opnsense: missing required setting 'api_key'")
	}
	apiSecret := settings["api_secret"]
	if apiSecret == "" {
		return nil, domain.Configuration("opnsense: missing required setting 'api_secret'")
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetBasicAuth(apiKey, apiSecret)
	if settings["skip_tls_verify"] == "true" {
		rest.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opt-in
	}
	if v := settings["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, domain.Configuration("opnsense: invalid timeout %q", v)
		}
		rest.SetTimeout(d)
	}

	description := settings["description"]
	if description == "" {
		description = defaultDescription
	}

	return &Provider{rest: rest, description: description, log: log}, nil
}

// do executes a request against the OPNsense API and decodes the JSON body
// into out.
func (p *Provider) do(ctx context.Context, method, path string, body, out any) error {
	op := method + " " + path
	req := p.rest.R().SetContext(ctx)
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}

	resp, err := req.Execute(method, "/"+strings.TrimLeft(path, "/"))
	if err != nil {
		return domain.Connectivity(collaborator, op, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusUnauthorized, status == http.StatusForbidden:
		return domain.Connectivity(collaborator, op, fmt.Errorf("status %d", status))
	case resp.IsError():
		return fmt.Errorf("opnsense: %s returned status %d: %s", op, status, strings.TrimSpace(resp.String()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return domain.Connectivity(collaborator, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// reconfigure tells OPNsense to apply DNS changes.
func (p *Provider) reconfigure(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
	}
	if err := p.do(ctx, http.MethodPost, "unbound/service/reconfigure", struct{}{}, &result); err != nil {
		return fmt.Errorf("opnsense: reconfigure: %w", err)
	}
	p.log.V(1).Info("reconfigure completed", "status", result.Status)
	return nil
}

// searchResponse is the shape returned by searchHostOverride.
type searchResponse struct {
	Rows []hostRow `json:"rows"`
}

// hostRow represents a single host override row from the search response.
type hostRow struct {
	UUID     string `json:"uuid"`
	Enabled  string `json:"enabled"`
	Hostname string `json:"hostname"`
	Domain   string `json:"domain"`
	RR       string `json:"rr"`
	Server   string `json:"server"`
}

// List returns the A host overrides, optionally restricted to hostnames
// ending with suffix.
func (p *Provider) List(ctx context.Context, suffix string) ([]dns.Record, error) {
	var sr searchResponse
	if err := p.do(ctx, http.MethodGet, "unbound/settings/searchHostOverride", nil, &sr); err != nil {
		return nil, err
	}

	suffix = strings.ToLower(suffix)
	var records []dns.Record
	for _, row := range sr.Rows {
		if !strings.EqualFold(row.RR, dns.TypeA) || row.Hostname == "" || row.Hostname == "*" {
			continue
		}
		fqdn := dns.JoinHostname(row.Hostname, "", row.Domain)
		if suffix != "" && !strings.HasSuffix(fqdn, suffix) {
			continue
		}
		records = append(records, dns.Record{ID: row.UUID, Hostname: fqdn, Type: dns.TypeA, Value: row.Server})
	}
	return records, nil
}

// buildHostBody creates the JSON body for add/set host override calls.
func (p *Provider) buildHostBody(record dns.Record) map[string]any {
	host, zone := dns.SplitHostname(record.Hostname)
	description := p.description
	if record.Meta != nil && record.Meta["description"] != "" {
		description = record.Meta["description"]
	}
	return map[string]any{
		"host": map[string]string{
			"enabled":     "1",
			"hostname":    host,
			"domain":      zone,
			"rr":          dns.TypeA,
			"server":      record.Value,
			"description": description,
			"mxprio":      "",
			"mx":          "",
		},
	}
}

type saveResult struct {
	Result string `json:"result"`
	UUID   string `json:"uuid"`
}

// Create adds a new host override and applies it.
func (p *Provider) Create(ctx context.Context, record dns.Record) (string, error) {
	p.log.V(1).Info("creating record", "hostname", record.Hostname, "value", record.Value)

	var result saveResult
	if err := p.do(ctx, http.MethodPost, "unbound/settings/addHostOverride", p.buildHostBody(record), &result); err != nil {
		return "", err
	}
	if result.Result != "saved" {
		return "", fmt.Errorf("opnsense: addHostOverride unexpected result: %s", result.Result)
	}

	p.log.V(1).Info("record created", "uuid", result.UUID)
	// The override is saved at this point. A failed reconfigure must not
	// look transient or the caller would save it again.
	if err := p.reconfigure(ctx); err != nil {
		return result.UUID, fmt.Errorf("opnsense: override %s saved but not applied: %v", result.UUID, err)
	}
	return result.UUID, nil
}

// Update rewrites the host override identified by record.ID and applies it.
func (p *Provider) Update(ctx context.Context, record dns.Record) error {
	if record.ID == "" {
		return fmt.Errorf("opnsense: update of %s without override uuid", record.Hostname)
	}
	p.log.V(1).Info("updating record", "hostname", record.Hostname, "value", record.Value, "uuid", record.ID)

	var result saveResult
	if err := p.do(ctx, http.MethodPost, "unbound/settings/setHostOverride/"+record.ID, p.buildHostBody(record), &result); err != nil {
		return err
	}
	if result.Result != "saved" {
		return fmt.Errorf("opnsense: setHostOverride unexpected result: %s", result.Result)
	}

	p.log.V(1).Info("record updated", "uuid", record.ID)
	return p.reconfigure(ctx)
}

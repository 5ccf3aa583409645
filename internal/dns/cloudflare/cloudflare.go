package cloudflare

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
)

const (
	defaultBaseURL = "https://api.cloudflare.com/client/v4"
	defaultTTL     = 120
	// Cloudflare allows 1200 requests per five minutes per token.
	defaultRateLimit = 4
	pageSize         = 100
	collaborator     = "cloudflare"
)

func init() {
	dns.Register("cloudflare", func(log logr.Logger, settings map[string]string) (dns.Provider, error) {
		return New(log, settings)
	})
}

// Provider implements dns.Provider for a Cloudflare zone.
type Provider struct {
	rest    *resty.Client
	zone    string
	ttl     int
	proxied bool
	comment string
	limiter *rate.Limiter
	log     logr.Logger

	mu     sync.Mutex
	zoneID string
}

// New creates a Cloudflare DNS provider from the given settings map.
// Required settings: token, zone.
// Optional settings: base_url, ttl (default 120), proxied (default false),
// comment, timeout (Go duration), rate_limit (requests per second, default 4).
func New(log logr.Logger, settings map[string]string) (*Provider, error) {
	token := settings["token"]
	if token == "" {
		return nil, domain.Configuration("cloudflare: missing required setting 'token'")
	}
	zone := dns.CanonicalHostname(settings["zone"])
	if zone == "" {
		return nil, domain.Configuration("cloudflare: missing required setting 'zone'")
	}

	ttl := defaultTTL
	if v := settings["ttl"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return nil, domain.Configuration("cloudflare: invalid ttl %q", v)
		}
		ttl = parsed
	}

	proxied := false
	if v := settings["proxied"]; v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, domain.Configuration("cloudflare: invalid proxied %q", v)
		}
		proxied = parsed
	}

	limit := float64(defaultRateLimit)
	if v := settings["rate_limit"]; v != "" {
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil || parsed <= 0 {
			return nil, domain.Configuration("cloudflare: invalid rate_limit %q", v)
		}
		limit = parsed
	}

	baseURL := settings["base_url"]
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	rest := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")
	if v := settings["timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, domain.Configuration("cloudflare: invalid timeout %q", v)
		}
		rest.SetTimeout(d)
	}

	burst := int(limit)
	if burst < 1 {
		burst = 1
	}

	return &Provider{
		rest:    rest,
		zone:    zone,
		ttl:     ttl,
		proxied: proxied,
		comment: settings["comment"],
		limiter: rate.NewLimiter(rate.Limit(limit), burst),
		log:     log,
	}, nil
}

// response is the envelope of every Cloudflare v4 API response.
type response[T any] struct {
	Success    bool        `json:"success"`
	Errors     []apiError  `json:"errors"`
	Result     T           `json:"result"`
	ResultInfo *resultInfo `json:"result_info,omitempty"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type resultInfo struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
	Count      int `json:"count"`
	TotalCount int `json:"total_count"`
}

type zoneResult struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type recordResult struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
	Comment string `json:"comment,omitempty"`
}

func formatErrors(errs []apiError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, fmt.Sprintf("[%d] %s", e.Code, e.Message))
	}
	return strings.Join(parts, "; ")
}

// do executes a rate-limited request and decodes the envelope into out.
// Transport failures, throttling and server errors are connectivity errors.
func do[T any](ctx context.Context, p *Provider, req *resty.Request, method, path string, out *response[T]) error {
	op := method + " " + path
	if err := p.limiter.Wait(ctx); err != nil {
		return domain.Connectivity(collaborator, op, err)
	}

	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return domain.Connectivity(collaborator, op, err)
	}

	decodeErr := json.Unmarshal(resp.Body(), out)
	status := resp.StatusCode()
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return domain.Connectivity(collaborator, op, fmt.Errorf("status %d", status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.Connectivity(collaborator, op, fmt.Errorf("status %d: %s", status, formatErrors(out.Errors)))
	case resp.IsError():
		return fmt.Errorf("cloudflare: %s returned status %d: %s", op, status, formatErrors(out.Errors))
	case decodeErr != nil:
		return domain.Connectivity(collaborator, op, fmt.Errorf("decode response: %w", decodeErr))
	case !out.Success:
		return fmt.Errorf("cloudflare: %s failed: %s", op, formatErrors(out.Errors))
	}
	return nil
}

// lookupZoneID resolves the zone name to its id. Only a successful lookup is
// cached.
func (p *Provider) lookupZoneID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.zoneID != "" {
		return p.zoneID, nil
	}

	var out response[[]zoneResult]
	req := p.rest.R().SetQueryParam("name", p.zone)
	if err := do(ctx, p, req, http.MethodGet, "/zones", &out); err != nil {
		return "", err
	}
	if len(out.Result) == 0 {
		return "", domain.Configuration("cloudflare: zone %q not found or not accessible with this token", p.zone)
	}

	p.zoneID = out.Result[0].ID
	p.log.V(1).Info("zone id lookup finished", "zone", p.zone, "id", p.zoneID)
	return p.zoneID, nil
}

// List returns every A record in the zone, following pagination.
func (p *Provider) List(ctx context.Context, suffix string) ([]dns.Record, error) {
	zoneID, err := p.lookupZoneID(ctx)
	if err != nil {
		return nil, err
	}
	suffix = strings.ToLower(suffix)

	var records []dns.Record
	for page, totalPages := 1, 1; page <= totalPages; page++ {
		var out response[[]recordResult]
		req := p.rest.R().SetQueryParams(map[string]string{
			"type":     dns.TypeA,
			"per_page": strconv.Itoa(pageSize),
			"page":     strconv.Itoa(page),
		})
		if err := do(ctx, p, req, http.MethodGet, "/zones/"+zoneID+"/dns_records", &out); err != nil {
			return nil, err
		}
		if out.ResultInfo != nil {
			totalPages = out.ResultInfo.TotalPages
		}

		for _, r := range out.Result {
			if r.Type != dns.TypeA {
				continue
			}
			name := dns.CanonicalHostname(r.Name)
			if suffix != "" && !strings.HasSuffix(name, suffix) {
				continue
			}
			records = append(records, dns.Record{
				ID:       r.ID,
				Hostname: name,
				Type:     r.Type,
				Value:    r.Content,
				TTL:      r.TTL,
			})
		}
		p.log.V(1).Info("records page fetched", "page", page, "totalPages", totalPages, "count", len(out.Result))
	}
	return records, nil
}

func (p *Provider) body(record dns.Record) recordResult {
	ttl := record.TTL
	if ttl == 0 {
		ttl = p.ttl
	}
	comment := p.comment
	if record.Meta != nil && record.Meta["description"] != "" {
		comment = record.Meta["description"]
	}
	return recordResult{
		Type:    dns.TypeA,
		Name:    record.Hostname,
		Content: record.Value,
		TTL:     ttl,
		Proxied: p.proxied,
		Comment: comment,
	}
}

// Create adds a new A record.
func (p *Provider) Create(ctx context.Context, record dns.Record) (string, error) {
	p.log.V(1).Info("creating record", "hostname", record.Hostname, "value", record.Value)

	zoneID, err := p.lookupZoneID(ctx)
	if err != nil {
		return "", err
	}

	var out response[recordResult]
	req := p.rest.R().SetHeader("Content-Type", "application/json").SetBody(p.body(record))
	if err := do(ctx, p, req, http.MethodPost, "/zones/"+zoneID+"/dns_records", &out); err != nil {
		return "", err
	}

	p.log.V(1).Info("record created", "hostname", record.Hostname, "id", out.Result.ID)
	return out.Result.ID, nil
}

// Update overwrites the record identified by record.ID.
func (p *Provider) Update(ctx context.Context, record dns.Record) error {
	if record.ID == "" {
		return fmt.Errorf("cloudflare: update of %s without record id", record.Hostname)
	}
	p.log.V(1).Info("updating record", "hostname", record.Hostname, "value", record.Value, "id", record.ID)

	zoneID, err := p.lookupZoneID(ctx)
	if err != nil {
		return err
	}

	var out response[recordResult]
	req := p.rest.R().SetHeader("Content-Type", "application/json").SetBody(p.body(record))
	if err := do(ctx, p, req, http.MethodPut, "/zones/"+zoneID+"/dns_records/"+record.ID, &out); err != nil {
		return err
	}

	p.log.V(1).Info("record updated", "hostname", record.Hostname, "id", record.ID)
	return nil
}

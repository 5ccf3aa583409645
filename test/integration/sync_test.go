package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	logrtesting "github.com/go-logr/logr/testing"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/apimachinery/pkg/util/sets"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/controller"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	_ "github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns/providers"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/inventory"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/metrics"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/proxmox"
)

const zoneID = "zone-1"

// fakePVE serves canned Proxmox VE responses keyed by path.
type fakePVE struct {
	mu     sync.Mutex
	routes map[string]string
	status int
}

func (f *fakePVE) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	body, ok := f.routes[r.URL.Path]
	status := f.status
	f.mu.Unlock()

	if status != 0 {
		http.Error(w, `{"data":null}`, status)
		return
	}
	if !ok {
		http.Error(w, `{"data":null}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

type cfRecord struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
	TTL     int    `json:"ttl"`
	Proxied bool   `json:"proxied"`
	Comment string `json:"comment,omitempty"`
}

// fakeCloudflare is a minimal in-memory Cloudflare v4 DNS API.
type fakeCloudflare struct {
	mu      sync.Mutex
	records []cfRecord
	nextID  int
	perPage int
	// fail maps a record name to the number of 500 responses to return for
	// writes before succeeding.
	fail  map[string]int
	calls []string
}

func newFakeCloudflare() *fakeCloudflare {
	return &fakeCloudflare{fail: map[string]int{}}
}

func (f *fakeCloudflare) seed(typ, name, content string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("rec-%d", f.nextID)
	f.records = append(f.records, cfRecord{ID: id, Type: typ, Name: name, Content: content, TTL: 1})
	return id
}

func (f *fakeCloudflare) byName(name string) []cfRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cfRecord
	for _, r := range f.records {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeCloudflare) writes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if !strings.HasPrefix(c, http.MethodGet) {
			out = append(out, c)
		}
	}
	return out
}

func cfOK(w http.ResponseWriter, result any, info map[string]int) {
	body := map[string]any{"success": true, "errors": []any{}, "result": result}
	if info != nil {
		body["result_info"] = info
	}
	writeJSON(w, body)
}

func (f *fakeCloudflare) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer cf-token" {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 9109, "message": "Invalid access token"}}})
		return
	}

	records := "/client/v4/zones/" + zoneID + "/dns_records"
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/client/v4/zones":
		if r.URL.Query().Get("name") != "mydomain.net" {
			cfOK(w, []any{}, nil)
			return
		}
		cfOK(w, []map[string]string{{"id": zoneID, "name": "mydomain.net"}}, nil)
	case r.Method == http.MethodGet && r.URL.Path == records:
		f.handleList(w, r)
	case r.Method == http.MethodPost && r.URL.Path == records:
		f.handleWrite(w, r, "")
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, records+"/"):
		f.handleWrite(w, r, strings.TrimPrefix(r.URL.Path, records+"/"))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeCloudflare) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	if f.perPage > 0 {
		perPage = f.perPage
	}
	page, _ := strconv.Atoi(q.Get("page"))
	if perPage <= 0 || page <= 0 {
		http.Error(w, "bad paging", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	var matched []cfRecord
	for _, rec := range f.records {
		if t := q.Get("type"); t == "" || rec.Type == t {
			matched = append(matched, rec)
		}
	}
	f.mu.Unlock()

	totalPages := (len(matched) + perPage - 1) / perPage
	if totalPages == 0 {
		totalPages = 1
	}
	start := min((page-1)*perPage, len(matched))
	end := min(start+perPage, len(matched))
	cfOK(w, matched[start:end], map[string]int{
		"page": page, "per_page": perPage, "total_pages": totalPages,
		"count": end - start, "total_count": len(matched),
	})
}

func (f *fakeCloudflare) handleWrite(w http.ResponseWriter, r *http.Request, id string) {
	var rec cfRecord
	if err := readJSON(r, &rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[rec.Name] > 0 {
		f.fail[rec.Name]--
		w.WriteHeader(http.StatusInternalServerError)
		writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 10000, "message": "internal"}}})
		return
	}

	if id == "" {
		f.nextID++
		rec.ID = fmt.Sprintf("rec-%d", f.nextID)
		f.records = append(f.records, rec)
		cfOK(w, rec, nil)
		return
	}
	for i := range f.records {
		if f.records[i].ID == id {
			rec.ID = id
			f.records[i] = rec
			cfOK(w, rec, nil)
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
	writeJSON(w, map[string]any{"success": false, "errors": []map[string]any{{"code": 81044, "message": "record not found"}}})
}

// clusterRoutes describes pve1 with:
//   - web1 (150): guest agent reports loopback and 192.168.2.50
//   - db1 (7): no agent, no static config, predicted
//   - app (120): no agent, cloud-init ipconfig0
//   - old (151): stopped
//   - tmpl (9000): template
//   - lab (8): no address, blacklisted for prediction
func clusterRoutes() map[string]string {
	const api = "/api2/json/nodes/pve1/qemu"
	return map[string]string{
		api: `{"data":[
			{"vmid":150,"name":"web1","status":"running"},
			{"vmid":7,"name":"db1","status":"running"},
			{"vmid":120,"name":"app","status":"running"},
			{"vmid":151,"name":"old","status":"stopped"},
			{"vmid":9000,"name":"tmpl","status":"stopped","template":1},
			{"vmid":8,"name":"lab","status":"running"}
		]}`,
		api + "/150/agent/network-get-interfaces": `{"data":{"result":[
			{"name":"lo","ip-addresses":[{"ip-address":"127.0.0.1","ip-address-type":"ipv4","prefix":8}]},
			{"name":"eth0","ip-addresses":[
				{"ip-address":"fe80::1","ip-address-type":"ipv6","prefix":64},
				{"ip-address":"192.168.2.50","ip-address-type":"ipv4","prefix":24}
			]}
		]}}`,
		api + "/150/config": `{"data":{"name":"web1"}}`,
		api + "/7/config":   `{"data":{"name":"db1"}}`,
		api + "/120/config": `{"data":{"name":"app","ipconfig0":"ip=192.168.2.120/24,gw=192.168.2.1"}}`,
		api + "/8/config":   `{"data":{"name":"lab"}}`,
	}
}

type harness struct {
	pve        *fakePVE
	cf         *fakeCloudflare
	reconciler *controller.SyncReconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pve := &fakePVE{routes: clusterRoutes()}
	pveSrv := httptest.NewServer(pve)
	t.Cleanup(pveSrv.Close)
	cf := newFakeCloudflare()
	cfSrv := httptest.NewServer(cf)
	t.Cleanup(cfSrv.Close)

	log := logrtesting.NewTestLogger(t)
	client, err := proxmox.New(log.WithName("proxmox"), proxmox.Options{
		URL:         pveSrv.URL,
		TokenName:   "sync@pve!dns",
		Token:       "secret",
		Concurrency: 3,
		Timeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("proxmox client: %v", err)
	}
	provider, err := dns.NewProvider("cloudflare", log.WithName("dns-cloudflare"), map[string]string{
		"token":      "cf-token",
		"zone":       "mydomain.net",
		"base_url":   cfSrv.URL + "/client/v4",
		"rate_limit": "1000",
	})
	if err != nil {
		t.Fatalf("cloudflare provider: %v", err)
	}

	return &harness{pve: pve, cf: cf, reconciler: newSyncReconciler(t, log, client, provider)}
}

func newSyncReconciler(t *testing.T, log logr.Logger, inv controller.Inventory, provider dns.Provider) *controller.SyncReconciler {
	t.Helper()
	_, valid, _ := net.ParseCIDR("192.168.2.0/24")
	return &controller.SyncReconciler{
		Log:       log.WithName("sync"),
		Inventory: inv,
		Nodes:     []string{"pve1"},
		Resolver: inventory.NewResolver(log.WithName("inventory"), inventory.Options{
			ValidNetworks:  []*net.IPNet{valid},
			PredictNetwork: valid,
			Predict:        true,
			Blacklist:      sets.New(8),
			Zone:           "mydomain.net",
			Subdomain:      "nyc",
		}),
		DNS:     provider,
		Timeout: 5 * time.Second,
		Metrics: metrics.New(prometheus.NewRegistry()),
		Backoff: wait.Backoff{Duration: time.Millisecond, Factor: 1, Steps: 3},
	}
}

func contents(records []cfRecord) []string {
	var out []string
	for _, r := range records {
		out = append(out, r.Content)
	}
	sort.Strings(out)
	return out
}

func TestSyncCloudflare_FullCycle(t *testing.T) {
	h := newHarness(t)
	h.cf.seed("A", "db1.nyc.mydomain.net", "192.168.2.99")
	h.cf.seed("A", "orphan.nyc.mydomain.net", "192.168.2.200")
	h.cf.seed("A", "web1.other.net", "10.0.0.1")
	h.cf.seed("CNAME", "app.nyc.mydomain.net", "elsewhere.example.com")

	report, err := h.reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Created != 2 || report.Updated != 1 || report.Unchanged != 0 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if report.Skipped != 3 {
		t.Errorf("expected 3 skipped guests (stopped, template, blacklisted), got %d", report.Skipped)
	}

	want := map[string]string{
		"web1.nyc.mydomain.net":   "192.168.2.50",
		"db1.nyc.mydomain.net":    "192.168.2.7",
		"app.nyc.mydomain.net":    "192.168.2.120",
		"orphan.nyc.mydomain.net": "192.168.2.200",
	}
	for name, ip := range want {
		var a []cfRecord
		for _, r := range h.cf.byName(name) {
			if r.Type == "A" {
				a = append(a, r)
			}
		}
		if len(a) != 1 || a[0].Content != ip {
			t.Errorf("%s: expected one A record %s, got %v", name, ip, contents(a))
		}
	}
	for _, name := range []string{"old.nyc.mydomain.net", "tmpl.nyc.mydomain.net", "lab.nyc.mydomain.net"} {
		if got := h.cf.byName(name); len(got) != 0 {
			t.Errorf("expected no record for %s, got %v", name, got)
		}
	}
	for _, r := range h.cf.byName("db1.nyc.mydomain.net") {
		if r.TTL != 120 || r.Proxied {
			t.Errorf("expected ttl 120 and proxied=false on written records, got %+v", r)
		}
	}

	second, err := h.reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second RunCycle: %v", err)
	}
	if second.Created != 0 || second.Updated != 0 || second.Unchanged != 3 {
		t.Errorf("expected the second cycle to change nothing, got %+v", second)
	}
}

func TestSyncCloudflare_Pagination(t *testing.T) {
	h := newHarness(t)
	h.cf.perPage = 2
	for i := 0; i < 5; i++ {
		h.cf.seed("A", fmt.Sprintf("filler%d.nyc.mydomain.net", i), "192.168.2.250")
	}
	h.cf.seed("A", "web1.nyc.mydomain.net", "192.168.2.50")
	h.cf.seed("A", "db1.nyc.mydomain.net", "192.168.2.7")
	h.cf.seed("A", "app.nyc.mydomain.net", "192.168.2.120")

	report, err := h.reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Unchanged != 3 || report.Created != 0 || report.Updated != 0 {
		t.Fatalf("expected records on later pages to be found, got %+v", report)
	}
	if w := h.cf.writes(); len(w) != 0 {
		t.Errorf("expected no writes, got %v", w)
	}
}

func TestSyncCloudflare_PartialFailure(t *testing.T) {
	h := newHarness(t)
	// More 500s than retry attempts for web1, one transient 500 for app.
	h.cf.fail["web1.nyc.mydomain.net"] = 10
	h.cf.fail["app.nyc.mydomain.net"] = 1

	report, err := h.reconciler.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Failed != 1 || report.Created != 2 {
		t.Fatalf("expected 1 failure and 2 creates, got %+v", report)
	}
	failure := report.Failures[0]
	if failure.Action.Hostname != "web1.nyc.mydomain.net" {
		t.Errorf("unexpected failed action: %+v", failure.Action)
	}
	if !errors.Is(failure.Err, domain.ErrRecordApply) || !errors.Is(failure.Err, domain.ErrConnectivity) {
		t.Errorf("expected record apply error caused by connectivity, got %v", failure.Err)
	}
	if got := h.cf.byName("app.nyc.mydomain.net"); len(got) != 1 {
		t.Errorf("expected app to be created after a retry, got %v", got)
	}
	if got := h.cf.fail["web1.nyc.mydomain.net"]; got != 7 {
		t.Errorf("expected 3 attempts for web1, %d failures left", got)
	}
}

func TestSyncCloudflare_ProxmoxUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.pve.status = http.StatusUnauthorized

	_, err := h.reconciler.RunCycle(context.Background())
	if !errors.Is(err, domain.ErrConnectivity) {
		t.Fatalf("expected connectivity error, got %v", err)
	}
	h.cf.mu.Lock()
	defer h.cf.mu.Unlock()
	if len(h.cf.calls) != 0 {
		t.Errorf("expected no Cloudflare calls, got %v", h.cf.calls)
	}
	if h.reconciler.Ready() {
		t.Error("expected reconciler not to be ready")
	}
}

func TestSyncCloudflare_UnknownZone(t *testing.T) {
	h := newHarness(t)
	cfSrv := httptest.NewServer(h.cf)
	t.Cleanup(cfSrv.Close)
	provider, err := dns.NewProvider("cloudflare", logr.Discard(), map[string]string{
		"token":      "cf-token",
		"zone":       "unknown.net",
		"base_url":   cfSrv.URL + "/client/v4",
		"rate_limit": "1000",
	})
	if err != nil {
		t.Fatalf("cloudflare provider: %v", err)
	}
	h.reconciler.DNS = provider

	_, err = h.reconciler.RunCycle(context.Background())
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestSyncOPNsense_FullCycle(t *testing.T) {
	pve := &fakePVE{routes: clusterRoutes()}
	pveSrv := httptest.NewServer(pve)
	defer pveSrv.Close()
	opn := newFakeOPNsense()
	opnSrv := httptest.NewServer(opn)
	defer opnSrv.Close()

	id := opn.seed(hostOverride{Enabled: "1", Hostname: "db1", Domain: "nyc.mydomain.net", RR: "A", Server: "192.168.2.99"})

	log := logrtesting.NewTestLogger(t)
	client, err := proxmox.New(log, proxmox.Options{URL: pveSrv.URL, TokenName: "sync@pve!dns", Token: "secret", Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	provider, err := dns.NewProvider("opnsense", log, map[string]string{
		"base_url":   opnSrv.URL + "/api",
		"api_key":    "test-key",
		"api_secret": "test-secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	r := newSyncReconciler(t, log, client, provider)

	report, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Created != 2 || report.Updated != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}

	opn.mu.Lock()
	defer opn.mu.Unlock()
	if got := opn.store[id].Server; got != "192.168.2.7" {
		t.Errorf("expected db1 override updated in place, got %q", got)
	}
	if len(opn.store) != 3 {
		t.Errorf("expected 3 overrides, got %d", len(opn.store))
	}
	if !strings.Contains(opn.store[id].Description, "vmid 7") {
		t.Errorf("expected description to name the VMID, got %q", opn.store[id].Description)
	}
}

func TestSyncOPNsense_ReconfigureFailureCreatesOnce(t *testing.T) {
	pve := &fakePVE{routes: clusterRoutes()}
	pveSrv := httptest.NewServer(pve)
	defer pveSrv.Close()
	opn := newFakeOPNsense()
	opn.reconfigureStatus = http.StatusServiceUnavailable
	opnSrv := httptest.NewServer(opn)
	defer opnSrv.Close()

	log := logrtesting.NewTestLogger(t)
	client, err := proxmox.New(log, proxmox.Options{URL: pveSrv.URL, TokenName: "sync@pve!dns", Token: "secret", Concurrency: 2})
	if err != nil {
		t.Fatal(err)
	}
	provider, err := dns.NewProvider("opnsense", log, map[string]string{
		"base_url":   opnSrv.URL + "/api",
		"api_key":    "test-key",
		"api_secret": "test-secret",
	})
	if err != nil {
		t.Fatal(err)
	}
	r := newSyncReconciler(t, log, client, provider)

	report, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if report.Failed != 3 || report.Created != 0 {
		t.Fatalf("expected every create to fail once applied, got %+v", report)
	}
	for _, f := range report.Failures {
		if errors.Is(f.Err, domain.ErrConnectivity) {
			t.Errorf("expected %s not to be retried as transient: %v", f.Action.Hostname, f.Err)
		}
	}

	opn.mu.Lock()
	defer opn.mu.Unlock()
	if len(opn.store) != 3 {
		t.Errorf("expected one override per guest, got %d", len(opn.store))
	}
	adds := 0
	for _, c := range opn.calls {
		if c == "POST /api/unbound/settings/addHostOverride" {
			adds++
		}
	}
	if adds != 3 {
		t.Errorf("expected 3 add calls, got %d", adds)
	}
}

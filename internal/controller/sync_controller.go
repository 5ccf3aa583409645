package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"

	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/dns"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/domain"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/inventory"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/metrics"
	"github.com/yuriy-kovalchuk/pve-dns-sync/internal/plan"
)

// DefaultApplyBackoff is used for transient provider failures when
// SyncReconciler.Backoff is unset.
var DefaultApplyBackoff = wait.Backoff{
	Duration: 500 * time.Millisecond,
	Factor:   2,
	Jitter:   0.1,
	Steps:    4,
}

// Inventory lists the guests of one Proxmox node.
type Inventory interface {
	ListVMs(ctx context.Context, node string) ([]domain.VM, error)
}

// SyncReconciler mirrors the guests of a Proxmox cluster into a DNS zone.
type SyncReconciler struct {
	Log       logr.Logger
	Inventory Inventory
	Nodes     []string
	Resolver  *inventory.Resolver
	DNS       dns.Provider
	// Timeout bounds every collaborator call: one DNS request, or the whole
	// listing of one node including its per-guest address lookups. Zero
	// means no bound.
	Timeout time.Duration
	DryRun  bool
	Metrics *metrics.Metrics
	Backoff wait.Backoff

	ready atomic.Bool
}

// Failure is an action that could not be applied.
type Failure struct {
	Action plan.Action
	Err    error
}

// Report summarises one cycle.
type Report struct {
	CycleID   string
	Created   int
	Updated   int
	Unchanged int
	Skipped   int
	Failed    int
	Failures  []Failure
	DryRun    bool
	Duration  time.Duration
	Plan      *plan.Plan
}

// Ready reports whether the most recent cycle finished without a fatal error.
func (r *SyncReconciler) Ready() bool {
	return r.ready.Load()
}

// Start runs a cycle immediately and then every interval until ctx is
// cancelled. Cycles never overlap; cycle errors are logged and counted.
func (r *SyncReconciler) Start(ctx context.Context, interval time.Duration) {
	r.Log.Info("starting sync loop", "interval", interval.String(), "nodes", r.Nodes, "dryRun", r.DryRun)
	wait.UntilWithContext(ctx, func(ctx context.Context) {
		_, _ = r.RunCycle(ctx)
	}, interval)
	r.Log.Info("sync loop stopped")
}

// RunCycle performs one reconciliation pass. A returned error means the
// cycle was aborted before or while applying; per-record failures are only
// reported in the Report.
func (r *SyncReconciler) RunCycle(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{CycleID: uuid.NewString(), DryRun: r.DryRun}
	log := r.Log.WithValues("cycle", report.CycleID)

	err := r.runCycle(ctx, log, report)
	report.Duration = time.Since(start)

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFailed
	case report.Failed > 0:
		result = metrics.ResultPartial
	}
	r.Metrics.CycleFinished(result, report.Duration)
	r.ready.Store(err == nil)

	if err != nil {
		log.Error(err, "cycle failed", "duration", report.Duration.String())
		return report, err
	}
	log.Info("cycle finished",
		"created", report.Created,
		"updated", report.Updated,
		"unchanged", report.Unchanged,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"dryRun", report.DryRun,
		"duration", report.Duration.String())
	return report, nil
}

func (r *SyncReconciler) runCycle(ctx context.Context, log logr.Logger, report *Report) error {
	var vms []domain.VM
	for _, node := range r.Nodes {
		var nodeVMs []domain.VM
		err := r.call(ctx, "proxmox", "list guests", func(ctx context.Context) error {
			var err error
			nodeVMs, err = r.Inventory.ListVMs(ctx, node)
			return err
		})
		if err != nil {
			if !errors.Is(err, domain.ErrConnectivity) {
				err = domain.Connectivity("proxmox", "list guests", err)
			}
			return fmt.Errorf("listing guests on node %s: %w", node, err)
		}
		log.V(1).Info("listed guests", "node", node, "count", len(nodeVMs))
		vms = append(vms, nodeVMs...)
	}

	resolved, err := r.Resolver.Resolve(vms)
	if err != nil {
		return fmt.Errorf("resolving hosts: %w", err)
	}
	report.Skipped = len(resolved.Skipped)
	r.Metrics.Resolved(countSources(resolved.Hosts), countSkips(resolved.Skipped))

	var records []dns.Record
	err = r.call(ctx, "dns", "list", func(ctx context.Context) error {
		var err error
		records, err = r.DNS.List(ctx, r.Resolver.Suffix())
		return err
	})
	if err != nil {
		return fmt.Errorf("listing DNS records: %w", err)
	}
	log.V(1).Info("listed DNS records", "count", len(records))

	p, err := plan.Compute(resolved.Hosts, records)
	if err != nil {
		return fmt.Errorf("planning: %w", err)
	}
	report.Plan = p
	counts := p.Counts()
	report.Unchanged = counts[plan.KindNoop]

	if r.DryRun {
		report.Created = counts[plan.KindCreate]
		report.Updated = counts[plan.KindUpdate]
		log.Info("dry run, not applying plan", "plan", plan.Format(p))
		return nil
	}

	for _, action := range p.Changes() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("cycle interrupted: %w", err)
		}
		alog := log.WithValues("hostname", action.Hostname, "ip", action.IP.String(),
			"vmid", action.Host.VMID, "node", action.Host.Node)

		err := r.apply(ctx, action)
		r.Metrics.ActionApplied(string(action.Kind), err)
		if err != nil {
			alog.Error(err, "failed to apply record", "action", action.Kind)
			report.Failed++
			report.Failures = append(report.Failures, Failure{
				Action: action,
				Err:    fmt.Errorf("%w: %s %s: %w", domain.ErrRecordApply, action.Kind, action.Hostname, err),
			})
			continue
		}

		switch action.Kind {
		case plan.KindCreate:
			report.Created++
			alog.Info("created DNS record", "source", action.Host.Source)
		case plan.KindUpdate:
			report.Updated++
			alog.Info("updated DNS record", "previous", action.PreviousIP, "recordID", action.RecordID)
		}
	}
	return nil
}

// apply performs one create or update, retrying connectivity failures. A
// create is only sent again when the record is not already in the zone, since
// a timed out request may have been committed.
func (r *SyncReconciler) apply(ctx context.Context, action plan.Action) error {
	record := action.Record()
	record.Meta = map[string]string{
		"description": fmt.Sprintf("managed by pve-dns-sync (vmid %d on %s)", action.Host.VMID, action.Host.Node),
	}

	transient := func(err error) bool {
		return errors.Is(err, domain.ErrConnectivity) && ctx.Err() == nil
	}
	attempt := 0
	return retry.OnError(r.backoff(), transient, func() error {
		attempt++
		switch action.Kind {
		case plan.KindCreate:
			if attempt > 1 {
				exists, err := r.committed(ctx, action)
				if err != nil {
					return err
				}
				if exists {
					r.Log.V(1).Info("create was committed by an earlier attempt", "hostname", action.Hostname)
					return nil
				}
			}
			return r.call(ctx, "dns", "create", func(ctx context.Context) error {
				_, err := r.DNS.Create(ctx, record)
				return err
			})
		case plan.KindUpdate:
			return r.call(ctx, "dns", "update", func(ctx context.Context) error {
				return r.DNS.Update(ctx, record)
			})
		default:
			return fmt.Errorf("unexpected action kind %q", action.Kind)
		}
	})
}

// committed reports whether the zone already holds the A record a create
// action would write.
func (r *SyncReconciler) committed(ctx context.Context, action plan.Action) (bool, error) {
	var records []dns.Record
	err := r.call(ctx, "dns", "list", func(ctx context.Context) error {
		var err error
		records, err = r.DNS.List(ctx, r.Resolver.Suffix())
		return err
	})
	if err != nil {
		return false, err
	}
	for _, rec := range records {
		if dns.CanonicalHostname(rec.Hostname) != action.Hostname {
			continue
		}
		if ip := net.ParseIP(rec.Value); ip != nil && ip.Equal(action.IP) {
			return true, nil
		}
	}
	return false, nil
}

// call runs fn with the per-call timeout applied. A deadline hit inside fn is
// reported as a connectivity error of collaborator.
func (r *SyncReconciler) call(ctx context.Context, collaborator, op string, fn func(context.Context) error) error {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrConnectivity) {
		return domain.Connectivity(collaborator, op, err)
	}
	return err
}

func (r *SyncReconciler) backoff() wait.Backoff {
	if r.Backoff.Steps < 1 {
		return DefaultApplyBackoff
	}
	return r.Backoff
}

func countSources(hosts []domain.ResolvedHost) map[string]int {
	out := map[string]int{}
	for _, h := range hosts {
		out[string(h.Source)]++
	}
	return out
}

func countSkips(skipped []inventory.Skipped) map[string]int {
	out := map[string]int{}
	for _, s := range skipped {
		out[string(s.Reason)]++
	}
	return out
}

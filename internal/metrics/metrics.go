// Package metrics exposes reconciliation counters for Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pve_dns_sync"

// Cycle results.
const (
	ResultSuccess = "success"
	ResultPartial = "partial"
	ResultFailed  = "failed"
)

// Metrics holds the collectors updated by the reconciler. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	cycles      *prometheus.CounterVec
	actions     *prometheus.CounterVec
	hosts       *prometheus.GaugeVec
	skipped     *prometheus.GaugeVec
	duration    prometheus.Histogram
	lastSuccess prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Reconciliation cycles by result.",
		}, []string{"result"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "record_actions_total",
			Help:      "Applied DNS record actions by kind and outcome.",
		}, []string{"kind", "outcome"}),
		hosts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "resolved_hosts",
			Help:      "Hosts resolved in the last cycle by address source.",
		}, []string{"source"}),
		skipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "skipped_guests",
			Help:      "Guests left out of the last cycle by reason.",
		}, []string{"reason"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last cycle without a fatal error.",
		}),
	}
	reg.MustRegister(m.cycles, m.actions, m.hosts, m.skipped, m.duration, m.lastSuccess)
	return m
}

// CycleFinished records the outcome and duration of one cycle.
func (m *Metrics) CycleFinished(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.WithLabelValues(result).Inc()
	m.duration.Observe(d.Seconds())
	if result != ResultFailed {
		m.lastSuccess.SetToCurrentTime()
	}
}

// ActionApplied counts one applied (or failed) record action.
func (m *Metrics) ActionApplied(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.actions.WithLabelValues(kind, outcome).Inc()
}

// Resolved replaces the per-source host and per-reason skip gauges.
func (m *Metrics) Resolved(hostsBySource, skippedByReason map[string]int) {
	if m == nil {
		return
	}
	m.hosts.Reset()
	for source, n := range hostsBySource {
		m.hosts.WithLabelValues(source).Set(float64(n))
	}
	m.skipped.Reset()
	for reason, n := range skippedByReason {
		m.skipped.WithLabelValues(reason).Set(float64(n))
	}
}

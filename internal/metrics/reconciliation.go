package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Reconciliation holds the counters and histograms for the reconciliation
// core.
type Reconciliation struct {
	EventsIngested       *prometheus.CounterVec
	Violations           prometheus.Counter
	ViolationsSuppressed prometheus.Counter
	AutoApprovals        prometheus.Counter
	ExpiredRequests      prometheus.Counter
	ReconcileDuration    prometheus.Histogram
}

// NewReconciliation registers the reconciliation metrics with the given
// registerer. Tests pass a fresh prometheus.NewRegistry to avoid duplicate
// registration.
func NewReconciliation(reg prometheus.Registerer) *Reconciliation {
	factory := promauto.With(reg)

	return &Reconciliation{
		EventsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pgate",
				Subsystem: "reconciliation",
				Name:      "events_ingested_total",
				Help:      "Total access events ingested",
			},
			[]string{"action"},
		),
		Violations: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pgate",
				Subsystem: "reconciliation",
				Name:      "violations_total",
				Help:      "Total policy violations detected, covered or not",
			},
		),
		ViolationsSuppressed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pgate",
				Subsystem: "reconciliation",
				Name:      "violations_suppressed_total",
				Help:      "Violations suppressed by an applicable exception request",
			},
		),
		AutoApprovals: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pgate",
				Subsystem: "reconciliation",
				Name:      "auto_approvals_total",
				Help:      "Events auto-approved on recognition confidence",
			},
		),
		ExpiredRequests: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pgate",
				Subsystem: "reconciliation",
				Name:      "expired_requests_total",
				Help:      "Exception requests expired by the sweep",
			},
		),
		ReconcileDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "pgate",
				Subsystem: "reconciliation",
				Name:      "duration_seconds",
				Help:      "End-to-end reconciliation latency",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
			},
		),
	}
}

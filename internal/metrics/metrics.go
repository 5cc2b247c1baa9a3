// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "karma"

// Metrics groups every collector. Components receive it explicitly.
type Metrics struct {
	// Awards counts award calls by domain and outcome
	// (created, replayed, rejected).
	Awards *prometheus.CounterVec

	// Rejections counts ledger writes refused by policy, by error kind.
	Rejections *prometheus.CounterVec

	Reversals prometheus.Counter
	Flags     prometheus.Counter

	// LedgerOpDuration tracks ledger operation latency.
	LedgerOpDuration *prometheus.HistogramVec

	// Cache counts derived-cache lookups by value kind and result
	// (hit, miss, error). Recompute enqueues report under kind "recompute"
	// (dropped, error).
	Cache *prometheus.CounterVec

	DecayCompensations prometheus.Counter
	TrustSnapshots     prometheus.Counter
	Jobs               *prometheus.CounterVec

	// Notifications counts outbound deliveries by result (sent, failed).
	Notifications *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New registers all collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Awards: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "awards_total",
			Help:      "Award calls by domain and outcome",
		}, []string{"domain", "outcome"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Ledger writes refused, by error kind",
		}, []string{"kind"}),
		Reversals: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reversals_total",
			Help:      "Reversal entries appended",
		}),
		Flags: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evidence_flags_total",
			Help:      "Evidence flag events recorded",
		}),
		LedgerOpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_op_duration_seconds",
			Help:      "Ledger operation duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"op"}),
		Cache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "derived_cache_requests_total",
			Help:      "Derived cache lookups by kind and result",
		}, []string{"kind", "result"}),
		DecayCompensations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decay_compensations_total",
			Help:      "Decay compensation entries appended",
		}),
		TrustSnapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_snapshots_total",
			Help:      "Trust snapshots persisted",
		}),
		Jobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Background jobs by kind and result",
		}, []string{"kind", "result"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Outbound notifications by result",
		}, []string{"result"}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// NewNop returns collectors registered nowhere, for tests and tools that do
// not expose /metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// Package telemetry holds the Prometheus metrics shared across SDK components.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the SDK.
// Pass to components that need to record metrics.
type Metrics struct {
	PolicyEvaluations  *prometheus.CounterVec
	PolicyEvalDuration prometheus.Histogram

	EventsPublished prometheus.Counter
	EventsFailed    prometheus.Counter
	EventsDropped   prometheus.Counter
	EventBufferSize prometheus.Gauge

	SyncTotal  prometheus.Counter
	SyncErrors prometheus.Counter

	RPCRequests *prometheus.CounterVec
	RPCDuration *prometheus.HistogramVec

	PermissionCacheHits   prometheus.Counter
	PermissionCacheMisses prometheus.Counter
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		PolicyEvaluations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "policy_evaluations_total",
				Help:      "Total local policy evaluations",
			},
			[]string{"decision"},
		),
		PolicyEvalDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "agion",
				Name:      "policy_eval_duration_seconds",
				Help:      "Local policy evaluation duration in seconds",
				Buckets:   []float64{.0001, .00025, .0005, .001, .0025, .005, .01},
			},
		),
		EventsPublished: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "events_published_total",
				Help:      "Total events written to the log substrate",
			},
		),
		EventsFailed: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "events_failed_total",
				Help:      "Total events whose batch write failed",
			},
		),
		EventsDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "events_dropped_total",
				Help:      "Total events evicted from the full buffer",
			},
		),
		EventBufferSize: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "agion",
				Name:      "event_buffer_size",
				Help:      "Current depth of the event buffer",
			},
		),
		SyncTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "policy_sync_total",
				Help:      "Total successful policy refreshes",
			},
		),
		SyncErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "policy_sync_errors_total",
				Help:      "Total failed policy refreshes",
			},
		),
		RPCRequests: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "governance_rpc_total",
				Help:      "Total governance RPC calls",
			},
			[]string{"type", "outcome"}, // outcome=ok/timeout/transport_error
		),
		RPCDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "agion",
				Name:      "governance_rpc_duration_seconds",
				Help:      "Governance RPC round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		PermissionCacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "permission_cache_hits_total",
				Help:      "Permission checks served from the local cache",
			},
		),
		PermissionCacheMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "agion",
				Name:      "permission_cache_misses_total",
				Help:      "Permission checks that called through to the governance service",
			},
		),
	}
}

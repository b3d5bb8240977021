// Package metrics provides Prometheus metrics for the data access layer.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Load metrics
	LoadsTotal   *prometheus.CounterVec
	LoadDuration *prometheus.HistogramVec
	RowsLoaded   *prometheus.HistogramVec
	Superseded   *prometheus.CounterVec

	// Stream metrics
	PageRequests *prometheus.CounterVec
	Probes       *prometheus.CounterVec

	// Fallback metrics
	FallbackActivations *prometheus.CounterVec
	SimulatorFetches    *prometheus.CounterVec

	// Cache metrics
	DurableCacheOps *prometheus.CounterVec

	registry *prometheus.Registry
}

// New registers all collectors on a fresh registry under namespace.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gridlens"
	}
	reg := prometheus.NewRegistry()
	m := NewWith(reg, namespace)
	m.registry = reg
	return m
}

// NewWith registers all collectors on reg.
func NewWith(reg prometheus.Registerer, namespace string) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		LoadsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_total",
				Help:      "Total number of completed dataset loads by final source and outcome",
			},
			[]string{"dataset", "source", "outcome"},
		),
		LoadDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_duration_seconds",
				Help:      "Time from load start to commit",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
			},
			[]string{"dataset", "source"},
		),
		RowsLoaded: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rows_loaded",
				Help:      "Number of rows committed per load",
				Buckets:   prometheus.ExponentialBuckets(10, 2, 14), // 10 to ~80k
			},
			[]string{"dataset", "source"},
		),
		Superseded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "superseded_loads_total",
				Help:      "Loads discarded because a newer load for the same dataset started",
			},
			[]string{"dataset"},
		),
		PageRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "page_requests_total",
				Help:      "Gateway requests by dataset, candidate path, and outcome",
			},
			[]string{"dataset", "candidate", "outcome"},
		),
		Probes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probes_total",
				Help:      "Manifest probes by dataset and outcome",
			},
			[]string{"dataset", "outcome"},
		),
		FallbackActivations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_activations_total",
				Help:      "Loads served from fallback data by reason",
			},
			[]string{"dataset", "reason"},
		),
		SimulatorFetches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "simulator_fetches_total",
				Help:      "Static sample fetches by dataset and outcome (hit, miss, error)",
			},
			[]string{"dataset", "outcome"},
		),
		DurableCacheOps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "durable_cache_operations_total",
				Help:      "Durable cache operations by kind and outcome",
			},
			[]string{"operation", "outcome"},
		),
	}
}

// Handler serves the metrics registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// IncLoad records a finished load.
func (m *Metrics) IncLoad(dataset, source, outcome string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(dataset, source, outcome).Inc()
}

// ObserveLoad records duration and row count for a committed load.
func (m *Metrics) ObserveLoad(dataset, source string, seconds float64, rows int) {
	if m == nil {
		return
	}
	m.LoadDuration.WithLabelValues(dataset, source).Observe(seconds)
	m.RowsLoaded.WithLabelValues(dataset, source).Observe(float64(rows))
}

// IncSuperseded records a discarded load result.
func (m *Metrics) IncSuperseded(dataset string) {
	if m == nil {
		return
	}
	m.Superseded.WithLabelValues(dataset).Inc()
}

// IncPageRequest records one candidate attempt.
func (m *Metrics) IncPageRequest(dataset, candidate, outcome string) {
	if m == nil {
		return
	}
	m.PageRequests.WithLabelValues(dataset, candidate, outcome).Inc()
}

// IncProbe records a manifest probe.
func (m *Metrics) IncProbe(dataset, outcome string) {
	if m == nil {
		return
	}
	m.Probes.WithLabelValues(dataset, outcome).Inc()
}

// IncFallback records a fallback activation.
func (m *Metrics) IncFallback(dataset, reason string) {
	if m == nil {
		return
	}
	m.FallbackActivations.WithLabelValues(dataset, reason).Inc()
}

// IncSimulatorFetch records a simulator cache lookup or fetch.
func (m *Metrics) IncSimulatorFetch(dataset, outcome string) {
	if m == nil {
		return
	}
	m.SimulatorFetches.WithLabelValues(dataset, outcome).Inc()
}

// IncDurableCache records a durable cache operation.
func (m *Metrics) IncDurableCache(operation, outcome string) {
	if m == nil {
		return
	}
	m.DurableCacheOps.WithLabelValues(operation, outcome).Inc()
}

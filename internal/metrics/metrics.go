package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomePartial = "partial"
	OutcomeFailure = "failure"
)

// Metrics holds the marketplace collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	catalogLoads      *prometheus.CounterVec
	metadataFailures  prometheus.Counter
	staleDiscards     *prometheus.CounterVec
	purchases         *prometheus.CounterVec
	catalogLoadTiming *prometheus.HistogramVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &Metrics{
		registry: registry,
		catalogLoads: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_catalog_loads_total",
			Help: "View rebuilds by view and outcome.",
		}, []string{"view", "outcome"}),
		metadataFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "marketplace_metadata_fetch_failures_total",
			Help: "Per-item metadata resolutions that failed.",
		}),
		staleDiscards: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_stale_rebuilds_discarded_total",
			Help: "Rebuild results dropped because a newer rebuild started.",
		}, []string{"view"}),
		purchases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "marketplace_purchases_total",
			Help: "Purchase attempts by terminal state.",
		}, []string{"outcome"}),
		catalogLoadTiming: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marketplace_catalog_load_duration_seconds",
			Help:    "View rebuild latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"view"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveLoad records one view rebuild.
func (m *Metrics) ObserveLoad(view, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.catalogLoads.WithLabelValues(view, outcome).Inc()
	m.catalogLoadTiming.WithLabelValues(view).Observe(elapsed.Seconds())
}

// AddMetadataFailures counts failed per-item metadata resolutions.
func (m *Metrics) AddMetadataFailures(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.metadataFailures.Add(float64(count))
}

// StaleDiscarded counts a dropped rebuild result.
func (m *Metrics) StaleDiscarded(view string) {
	if m == nil {
		return
	}
	m.staleDiscards.WithLabelValues(view).Inc()
}

// PurchaseFinished counts a purchase attempt by its terminal state.
func (m *Metrics) PurchaseFinished(outcome string) {
	if m == nil {
		return
	}
	m.purchases.WithLabelValues(outcome).Inc()
}

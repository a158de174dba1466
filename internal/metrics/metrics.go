// Package metrics exposes the cache's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "imagenary"

// Metrics holds Prometheus metrics for the generation cache. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	lookupsTotal     *prometheus.CounterVec
	generationsTotal *prometheus.CounterVec
	errorsTotal      *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	storeFailures    *prometheus.CounterVec
	coalescedTotal   prometheus.Counter
	stageDuration    *prometheus.HistogramVec
	hitSimilarity    prometheus.Histogram
	reindexedTotal   *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Cache lookups by outcome (hit, miss)",
			},
			[]string{"outcome"},
		),
		generationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generations_total",
				Help:      "Generator calls by status",
			},
			[]string{"status"},
		),
		errorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Failed generate requests by error kind",
			},
			[]string{"kind"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retried provider calls by stage",
			},
			[]string{"stage"},
		),
		storeFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_failures_total",
				Help:      "Generated artifacts that could not be persisted or indexed",
			},
			[]string{"step"},
		),
		coalescedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coalesced_requests_total",
				Help:      "Requests that shared an in-flight generation",
			},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of cache pipeline stages",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		hitSimilarity: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "hit_similarity",
				Help:      "Cosine similarity of cache hits",
				Buckets:   []float64{0.8, 0.85, 0.9, 0.95, 0.98, 0.99, 1},
			},
		),
		reindexedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reindexed_records_total",
				Help:      "Records processed by reconciliation by result",
			},
			[]string{"result"},
		),
	}

	reg.MustRegister(
		m.lookupsTotal,
		m.generationsTotal,
		m.errorsTotal,
		m.retriesTotal,
		m.storeFailures,
		m.coalescedTotal,
		m.stageDuration,
		m.hitSimilarity,
		m.reindexedTotal,
	)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (m *Metrics) CacheHit(similarity float64) {
	if m == nil {
		return
	}
	m.lookupsTotal.WithLabelValues("hit").Inc()
	m.hitSimilarity.Observe(similarity)
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.lookupsTotal.WithLabelValues("miss").Inc()
}

func (m *Metrics) Generation(status string) {
	if m == nil {
		return
	}
	m.generationsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) Error(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) Retry(stage string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) StoreFailure(step string) {
	if m == nil {
		return
	}
	m.storeFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.coalescedTotal.Inc()
}

// ObserveStage records how long a pipeline stage took since start.
func (m *Metrics) ObserveStage(stage string, start time.Time) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Reindexed(result string) {
	if m == nil {
		return
	}
	m.reindexedTotal.WithLabelValues(result).Inc()
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the service.
type Metrics struct {
	requestsTotal     *prometheus.CounterVec
	dispatchDuration  *prometheus.HistogramVec
	inferenceDuration *prometheus.HistogramVec
	assetsAcquired    prometheus.Counter
	assetsReleased    prometheus.Counter
	assetErrors       *prometheus.CounterVec
	assetsLive        prometheus.Gauge
	modelLoads        *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a metrics set on its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_calorie_requests_total",
				Help: "Requests handled by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "food_calorie_dispatch_duration_seconds",
				Help:    "End-to-end upload dispatch latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		inferenceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "food_calorie_inference_duration_seconds",
				Help:    "Backend prediction latency",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"backend", "outcome"},
		),
		assetsAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "food_calorie_temp_assets_acquired_total",
			Help: "Temporary assets written",
		}),
		assetsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "food_calorie_temp_assets_released_total",
			Help: "Temporary assets reclaimed",
		}),
		assetErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_calorie_temp_asset_errors_total",
				Help: "Temporary asset storage failures by phase",
			},
			[]string{"phase"},
		),
		assetsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "food_calorie_temp_assets_live",
			Help: "Temporary assets currently held by in-flight requests",
		}),
		modelLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_calorie_model_loads_total",
				Help: "Model artifact load attempts by result",
			},
			[]string{"result"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "food_calorie_estimate_cache_lookups_total",
				Help: "Estimate cache lookups by result",
			},
			[]string{"result"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.dispatchDuration,
		m.inferenceDuration,
		m.assetsAcquired,
		m.assetsReleased,
		m.assetErrors,
		m.assetsLive,
		m.modelLoads,
		m.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// All recorders below are nil-safe so components can run without metrics.

func (m *Metrics) RecordRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveDispatch(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveInference(backend, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.inferenceDuration.WithLabelValues(backend, outcome).Observe(d.Seconds())
}

func (m *Metrics) AssetAcquired() {
	if m == nil {
		return
	}
	m.assetsAcquired.Inc()
	m.assetsLive.Inc()
}

func (m *Metrics) AssetReleased() {
	if m == nil {
		return
	}
	m.assetsReleased.Inc()
	m.assetsLive.Dec()
}

func (m *Metrics) AssetError(phase string) {
	if m == nil {
		return
	}
	m.assetErrors.WithLabelValues(phase).Inc()
}

func (m *Metrics) ModelLoad(result string) {
	if m == nil {
		return
	}
	m.modelLoads.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// AssetReleaseFailed drops the handle from the live gauge while counting the orphaned file.
func (m *Metrics) AssetReleaseFailed() {
	if m == nil {
		return
	}
	m.assetErrors.WithLabelValues("release").Inc()
	m.assetsLive.Dec()
}

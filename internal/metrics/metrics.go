// Package metrics collects NANO runtime observability data and exposes it
// in Prometheus text format for the HTTP dispatcher's /metrics endpoint.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// defaultBuckets covers sub-millisecond handler invocations up through a
// watchdog-terminated multi-second request.
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics wraps the Prometheus collectors for one NANO process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeRequests  prometheus.Gauge
	appsLoaded      prometheus.Gauge
	drainEvents     prometheus.Counter
	uptime          prometheus.GaugeFunc
}

// New creates a Metrics instance with all collectors registered under the
// given namespace (e.g. "nano").
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()

	m := &Metrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total requests dispatched to apps, by hostname and status class",
			},
			[]string{"hostname", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Request handling latency in milliseconds, by hostname",
				Buckets:   defaultBuckets,
			},
			[]string{"hostname"},
		),

		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Requests currently in flight across all apps",
		}),

		appsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "apps_loaded",
			Help:      "Number of apps currently loaded in the registry",
		}),

		drainEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drain_events_total",
			Help:      "Number of app drain operations started",
		}),
	}

	m.uptime = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started",
	}, func() float64 {
		return time.Since(start).Seconds()
	})

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.appsLoaded,
		m.drainEvents,
		m.uptime,
	)

	return m
}

// RecordRequest records one completed request's status class and latency.
func (m *Metrics) RecordRequest(hostname string, statusClass string, d time.Duration) {
	m.requestsTotal.WithLabelValues(hostname, statusClass).Inc()
	m.requestDuration.WithLabelValues(hostname).Observe(float64(d.Milliseconds()))
}

// RequestStarted increments the in-flight request gauge.
func (m *Metrics) RequestStarted() {
	m.activeRequests.Inc()
}

// RequestFinished decrements the in-flight request gauge.
func (m *Metrics) RequestFinished() {
	m.activeRequests.Dec()
}

// SetAppsLoaded records the current number of apps in the registry.
func (m *Metrics) SetAppsLoaded(n int) {
	m.appsLoaded.Set(float64(n))
}

// RecordDrain increments the drain-events counter.
func (m *Metrics) RecordDrain() {
	m.drainEvents.Inc()
}

// Handler returns an http.Handler that serves the registry in Prometheus
// text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status code into the label NANO's metrics
// use ("2xx", "4xx", "5xx", ...).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "1xx"
	}
}

// Package metrics exposes Prometheus counters and histograms for environment
// lifecycle outcomes and HTTP traffic.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/web-casa/dad/internal/event"
	"github.com/web-casa/dad/internal/model"
)

const namespace = "dad"

var (
	httpBuckets   = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	createBuckets = []float64{1, 5, 10, 30, 60, 120, 300, 600}
)

// Metrics owns a private registry so tests and multiple instances never clash
// on the global one.
type Metrics struct {
	registry        *prometheus.Registry
	transitions     *prometheus.CounterVec
	createDuration  *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "environment_transitions_total",
			Help:      "Environment status transitions by target status",
		}, []string{"status"}),
		createDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "environment_create_duration_seconds",
			Help:      "Time from create request to running or error",
			Buckets:   createBuckets,
		}, []string{"outcome"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   httpBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		m.transitions,
		m.createDuration,
		m.requestTotal,
		m.requestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing the handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attach counts lifecycle transitions published on bus.
func (m *Metrics) Attach(bus *event.Bus) {
	bus.Subscribe(event.EnvironmentStatusChanged, m.Observe)
}

// Observe records one status change. The terminal transition of a create also
// feeds the create duration histogram.
func (m *Metrics) Observe(e event.Event) {
	m.transitions.WithLabelValues(string(e.Status)).Inc()
	if e.Previous == model.StatusCreating && e.Duration > 0 {
		m.createDuration.WithLabelValues(string(e.Status)).Observe(e.Duration.Seconds())
	}
}

// Middleware records request count and latency per matched route.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		labels := prometheus.Labels{
			"method": c.Request.Method,
			"route":  route,
			"status": strconv.Itoa(c.Writer.Status()),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters/histograms for dispatch, cache, and
// the local dev HTTP server. Scoped to this core's actual surface — the
// teacher's larger RAG/session/tool metric families have no analog here.
type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	dispatchErrors   *prometheus.CounterVec

	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics builds a Metrics instance registered against a fresh registry.
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "requests_total",
		Help: "Total dispatched requests by agent id.",
	}, []string{"agent_id"})

	m.dispatchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "duration_seconds",
		Help:    "Dispatch request duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"agent_id"})

	m.dispatchErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "dispatch", Name: "errors_total",
		Help: "Total dispatch failures by error kind.",
	}, []string{"agent_id", "kind"})

	m.cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "Response cache hits.",
	})
	m.cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "Response cache misses.",
	})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "http", Name: "requests_total",
		Help: "Total HTTP requests by path and status.",
	}, []string{"method", "path", "status"})

	m.httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "http", Name: "duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	m.registry.MustRegister(
		m.dispatchTotal, m.dispatchDuration, m.dispatchErrors,
		m.cacheHits, m.cacheMisses,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// RecordDispatch records one completed dispatch invocation.
func (m *Metrics) RecordDispatch(agentID string, duration time.Duration, errKind string) {
	m.dispatchTotal.WithLabelValues(agentID).Inc()
	m.dispatchDuration.WithLabelValues(agentID).Observe(duration.Seconds())
	if errKind != "" {
		m.dispatchErrors.WithLabelValues(agentID, errKind).Inc()
	}
}

// RecordCacheOutcome increments the hit or miss counter.
func (m *Metrics) RecordCacheOutcome(hit bool) {
	if hit {
		m.cacheHits.Inc()
		return
	}
	m.cacheMisses.Inc()
}

// RecordHTTPRequest records one completed HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := http.StatusText(status)
	if statusStr == "" {
		statusStr = "unknown"
	}
	m.httpRequests.WithLabelValues(method, path, statusStr).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

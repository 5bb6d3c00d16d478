package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one connector process. All
// observation methods are safe on a nil receiver so instrumentation stays
// optional for callers and tests.
type Metrics struct {
	registry *prometheus.Registry

	apiRequests        *prometheus.CounterVec
	apiRetries         *prometheus.CounterVec
	pagesFetched       *prometheus.CounterVec
	rowsWritten        *prometheus.CounterVec
	watermarkAdvances  *prometheus.CounterVec
	extractionDuration *prometheus.HistogramVec
}

// New creates a metrics set registered on a private registry.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Upstream API requests by path and status class.",
		}, []string{"path", "status"}),
		apiRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_retries_total",
			Help:      "Retried upstream API requests by path.",
		}, []string{"path"}),
		pagesFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Pages consumed from paginated endpoints by path.",
		}, []string{"path"}),
		rowsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_written_total",
			Help:      "Records handed to the sink by entity and write mode.",
		}, []string{"entity", "mode"}),
		watermarkAdvances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "watermark_advances_total",
			Help:      "Successful watermark advancements by entity.",
		}, []string{"entity"}),
		extractionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "extraction_duration_seconds",
			Help:      "Wall-clock duration of one entity extraction.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"entity", "mode"}),
	}

	m.registry.MustRegister(
		m.apiRequests,
		m.apiRetries,
		m.pagesFetched,
		m.rowsWritten,
		m.watermarkAdvances,
		m.extractionDuration,
	)
	return m
}

// ObserveRequest counts one upstream request outcome.
func (m *Metrics) ObserveRequest(path string, status int) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(path, statusClass(status)).Inc()
}

// ObserveRetry counts one retried request.
func (m *Metrics) ObserveRetry(path string) {
	if m == nil {
		return
	}
	m.apiRetries.WithLabelValues(path).Inc()
}

// ObservePage counts one consumed page.
func (m *Metrics) ObservePage(path string) {
	if m == nil {
		return
	}
	m.pagesFetched.WithLabelValues(path).Inc()
}

// ObserveRows counts records handed to the sink.
func (m *Metrics) ObserveRows(entity, mode string, rows int) {
	if m == nil {
		return
	}
	m.rowsWritten.WithLabelValues(entity, mode).Add(float64(rows))
}

// ObserveWatermarkAdvance counts one watermark advancement.
func (m *Metrics) ObserveWatermarkAdvance(entity string) {
	if m == nil {
		return
	}
	m.watermarkAdvances.WithLabelValues(entity).Inc()
}

// ObserveExtraction records the duration of one entity extraction.
func (m *Metrics) ObserveExtraction(entity, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.extractionDuration.WithLabelValues(entity, mode).Observe(d.Seconds())
}

// Handler exposes the private registry for scraping.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusClass buckets HTTP statuses so the counter cardinality stays flat.
func statusClass(status int) string {
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
		return "unknown"
	}
}

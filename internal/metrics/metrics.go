package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes service metrics for Prometheus. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry            *prometheus.Registry
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	brokerMessages      *prometheus.CounterVec
	brokerConnected     prometheus.Gauge
	trays               *prometheus.CounterVec
	upserts             *prometheus.CounterVec
	upsertDuration      prometheus.Histogram
}

// New creates a fresh registry with every metric registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolsync",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests served",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "spoolsync",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	brokerMessages := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolsync",
		Name:      "broker_messages_total",
		Help:      "Printer report messages by outcome",
	}, []string{"outcome"})

	brokerConnected := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "spoolsync",
		Name:      "broker_connected",
		Help:      "1 while the printer broker session is connected",
	})

	trays := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolsync",
		Name:      "ingested_trays_total",
		Help:      "AMS tray entries seen by ingestion, by outcome",
	}, []string{"outcome"})

	upserts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "spoolsync",
		Name:      "filament_upserts_total",
		Help:      "Reconciliation upserts by result",
	}, []string{"result"})

	upsertDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "spoolsync",
		Name:      "filament_upsert_duration_seconds",
		Help:      "Duration of reconciliation upserts",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		brokerMessages,
		brokerConnected,
		trays,
		upserts,
		upsertDuration,
	)

	return &Metrics{
		registry:            registry,
		httpRequests:        httpRequests,
		httpRequestDuration: httpRequestDuration,
		brokerMessages:      brokerMessages,
		brokerConnected:     brokerConnected,
		trays:               trays,
		upserts:             upserts,
		upsertDuration:      upsertDuration,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// IncBrokerMessage counts a report message. Outcomes used by the broker
// manager are received, undecodable, ignored, dropped, forwarded and failed.
func (m *Metrics) IncBrokerMessage(outcome string) {
	if m == nil {
		return
	}
	m.brokerMessages.WithLabelValues(outcome).Inc()
}

// SetBrokerConnected flips the connection gauge.
func (m *Metrics) SetBrokerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.brokerConnected.Set(1)
		return
	}
	m.brokerConnected.Set(0)
}

// AddTrays counts tray entries by ingestion outcome.
func (m *Metrics) AddTrays(updated, skipped, failed int) {
	if m == nil {
		return
	}
	m.trays.WithLabelValues("updated").Add(float64(updated))
	m.trays.WithLabelValues("skipped").Add(float64(skipped))
	m.trays.WithLabelValues("failed").Add(float64(failed))
}

// ObserveUpsert records one reconciliation upsert.
func (m *Metrics) ObserveUpsert(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.upserts.WithLabelValues(result).Inc()
	m.upsertDuration.Observe(duration.Seconds())
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Search result kinds
const (
	ResultEntry     = "entry"
	ResultReference = "reference"
)

var (
	operationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldapgate_operations_total",
			Help: "Total number of LDAP operations by operation and final status",
		}, []string{"op", "status"},
	)

	operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ldapgate_operation_duration_seconds",
			Help:    "Time spent dispatching an LDAP operation to the backend",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"},
	)

	backendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldapgate_backend_errors_total",
			Help: "Backend failures downgraded to operationsError, by operation and failure kind",
		}, []string{"op", "kind"},
	)

	searchResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ldapgate_search_results_total",
			Help: "Search results sent to clients, by kind",
		}, []string{"kind"},
	)

	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ldapgate_sessions_active",
			Help: "Number of connections holding a backend session",
		},
	)
)

// ObserveOperation records the outcome and latency of one operation
func ObserveOperation(op, status string, started time.Time) {
	operationsTotal.WithLabelValues(op, status).Inc()
	operationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// BackendError counts a backend failure of the given kind
func BackendError(op, kind string) {
	backendErrorsTotal.WithLabelValues(op, kind).Inc()
}

// SearchResult counts an emitted search entry or reference
func SearchResult(kind string) {
	searchResultsTotal.WithLabelValues(kind).Inc()
}

// SetSessionsActive updates the active session gauge
func SetSessionsActive(n int) {
	sessionsActive.Set(float64(n))
}

// Handler serves the default registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}

// Package metrics exposes Prometheus instrumentation for the platform. A
// private registry keeps the scrape surface limited to our own collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_http_requests_total",
			Help: "HTTP requests by route, method and status code.",
		},
		[]string{"route", "method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadline_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	ledgerTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_ledger_transactions_total",
			Help: "Ledger transactions applied, by kind.",
		},
		[]string{"kind"},
	)

	ledgerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_ledger_rejections_total",
			Help: "Ledger mutations rejected, by reason.",
		},
		[]string{"reason"},
	)

	escrowEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_escrow_events_total",
			Help: "Escrow lifecycle events, by event.",
		},
		[]string{"event"},
	)

	paymentEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_payment_events_total",
			Help: "Payment intent events, by event.",
		},
		[]string{"event"},
	)

	workflowActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_workflow_actions_total",
			Help: "Guarded workflow actions, by action and outcome.",
		},
		[]string{"action", "outcome"},
	)
)

func init() {
	registry.MustRegister(
		httpRequests,
		httpDuration,
		ledgerTransactions,
		ledgerRejections,
		escrowEvents,
		paymentEvents,
		workflowActions,
	)
}

// Handler returns the scrape endpoint for the private registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordLedgerTransaction counts an applied ledger transaction.
func RecordLedgerTransaction(kind string) {
	ledgerTransactions.WithLabelValues(kind).Inc()
}

// RecordLedgerRejection counts a rejected ledger mutation.
func RecordLedgerRejection(reason string) {
	ledgerRejections.WithLabelValues(reason).Inc()
}

// RecordEscrowEvent counts an escrow lifecycle event.
func RecordEscrowEvent(event string) {
	escrowEvents.WithLabelValues(event).Inc()
}

// RecordPaymentEvent counts a payment intent event.
func RecordPaymentEvent(event string) {
	paymentEvents.WithLabelValues(event).Inc()
}

// RecordWorkflowAction counts a guarded workflow action outcome.
func RecordWorkflowAction(action, outcome string) {
	workflowActions.WithLabelValues(action, outcome).Inc()
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps a handler with request count and latency metrics.
func InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

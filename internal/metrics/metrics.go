// Package metrics provides Prometheus instrumentation for the futures engine.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ContractsTotal counts contract lifecycle events, partitioned by crop
	// and event (bought, exercised, expired).
	ContractsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_contracts_total",
		Help: "Futures contract lifecycle events",
	}, []string{"crop", "event"})

	// PremiumVolume tracks cumulative premiums collected per crop.
	PremiumVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_premium_volume_total",
		Help: "Cumulative premiums collected",
	}, []string{"crop"})

	// PayoutVolume tracks cumulative payouts credited per crop.
	PayoutVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_payout_volume_total",
		Help: "Cumulative payouts credited",
	}, []string{"crop"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agri_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// OraclePrices counts oracle lookups by where the price came from
	// (cache, live, simulated).
	OraclePrices = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_oracle_prices_total",
		Help: "Oracle price lookups by source",
	}, []string{"source"})

	// AdaptorFailures counts external adaptor failures by adaptor and stage.
	AdaptorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_adaptor_failures_total",
		Help: "External adaptor failures",
	}, []string{"adaptor", "stage"})

	// ReconciliationFlags counts external effects left without a local record.
	ReconciliationFlags = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_reconciliation_flags_total",
		Help: "Reconciliation flags raised",
	}, []string{"kind"})

	// SMSCommands counts inbound SMS by parsed command and reply language.
	SMSCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_sms_commands_total",
		Help: "Inbound SMS commands",
	}, []string{"command", "language"})

	// SMSSendFailures counts outbound replies the gateway rejected.
	SMSSendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agri_sms_send_failures_total",
		Help: "Outbound SMS replies that failed to send",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agri_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agri_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agri_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"method", "path"})
)

// ObserveSince records the latency of an operation started at start.
func ObserveSince(operation string, start time.Time) {
	OperationLatency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality
		// from phone numbers in the URL.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over connections routed through
// the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

// Package metrics provides Prometheus instrumentation for the
// reconciliation engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MatchesTotal counts successfully created contract matches.
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_matches_total",
		Help: "Total contract matches created",
	})

	// MatchRejections counts rejected match attempts by reason.
	MatchRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_match_rejections_total",
		Help: "Match attempts rejected, by reason",
	}, []string{"reason"})

	// ConcurrencyRetries counts optimistic-update retries by operation.
	ConcurrencyRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_concurrency_retries_total",
		Help: "Optimistic concurrency retries",
	}, []string{"op"})

	// AggregationDuration tracks net position aggregation latency.
	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "recon_aggregation_duration_seconds",
		Help:    "Net position aggregation duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// BucketsMissingPrice counts aggregation buckets downgraded for lack
	// of a market price.
	BucketsMissingPrice = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recon_buckets_missing_price_total",
		Help: "Aggregation buckets flagged with a missing market price",
	})

	// MTMOutcomes counts mark-to-market position outcomes.
	MTMOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_mtm_positions_total",
		Help: "Mark-to-market position updates, by outcome",
	}, []string{"outcome"})

	// HedgeDesignations counts designation lifecycle events.
	HedgeDesignations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_hedge_designations_total",
		Help: "Hedge designation events, by action",
	}, []string{"action"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "recon_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recon_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recon_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label; route cardinality is small.
		path := r.URL.Path
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

// Package metrics provides Prometheus instrumentation for the battle engine.
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
	// BattlesStarted counts battles that entered the Human phase.
	BattlesStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockfighter_battles_started_total",
		Help: "Total number of battles started",
	})

	// BattlesCompleted counts completed battles, partitioned by winner.
	BattlesCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockfighter_battles_completed_total",
		Help: "Total number of battles completed",
	}, []string{"winner"})

	// TradesExecuted counts accepted trades by participant and side.
	TradesExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockfighter_trades_executed_total",
		Help: "Total number of trades executed",
	}, []string{"participant", "side"})

	// TradesRejected counts rejected trade intents by reason.
	TradesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockfighter_trades_rejected_total",
		Help: "Trade intents rejected by validation or phase gating",
	}, []string{"reason"})

	// ActiveBattles tracks the number of live battle sessions.
	ActiveBattles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockfighter_active_battles",
		Help: "Number of currently live battle sessions",
	})

	// SimulationFallbacks counts robo-advisor external calls that fell back
	// to the local growth formula.
	SimulationFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stockfighter_simulation_fallbacks_total",
		Help: "Robo-advisor projections served by the local fallback formula",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stockfighter_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stockfighter_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stockfighter_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low.
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

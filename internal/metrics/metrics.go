// Package metrics provides Prometheus instrumentation for the wager engine.
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
	// StakesTotal counts accepted stakes by outcome.
	StakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_stakes_total",
		Help: "Total number of stakes accepted",
	}, []string{"outcome"})

	// StakeRejections counts rejected stake requests by error kind.
	StakeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_stake_rejections_total",
		Help: "Stake requests rejected",
	}, []string{"reason"})

	// StakeVolume tracks cumulative gross stake amount per outcome.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_stake_volume_total",
		Help: "Cumulative gross amount staked",
	}, []string{"outcome"})

	// FeesCollected tracks cumulative fees by kind (house, referral).
	FeesCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_fees_collected_total",
		Help: "Cumulative fees withheld from stakes",
	}, []string{"kind"})

	// PoolSize is the current net pool per outcome.
	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wager_pool_size",
		Help: "Net amount pooled on each outcome in the current round",
	}, []string{"outcome"})

	// Phase is 1 for the current phase and 0 for the others.
	Phase = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wager_phase",
		Help: "Current round phase",
	}, []string{"phase"})

	// RoundsTotal counts finished rounds by result (settled, refunded).
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_rounds_total",
		Help: "Rounds closed",
	}, []string{"result"})

	// OperationLatency tracks state-changing operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_operation_latency_seconds",
		Help:    "Controller operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// TransfersTotal counts transfer attempts by kind and status.
	TransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_transfers_total",
		Help: "Transfer attempts by kind and outcome",
	}, []string{"kind", "status"})

	// TransferVolume tracks value moved by completed transfers.
	TransferVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_transfer_volume_total",
		Help: "Cumulative amount moved by completed transfers",
	}, []string{"kind"})

	// PendingTransfers is the outbox backlog.
	PendingTransfers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_pending_transfers",
		Help: "Transfer intents awaiting delivery",
	})

	// OracleRejections counts result submissions that failed verification.
	OracleRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_oracle_rejections_total",
		Help: "Result submissions rejected by oracle verification",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// SetPhase marks name as the only active phase.
func SetPhase(name string, all ...string) {
	for _, p := range all {
		v := 0.0
		if p == name {
			v = 1
		}
		Phase.WithLabelValues(p).Set(v)
	}
}

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

		// Route pattern, not the raw path, so bettor identities don't
		// become label values.
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

// Hijack lets the WebSocket upgrade pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}

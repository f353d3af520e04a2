// Package metrics provides Prometheus instrumentation for the market engine.
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
	// OrdersTotal counts accepted orders by side and type.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fightbook_orders_total",
		Help: "Total number of orders accepted",
	}, []string{"side", "type"})

	// TradesTotal counts fills, partitioned by league.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fightbook_trades_total",
		Help: "Total number of fills executed",
	}, []string{"league"})

	// TradeVolume tracks cumulative fill quantity per league.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fightbook_trade_volume_total",
		Help: "Cumulative fill quantity in contracts",
	}, []string{"league"})

	// NoLiquidityRejections counts market orders rejected for an empty book.
	NoLiquidityRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fightbook_no_liquidity_rejections_total",
		Help: "Market orders rejected with no crossable liquidity",
	})

	// ExposureRejections counts orders rejected by the pre-trade
	// exposure check.
	ExposureRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fightbook_exposure_rejections_total",
		Help: "Orders rejected by the position limit check",
	})

	// SettlementsTotal counts settled contests by outcome arm.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fightbook_settlements_total",
		Help: "Contests settled",
	}, []string{"outcome"})

	// SettlementPayouts tracks cents paid out at settlement.
	SettlementPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fightbook_settlement_payout_cents_total",
		Help: "Cumulative settlement payouts in cents",
	})

	// TxRetries counts serializable-transaction retries.
	TxRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fightbook_tx_retries_total",
		Help: "Serializable transaction retries after conflicts",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fightbook_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fightbook_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fightbook_http_request_duration_seconds",
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

// Package metrics provides Prometheus instrumentation for the position engine.
package metrics

import (
	"bufio"
	"errors"
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
	// RevaluationTicks counts revaluation ticks by outcome (ok, skipped, failed).
	RevaluationTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_revaluation_ticks_total",
		Help: "Revaluation ticks by outcome",
	}, []string{"outcome"})

	RevaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradedesk_revaluation_duration_seconds",
		Help:    "Duration of one revaluation tick",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// PositionsValued counts valued positions per valuation branch.
	PositionsValued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_positions_valued_total",
		Help: "Positions revalued, by valuation branch",
	}, []string{"branch"})

	PositionsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_positions_skipped_total",
		Help: "Positions skipped during revaluation, by reason",
	}, []string{"reason"})

	ActivePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_active_positions",
		Help: "Open and paused positions seen by the last tick",
	})

	// Settlements counts closed positions by result (profit, loss).
	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_settlements_total",
		Help: "Settled positions by result",
	}, []string{"result"})

	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_positions_opened_total",
		Help: "Opened positions by source",
	}, []string{"source"})

	CopyTradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_copy_trade_rejections_total",
		Help: "Rejected copy-trade requests by reason",
	}, []string{"reason"})

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradedesk_websocket_clients",
		Help: "Connected websocket clients",
	})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_events_dropped_total",
		Help: "Events dropped because a subscriber was too slow",
	}, []string{"type"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradedesk_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradedesk_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by chi route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack keeps websocket upgrades working behind the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

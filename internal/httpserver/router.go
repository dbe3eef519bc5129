package httpserver

import (
	"net/http"
	"time"

	"lv-tradedesk/internal/auth"
	"lv-tradedesk/internal/copytrade"
	"lv-tradedesk/internal/health"
	"lv-tradedesk/internal/ledger"
	"lv-tradedesk/internal/metrics"
	"lv-tradedesk/internal/positions"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

type RouterDeps struct {
	AuthHandler      *auth.Handler
	AuthService      TokenParser
	PositionsHandler *positions.Handler
	CopyTradeHandler *copytrade.Handler
	LedgerHandler    *ledger.Handler
	HealthHandler    *health.Handler
	WSHandler        http.Handler
	Origin           string
	Logger           zerolog.Logger
	// RateLimit is requests per second per client; zero disables limiting.
	RateLimit float64
	RateBurst float64
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(d.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(CORS(d.Origin))
	r.Use(SecurityHeaders)

	r.Get("/health", d.HealthHandler.Ready)
	r.Get("/health/live", d.HealthHandler.Live)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if d.RateLimit > 0 {
			r.Use(NewRateLimiter(d.RateLimit, d.RateBurst).Middleware)
		}
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.Timeout(10 * time.Second))
			r.Post("/register", d.AuthHandler.Register)
			r.Post("/login", d.AuthHandler.Login)
		})
		r.Get("/ws", d.WSHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(WithAuth(d.AuthService))
			r.Get("/me", authed(d.AuthHandler.Me))
			r.Get("/wallet", authed(d.LedgerHandler.Wallet))
			r.Get("/transactions", authed(d.LedgerHandler.Transactions))

			r.Get("/positions", authed(d.PositionsHandler.List))
			r.Post("/positions", authed(d.PositionsHandler.Open))
			r.Post("/positions/close", authed(d.PositionsHandler.CloseAll))
			r.Get("/positions/{id}", authed(d.PositionsHandler.Get))
			r.Post("/positions/{id}/close", authed(d.PositionsHandler.Close))
			r.Post("/positions/{id}/pause", authed(d.PositionsHandler.Pause))
			r.Post("/positions/{id}/resume", authed(d.PositionsHandler.Resume))

			r.Get("/traders", authed(d.CopyTradeHandler.Traders))
			r.Post("/copy-trades", authed(d.CopyTradeHandler.Copy))
		})
	})
	return r
}

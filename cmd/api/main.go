package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lv-tradedesk/internal/auth"
	"lv-tradedesk/internal/config"
	"lv-tradedesk/internal/copytrade"
	"lv-tradedesk/internal/db"
	"lv-tradedesk/internal/events"
	"lv-tradedesk/internal/health"
	"lv-tradedesk/internal/httpserver"
	"lv-tradedesk/internal/ledger"
	"lv-tradedesk/internal/logging"
	"lv-tradedesk/internal/metrics"
	"lv-tradedesk/internal/model"
	"lv-tradedesk/internal/positions"
	"lv-tradedesk/internal/revaluation"
	"lv-tradedesk/internal/settings"
	"lv-tradedesk/internal/store"
	"lv-tradedesk/internal/types"
	"lv-tradedesk/internal/valuation"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	tickLeaseKey = "tradedesk:revaluation:lease"
	demoEmail    = "demo@tradedesk.local"
	demoPassword = "demo-password"
)

var demoDeposit = decimal.NewFromInt(10000)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New("info", false)
		bootLog.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogPretty)
	startedAt := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	checks := map[string]health.Check{}
	var st store.Store
	if cfg.UseMemoryStore() {
		st = demoStore(logger)
		checks["store"] = func(context.Context) error { return nil }
		logger.Warn().Msg("using in-memory store, data is lost on restart")
	} else {
		pool, err := db.NewPool(ctx, cfg.DBDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect database")
		}
		defer pool.Close()
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			logger.Fatal().Err(err).Msg("migrate database")
		}
		if len(applied) > 0 {
			logger.Info().Strs("migrations", applied).Msg("migrations applied")
		}
		st = store.NewPostgres(pool)
		checks["database"] = pool.Ping
	}

	var lease revaluation.Lease = revaluation.LocalLease{}
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse REDIS_URL")
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable at startup")
		}
		st = store.NewCached(st, rdb, cfg.TraderCacheTTL, logger)
		lease = revaluation.NewRedisLease(rdb, tickLeaseKey)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	bus := events.NewBus()
	bus.OnDrop(func(eventType string) { metrics.EventsDropped.WithLabelValues(eventType).Inc() })

	ledgerSvc := ledger.NewService(st, logger)
	if n, err := ledgerSvc.VerifyChain(ctx); err != nil {
		logger.Error().Err(err).Int("transactions", n).Msg("transaction chain verification failed")
	} else {
		logger.Info().Int("transactions", n).Msg("transaction chain verified")
	}

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rnd := valuation.NewRandSource(seed)
	reader := settings.NewReader(st, logger)

	positionSvc := positions.NewService(st, bus, logger)
	copySvc := copytrade.NewService(st, reader, positionSvc, rnd, logger)
	authSvc := auth.NewService(st, cfg.JWTIssuer, []byte(cfg.JWTSecret), cfg.JWTTTL, logger)
	if cfg.UseMemoryStore() {
		if err := seedDemoAccount(ctx, st, authSvc); err != nil {
			logger.Fatal().Err(err).Msg("seed demo account")
		}
		logger.Info().Str("email", demoEmail).Msg("demo account ready")
	}

	scheduler := revaluation.NewScheduler(st, reader, revaluation.Options{
		Interval: cfg.RevaluationInterval,
		Rand:     rnd,
		Lease:    lease,
		Bus:      bus,
	}, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start revaluation")
	}
	defer scheduler.Stop()

	router := httpserver.NewRouter(httpserver.RouterDeps{
		AuthHandler:      auth.NewHandler(authSvc),
		AuthService:      authSvc,
		PositionsHandler: positions.NewHandler(positionSvc),
		CopyTradeHandler: copytrade.NewHandler(copySvc),
		LedgerHandler:    ledger.NewHandler(ledgerSvc),
		HealthHandler:    health.NewHandler(startedAt, scheduler, cfg.RevaluationInterval, checks),
		WSHandler:        httpserver.NewWSHandler(bus, authSvc, cfg.WebSocketOrigin, logger),
		Origin:           cfg.WebSocketOrigin,
		Logger:           logger,
		RateLimit:        10,
		RateBurst:        30,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", cfg.HTTPAddr).Dur("revaluation_interval", cfg.RevaluationInterval).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("http server stopped")
		os.Exit(1)
	}
	logger.Info().Msg("server stopped")
}

// demoStore seeds the memory store the same way the SQL seed migration
// seeds Postgres.
func demoStore(logger zerolog.Logger) *store.Memory {
	mem := store.NewMemory()
	store.SeedDemo(mem)
	logger.Info().Msg("memory store seeded with demo symbols and traders")
	return mem
}

// seedDemoAccount registers the demo login and funds its trading balance with
// a recorded deposit.
func seedDemoAccount(ctx context.Context, st store.Store, authSvc *auth.Service) error {
	userID, err := authSvc.Register(ctx, demoEmail, demoPassword)
	if err != nil {
		return err
	}
	return st.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletForUpdate(ctx, userID)
		if err != nil {
			return err
		}
		w.Trading = w.Trading.Add(demoDeposit)
		w.Reconcile()
		if err := tx.UpdateWallet(ctx, w); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, &model.Transaction{
			UserID:      userID,
			Type:        types.TransactionTypeDeposit,
			Amount:      demoDeposit,
			Description: "Demo deposit",
		})
	})
}

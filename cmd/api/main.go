package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"papertrade/internal/config"
	"papertrade/internal/db"
	"papertrade/internal/health"
	"papertrade/internal/httpserver"
	"papertrade/internal/lease"
	"papertrade/internal/ledger"
	"papertrade/internal/logging"
	"papertrade/internal/notify"
	"papertrade/internal/portfolio"
	"papertrade/internal/pricing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "papertrade", "dev").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, "papertrade", cfg.Env)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("database connect failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := db.Migrate(ctx, cfg.DBDSN, logger); err != nil {
		logger.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The service degrades to L1-only caching when Redis is down, so
		// this is a warning rather than a startup failure.
		logger.Warn("redis unreachable at startup", "addr", cfg.RedisAddr, "error", err)
	}

	local, err := pricing.NewLocalCache(cfg.LocalCacheLife(), 64)
	if err != nil {
		logger.Error("local cache init failed", "error", err)
		os.Exit(1)
	}
	shared := pricing.NewSharedCache(rdb)
	retry := pricing.RetryPolicy{MaxAttempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay}
	adapters := []pricing.SourceAdapter{
		pricing.NewJupiterAdapter("", cfg.AdapterTimeout, retry),
		pricing.NewDexScreenerAdapter("", cfg.AdapterTimeout, retry),
		pricing.NewCoinGeckoAdapter("", cfg.AdapterTimeout, retry),
	}
	bus := pricing.NewBus()
	aggregator := pricing.NewAggregator(local, shared, adapters, pricing.NewPGSnapshotStore(pool), bus, logger, pricing.Options{
		LocalTTL:         cfg.LocalCacheTTL,
		SharedTTL:        cfg.SharedCacheTTL,
		NegativeTTL:      cfg.NegativeCacheTTL,
		SnapshotMaxAge:   cfg.SnapshotMaxAge,
		BatchSize:        cfg.BatchSize,
		BatchDelay:       cfg.BatchDelay,
		BaseAssetAddress: cfg.BaseAssetSymbol,
		BasePriceFloor:   cfg.BasePriceFloor,
	})

	store := ledger.NewPGStore(pool)
	locker := lease.NewRedisLocker(rdb)
	fees := ledger.FeeSchedule{TakerRate: cfg.TakerFeeRate, PriorityFee: cfg.PriorityFee}
	engine := ledger.NewEngine(store, aggregator, locker, fees, logger, ledger.EngineOptions{
		LeaseTTL:   cfg.LeaseTTL,
		StaleAfter: cfg.StaleAfter,
	}).WithCollaborators(notify.LogTrades{Logger: logger}, nil)

	portfolioSvc := portfolio.New(store, aggregator, logger, cfg.PortfolioWindow)
	engine.WithInvalidator(portfolioSvc)

	handler := httpserver.NewHandler(engine, portfolioSvc, aggregator, store, logger)
	wsHandler := httpserver.NewWSHandler(bus, []byte(cfg.JWTSecret), cfg.WebSocketOrigin)
	healthHandler := health.NewHandler(pool, rdb, time.Now())

	router := httpserver.NewRouter(httpserver.RouterDeps{
		Handler:       handler,
		HealthHandler: healthHandler,
		WSHandler:     wsHandler,
		JWTSecret:     cfg.JWTSecret,
	})
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}

	logger.Info("server listening", "addr", cfg.HTTPAddr, "env", cfg.Env)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// Package main provides the entry point for the portfolio rebalancer: the
// API server, the ledger indexer and the background worker pools.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portfolio-rebalancer/internal/adapter"
	"github.com/portfolio-rebalancer/internal/api"
	"github.com/portfolio-rebalancer/internal/circuitbreaker"
	"github.com/portfolio-rebalancer/internal/config"
	"github.com/portfolio-rebalancer/internal/execution"
	"github.com/portfolio-rebalancer/internal/indexer"
	"github.com/portfolio-rebalancer/internal/job"
	"github.com/portfolio-rebalancer/internal/logging"
	"github.com/portfolio-rebalancer/internal/risk"
	"github.com/portfolio-rebalancer/internal/service"
	"github.com/portfolio-rebalancer/internal/storage"
	"github.com/portfolio-rebalancer/internal/storage/memory"
	"github.com/portfolio-rebalancer/internal/worker"
)

// stoppable is anything started by main that must be stopped on shutdown
type stoppable interface {
	Stop(ctx context.Context) error
}

func main() {
	fmt.Println("Portfolio Rebalancer")
	log.Println("Server starting...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connections
	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	if err := storage.RunMigrations(cfg.Database.Postgres.URL()); err != nil {
		logger.WithError(err).Fatal("Failed to apply Postgres migrations")
	}

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	var snapshots storage.RiskSnapshotSink = memory.NewSnapshotSink()
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to ClickHouse")
		}
		defer clickhouse.Close()

		if err := storage.RunClickHouseMigrations(ctx, clickhouse); err != nil {
			logger.WithError(err).Fatal("Failed to apply ClickHouse migrations")
		}
		snapshots = storage.NewRiskSnapshotRepository(clickhouse)
	} else {
		logger.Warn("ClickHouse disabled, risk snapshots are kept in memory")
	}

	logger.Info("Database connections established")

	// Repositories
	portfolioRepo := storage.NewPortfolioRepository(postgres)
	historyRepo := storage.NewHistoryRepository(postgres)
	stateRepo := storage.NewIndexerStateRepository(postgres)
	cacheService := storage.NewCacheService(redis, cfg.PriceFeed.CacheTTL)
	marketFlags := storage.NewMarketFlags(redis)
	locker := storage.NewRedisLocker(redis)
	idempotency := storage.NewIdempotencyStore(redis, cfg.Server.IdempotencyTTL)

	// External adapters
	logger.Info("Initializing adapters...")
	breakers := circuitbreaker.NewRegistry()
	prices := adapter.NewPriceFeedClient(cfg.PriceFeed, cacheService, cfg.Features.AllowCachedPrices, breakers)

	simulated := cfg.SimulatedDEX()
	var dex adapter.DEX
	if simulated {
		logger.Warn("Using simulated DEX, no trades reach a real venue")
		dex = adapter.NewSimulatedDEX(prices)
	} else {
		dex = adapter.NewDEXClient(cfg.DEX)
	}
	safety := adapter.NewMarketSafetyChecker(marketFlags, cfg.Rebalance.MaxPriceAge)

	// Risk and execution
	riskEngine := risk.NewEngine(riskConfig(cfg.Risk), logger)
	engine := execution.NewEngine(execution.Deps{
		Portfolios: portfolioRepo,
		History:    historyRepo,
		Locker:     locker,
		Prices:     prices,
		DEX:        dex,
		Safety:     safety,
		Risk:       riskEngine,
	}, execution.ConfigFromRebalance(cfg.Rebalance, simulated), logger)

	// Queues survive restarts in Redis; jobs a dead process had claimed go
	// back to pending before any pool starts.
	checkQueue := job.NewRedisQueue(redis, "portfolio_check")
	rebalanceQueue := job.NewRedisQueue(redis, "rebalance")
	analyticsQueue := job.NewRedisQueue(redis, "analytics")
	for name, q := range map[string]*job.RedisQueue{
		"portfolio_check": checkQueue,
		"rebalance":       rebalanceQueue,
		"analytics":       analyticsQueue,
	} {
		recovered, err := q.Recover(ctx)
		if err != nil {
			logger.WithError(err).WithField("queue", name).Fatal("Failed to recover queue")
		}
		if recovered > 0 {
			logger.WithFields(map[string]interface{}{
				"queue":     name,
				"recovered": recovered,
			}).Info("Recovered in-flight jobs")
		}
	}

	var running []stoppable

	pools := []struct {
		name        string
		concurrency int
		queue       job.Queue
		handler     worker.Handler
	}{
		{"portfolio_check", cfg.Workers.PortfolioCheckConcurrency, checkQueue,
			worker.NewCheckHandler(portfolioRepo, prices, rebalanceQueue, cfg.Rebalance.MinTradeValue)},
		{"rebalance", cfg.Workers.RebalanceConcurrency, rebalanceQueue,
			worker.NewRebalanceHandler(engine, rebalanceQueue, cfg.Workers.MaxAttempts)},
		{"analytics", cfg.Workers.AnalyticsConcurrency, analyticsQueue,
			worker.NewAnalyticsHandler(portfolioRepo, prices, riskEngine, snapshots)},
	}
	for _, p := range pools {
		pool, err := worker.NewPool(worker.PoolConfig{
			Name:        p.name,
			Concurrency: p.concurrency,
			JobTimeout:  cfg.Rebalance.DEXTimeout + cfg.Rebalance.LockTTL,
		}, p.queue, p.handler, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create worker pool")
		}
		if err := pool.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start worker pool")
		}
		running = append(running, pool)
	}

	scheduler := worker.NewScheduler(worker.SchedulerConfig{
		CheckInterval:    cfg.Workers.CheckInterval,
		SnapshotInterval: cfg.Workers.SnapshotInterval,
	}, portfolioRepo, checkQueue, analyticsQueue, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start scheduler")
	}
	running = append(running, scheduler)

	// The API takes a nil interface, not a typed nil, when indexing is off
	var indexerStatus api.IndexerStatus
	if cfg.Indexer.Enabled {
		rpc := adapter.NewLedgerRPCClient(cfg.Indexer, breakers)
		idx, err := indexer.New(rpc, portfolioRepo, historyRepo, stateRepo, indexer.ConfigFromIndexer(cfg.Indexer), logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create indexer")
		}
		if err := idx.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start indexer")
		}
		running = append(running, idx)
		indexerStatus = idx
	} else {
		logger.Info("Indexer disabled")
	}

	portfolioService := service.NewPortfolioService(service.Deps{
		Portfolios:     portfolioRepo,
		History:        historyRepo,
		Prices:         prices,
		Risk:           riskEngine,
		Emergency:      marketFlags,
		Rebalancer:     engine,
		RebalanceQueue: rebalanceQueue,
	}, logger)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    cfg.Rebalance.DEXTimeout + 15*time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  cfg.Server.RequestsPerSec,
		Burst:           cfg.Server.Burst,
	}

	server := api.NewServer(serverConfig, portfolioService, idempotency, indexerStatus, logger)

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host":         cfg.Server.Host,
		"port":         cfg.Server.Port,
		"simulatedDex": simulated,
		"indexer":      cfg.Indexer.Enabled,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// stop producers before consumers
	for i := len(running) - 1; i >= 0; i-- {
		if err := running[i].Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Component did not stop cleanly")
		}
	}
	cancel()

	logger.Info("Server exited")
}

func riskConfig(cfg config.RiskConfig) risk.Config {
	rc := risk.DefaultConfig()
	rc.HistoryCapacity = cfg.HistoryCapacity
	rc.Lambda = cfg.EWMALambda
	rc.CorrelationWindow = cfg.CorrelationWindow
	rc.MinSampleSize = cfg.MinSampleSize
	rc.MaxEWMAVolatility = cfg.MaxEWMAVolatility
	rc.MaxVaR95 = cfg.MaxVaR95
	rc.MaxCVaR95 = cfg.MaxCVaR95
	rc.MaxDrawdown = cfg.MaxDrawdown
	rc.ConcentrationCap = cfg.ConcentrationCap
	rc.ConcentrationDeny = cfg.ConcentrationDeny
	rc.ConcentrationWarn = cfg.ConcentrationWarn
	rc.CircuitBreakerMove = cfg.CircuitBreakerMove
	rc.CircuitBreakerCooldown = cfg.CircuitBreakerCooldown
	return rc
}

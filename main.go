package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"signal-pipeline/config"
	"signal-pipeline/internal/api"
	"signal-pipeline/internal/bias"
	"signal-pipeline/internal/cache"
	"signal-pipeline/internal/database"
	"signal-pipeline/internal/engine"
	"signal-pipeline/internal/errtrack"
	"signal-pipeline/internal/events"
	"signal-pipeline/internal/flags"
	"signal-pipeline/internal/ingest"
	"signal-pipeline/internal/logging"
	"signal-pipeline/internal/marketdata"
	"signal-pipeline/internal/orchestrator"
	"signal-pipeline/internal/risk"
	"signal-pipeline/internal/worker"
)

const staleLockAge = 5 * time.Minute

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(&logging.Config{
		Level:       cfg.LoggingConfig.Level,
		Output:      cfg.LoggingConfig.Output,
		JSONFormat:  cfg.LoggingConfig.JSONFormat,
		IncludeFile: cfg.LoggingConfig.IncludeFile,
		Component:   "main",
	})
	logging.SetDefault(logger)
	logger.Info("Structured logging initialized")

	dbConfig := database.Config{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "signal_pipeline"),
		Password: getEnv("DB_PASSWORD", "signal_pipeline_password"),
		Database: getEnv("DB_NAME", "signal_pipeline"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
	db, err := database.NewDB(dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)

	// Locks left by a previous crash would starve their signals forever.
	if released, err := repo.ReleaseStaleLocks(ctx, staleLockAge); err != nil {
		logger.Warn("Failed to release stale locks", "error", err)
	} else if released > 0 {
		logger.Info("Released stale processing locks", "count", released)
	}

	bus := events.NewBus()
	errs := errtrack.New(500)

	fl := flags.NewService(repo, 5*time.Second, logger)
	go fl.Run(ctx)

	providers := buildProviders(cfg.MarketDataConfig, logger)
	market := marketdata.NewService(providers, marketdata.BreakerConfig{
		MaxFailures:  cfg.MarketDataConfig.MaxFailures,
		ResetTimeout: time.Duration(cfg.MarketDataConfig.ResetTimeoutMs) * time.Millisecond,
	}, logger)

	if cfg.RedisConfig.Enabled {
		if cacheService, err := cache.NewCacheService(cfg.RedisConfig, logger); err != nil {
			logger.Warn("Redis cache unavailable, continuing without overlay", "error", err)
		} else {
			defer cacheService.Close()
			market.WithQuoteOverlay(cacheService)
			logger.Info("Redis quote overlay enabled", "address", cfg.RedisConfig.Address)
		}
	}

	biasStore := bias.NewStore(bias.DefaultResolverWeights(), 10*time.Minute)
	riskLoader := risk.NewLoader(repo)

	strikes := engine.DefaultStrikeConfig()
	orch := orchestrator.New(repo, biasStore, riskLoader,
		engine.NewRuleBased(strikes), engine.NewCouncil(strikes),
		orchestrator.Config{
			ExecutionMode:   cfg.OrchestratorConfig.ExecutionMode,
			SplitPercentage: cfg.OrchestratorConfig.SplitPercentage,
			PolicyVersion:   cfg.OrchestratorConfig.PolicyVersion,
			AccountSize:     cfg.OrchestratorConfig.AccountSize,
			BaseRiskPercent: cfg.OrchestratorConfig.BaseRiskPercent,
		}, logger)

	ingestor := ingest.NewIngestor(repo, orch.Assigner(), ingest.Config{
		HMACSecret:        cfg.IngestConfig.HMACSecret,
		SignatureRequired: cfg.IngestConfig.SignatureRequired,
		DedupWindow:       time.Duration(cfg.IngestConfig.DedupWindowMinutes) * time.Minute,
	}, logger)

	wc := cfg.WorkerConfig
	processor := worker.NewProcessor(repo, market, orch, fl, bus, errs, worker.ProcessorConfig{
		BatchSize:     wc.BatchSize,
		Concurrency:   wc.Concurrency,
		SignalTimeout: time.Duration(wc.SignalTimeoutMs) * time.Millisecond,
		RetryDelay:    time.Duration(wc.RetryDelayMs) * time.Millisecond,
		MaxAttempts:   wc.MaxAttempts,
		PollInterval:  time.Duration(wc.PollIntervalMs) * time.Millisecond,
	}, logger)
	go processor.Run(ctx)

	orderPoll := time.Duration(wc.OrderPollIntervalMs) * time.Millisecond
	creator := worker.NewOrderCreator(repo, fl, bus, errs, wc.BatchSize, orderPoll, logger)
	go creator.Run(ctx)

	executor := worker.NewExecutor(repo, market, biasStore, fl, bus, errs, wc.BatchSize, orderPoll, logger)
	go executor.Run(ctx)

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()
	refresher := worker.NewRefresher(repo, market, biasStore, riskLoader, bus, errs,
		time.Duration(wc.RefreshIntervalMs)*time.Millisecond, zlog)
	go refresher.Run(ctx)

	tuner := worker.NewTuner(repo, riskLoader, fl, errs, logger)
	go tuner.Run(ctx)

	server := api.NewServer(cfg.ServerConfig, cfg.AuthConfig, repo, ingestor, biasStore,
		bus, fl, errs, market, logger)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	logger.Info("Signal pipeline started",
		"port", cfg.ServerConfig.Port,
		"execution_mode", cfg.OrchestratorConfig.ExecutionMode,
		"providers", cfg.MarketDataConfig.ProviderPriority)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", "error", err)
	}
	// Workers stopped with the context; any lock they held mid-batch is
	// released so the next instance can claim those signals immediately.
	if _, err := repo.ReleaseStaleLocks(shutdownCtx, 0); err != nil {
		logger.Warn("Failed to release locks on shutdown", "error", err)
	}
	logger.Info("Signal pipeline stopped")
}

// buildProviders constructs the configured provider chain in priority order.
// A provider that fails to construct is skipped, not fatal; the multiplex
// degrades to the remaining chain.
func buildProviders(cfg config.MarketDataConfig, logger *logging.Logger) []marketdata.Provider {
	providers := make([]marketdata.Provider, 0, len(cfg.ProviderPriority))
	for _, name := range cfg.ProviderPriority {
		p, err := marketdata.NewProvider(name, marketdata.ProviderConfig{
			APIKey:         cfg.APIKeys[name],
			APISecret:      os.Getenv("ALPACA_API_SECRET"),
			RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
			RetryCount:     cfg.RetryCount,
		})
		if err != nil {
			logger.Warn("Skipping market data provider", "provider", name, "error", err)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/stockledger/internal/cache"
	"github.com/efreitasn/stockledger/internal/config"
	"github.com/efreitasn/stockledger/internal/engine"
	"github.com/efreitasn/stockledger/internal/handler"
	"github.com/efreitasn/stockledger/internal/pricing"
	"github.com/efreitasn/stockledger/internal/publisher"
	"github.com/efreitasn/stockledger/internal/resilience"
	"github.com/efreitasn/stockledger/internal/service"
	"github.com/efreitasn/stockledger/internal/store/postgres"
	"github.com/efreitasn/stockledger/internal/telemetry"
)

func main() {
	healthcheck := flag.Bool("healthcheck", false, "Run health check against running server")
	flag.Parse()

	// Handle -healthcheck flag: HTTP GET to localhost:PORT/healthz, exit 0/1.
	if *healthcheck {
		port := os.Getenv("PORT")
		if port == "" {
			port = "8080"
		}
		resp, err := http.Get(fmt.Sprintf("http://localhost:%s/healthz", port))
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Set up slog logger with configured level.
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Telemetry.
	provider, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer shutdownCancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()
	metrics, err := telemetry.NewMetrics(provider.Meter("stockledger"))
	if err != nil {
		return fmt.Errorf("telemetry metrics: %w", err)
	}

	// Durable store.
	if cfg.MigrateOnStart {
		if err := postgres.Migrate(ctx, cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer pool.Close()
	postgres.ObservePoolMetrics(pool)

	eventStore := postgres.NewEventStore(pool)
	snapshotStore := postgres.NewSnapshotStore(pool)
	entityStore := postgres.NewEntityStore(pool)
	webhookStore := postgres.NewWebhookStore(pool)

	checks := []handler.Check{{Name: "database", Critical: true, Run: pool.Ping}}

	// Read cache; the shared tier is optional.
	var shared cache.Shared
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		shared = cache.NewRedisShared(client)
		checks = append(checks, handler.Check{Name: "redis", Run: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}})
	}
	readCache := cache.New(cache.Config{
		LocalSize:     cfg.LocalCacheSize,
		LocalTTL:      cfg.LocalCacheTTL,
		ProjectionTTL: cfg.ProjectionTTL,
		PriceTTL:      cfg.PriceTTL,
		EntityTTL:     cfg.EntityTTL,
		StatsTTL:      cfg.StatsTTL,
	}, shared, metrics, logger)

	breakerSettings := func(name string) resilience.BreakerSettings {
		return resilience.BreakerSettings{
			Name:             name,
			FailureThreshold: uint32(cfg.BreakerFailureThreshold),
			Window:           cfg.BreakerWindow,
			Cooldown:         cfg.BreakerCooldown,
			HalfOpenCalls:    uint32(cfg.BreakerHalfOpenCalls),
		}
	}
	retryPolicy := resilience.RetryPolicy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
	}

	// Pricing: an external feed when configured, the in-process board otherwise.
	var (
		feed  pricing.Feed
		board *pricing.Board
	)
	if cfg.PriceFeedURL != "" {
		feed = pricing.NewHTTPFeed(cfg.PriceFeedURL, cfg.PriceFeedTimeout, cfg.PriceFeedRPS)
		logger.Info("using external price feed", slog.String("url", cfg.PriceFeedURL))
	} else {
		board = pricing.NewBoard()
		feed = board
		logger.Info("using in-process price board")
	}
	prices := pricing.NewGuarded(feed,
		resilience.NewBreaker[decimal.Decimal](breakerSettings("pricing"), metrics, logger),
		readCache)
	checks = append(checks, handler.Check{Name: "pricing", Run: func(context.Context) error {
		if state := prices.BreakerState(); state == "open" {
			return errors.New("circuit open")
		}
		return nil
	}})

	// Publisher and its sinks.
	hub := publisher.NewStreamHub(64, metrics, logger)
	volume := publisher.NewVolumeTracker(readCache, logger)
	pub := publisher.New(publisher.Config{
		Buffer:          cfg.PublisherBuffer,
		DeliveryTimeout: cfg.DeliveryTimeout,
		Retry:           retryPolicy,
		Breaker:         breakerSettings(""),
	}, []publisher.Sink{
		publisher.NewWebhookSink(webhookStore, cfg.WebhookTimeout),
		hub,
		volume,
	}, metrics, logger)

	pubCtx, pubCancel := context.WithCancel(context.Background())
	pubDone := make(chan struct{})
	go func() {
		defer close(pubDone)
		pub.Run(pubCtx)
	}()
	defer func() {
		pubCancel()
		<-pubDone
	}()

	// Engine.
	ledger := engine.NewLedger(eventStore, snapshotStore, readCache, cfg.SnapshotEvery, logger)
	processor := engine.NewProcessor(ledger, entityStore, prices, pub, engine.Config{
		SlippageTolerance: cfg.SlippageTolerance,
		Retry:             retryPolicy,
	}, metrics, logger)

	// Services.
	accountSvc := service.NewAccountService(processor, ledger, prices)
	tradeSvc := service.NewTradeService(processor)
	entitySvc := service.NewEntityService(entityStore, readCache, prices, board, volume, logger)
	webhookSvc := service.NewWebhookService(webhookStore, accountSvc)

	if len(cfg.Entities) > 0 {
		seed := make([]service.SeedEntity, len(cfg.Entities))
		for i, e := range cfg.Entities {
			seed[i] = service.SeedEntity{Key: e.Key, Name: e.Name, Crew: e.Crew, Tradable: e.Tradable, Price: e.Price}
		}
		created, err := entitySvc.Seed(ctx, seed)
		if err != nil {
			return fmt.Errorf("seed entities: %w", err)
		}
		logger.Info("entity catalog seeded", slog.Int("created", created), slog.Int("listed", len(seed)))
	}

	// Router.
	router := handler.NewRouter(accountSvc, tradeSvc, entitySvc, webhookSvc, hub, checks, logger)

	// Configure HTTP server.
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	// Start HTTP server in a goroutine.
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-serveErr:
		return err
	}

	// Graceful shutdown: stop accepting requests, then let deferred cleanup
	// drain the publisher and close the stores.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("server stopped", slog.Int64("events_dropped", pub.Dropped()))
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marketgate/sla-engine/internal/cache"
	"github.com/marketgate/sla-engine/internal/config"
	"github.com/marketgate/sla-engine/internal/database"
	"github.com/marketgate/sla-engine/internal/engine"
	"github.com/marketgate/sla-engine/internal/escalation"
	"github.com/marketgate/sla-engine/internal/handlers"
	"github.com/marketgate/sla-engine/internal/kafka"
	"github.com/marketgate/sla-engine/internal/metrics"
	"github.com/marketgate/sla-engine/internal/reporting"
	"github.com/marketgate/sla-engine/internal/scheduler"
)

const (
	serviceName = "sla-engine"
	version     = "1.0.0"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Setup logging
	logger := setupLogging(cfg)
	logger.Info("Starting SLA Engine Service",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	// Setup database connection
	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	// Run database migrations
	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	// Setup repositories
	policyRepo := database.NewPolicyRepository(db, logger)
	scorecardRepo := database.NewScorecardRepository(db, logger)
	violationRepo := database.NewViolationRepository(db, logger)

	// Setup policy cache backend
	policyCache, err := setupCache(cfg)
	if err != nil {
		logger.Error("Failed to setup policy cache", "error", err)
		os.Exit(1)
	}

	// Setup escalation resolver
	escalator := escalation.NewEscalator(logger)

	// Setup escalation event producer
	producer, err := kafka.NewProducer(cfg, logger)
	if err != nil {
		logger.Error("Failed to create Kafka producer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			logger.Error("Failed to close Kafka producer", "error", err)
		}
	}()

	// Setup scoring engine
	scoringEngine := engine.New(cfg, logger, policyRepo, scorecardRepo, escalator, producer, policyCache)

	// Setup Kafka event processor
	eventProcessor, err := kafka.NewProcessor(cfg, logger, scoringEngine)
	if err != nil {
		logger.Error("Failed to create Kafka event processor", "error", err)
		os.Exit(1)
	}

	// Setup scheduler for the escalation sweep
	taskScheduler := scheduler.NewScheduler(cfg, logger, policyRepo, violationRepo, escalator, producer)

	// Setup reporting service
	reportingService := reporting.NewService(logger, scorecardRepo, violationRepo)

	// Setup metrics collector
	metricsCollector := metrics.NewCollector(cfg, logger, policyRepo, scorecardRepo, violationRepo, scoringEngine)
	metricsCollector.RegisterMetrics()

	// Setup HTTP handlers
	httpHandlers := handlers.NewHTTPHandler(
		cfg,
		logger,
		scoringEngine,
		policyRepo,
		scorecardRepo,
		violationRepo,
		reportingService,
		escalator,
	)

	// Setup HTTP router
	httpRouter := mux.NewRouter()
	httpRouter.Use(metricsCollector.Middleware)
	httpHandlers.RegisterRoutes(httpRouter)

	// Add Prometheus metrics endpoint
	httpRouter.Handle("/metrics", promhttp.Handler())

	// Setup HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      httpRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scoringEngine.Start(ctx); err != nil {
		logger.Error("Failed to start scoring engine", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup

	// Start metrics collector
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := metricsCollector.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Metrics collector failed", "error", err)
			cancel()
		}
	}()

	// Start event processor
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := eventProcessor.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Event processor failed", "error", err)
			cancel()
		}
	}()

	// Start scheduler
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := taskScheduler.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Scheduler failed", "error", err)
			cancel()
		}
	}()

	// Start HTTP server
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	// Graceful shutdown
	logger.Info("Shutting down services...")

	// Stop intake first so no outcome is half-applied.
	eventProcessor.Stop()

	// Cancel context to stop all services
	cancel()

	// Stop HTTP server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	// Drain the scoring shards
	scoringEngine.Stop()

	// Wait for all goroutines to finish
	wg.Wait()

	logger.Info("Service shutdown complete")
}

// setupCache selects the policy cache backend. The memory backend is the
// single-instance default; Redis keeps policy invalidations visible across
// engine replicas.
func setupCache(cfg *config.Config) (cache.Cache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return cache.NewRedisCache(ctx, cfg.Redis.Addr(), cfg.Redis.Password, cfg.Redis.DB, cfg.Cache.PolicyTTL)
	case "", "memory":
		return cache.NewMemoryCache(cfg.Cache.PolicyTTL, cfg.Cache.CleanupInterval), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// setupLogging configures structured logging
func setupLogging(cfg *config.Config) *slog.Logger {
	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}

	handlerOptions := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: cfg.Debug,
	}

	var handler slog.Handler
	if cfg.Environment == "production" {
		handler = slog.NewJSONHandler(os.Stdout, handlerOptions)
	} else {
		handler = slog.NewTextHandler(os.Stdout, handlerOptions)
	}

	logger := slog.New(handler)
	logger = logger.With(
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment,
	)

	slog.SetDefault(logger)
	return logger
}

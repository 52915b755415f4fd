package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/cuongbtq/mediagen-orchestrator/internal/api/handler"
	"github.com/cuongbtq/mediagen-orchestrator/internal/api/router"
	"github.com/cuongbtq/mediagen-orchestrator/internal/bootstrap"
	"github.com/cuongbtq/mediagen-orchestrator/internal/config"
	"github.com/cuongbtq/mediagen-orchestrator/internal/orchestrator"
	"github.com/cuongbtq/mediagen-orchestrator/internal/poller"
	"github.com/cuongbtq/mediagen-orchestrator/internal/telemetry"
	"github.com/cuongbtq/mediagen-orchestrator/pkg/ratelimit"
)

const serviceName = "api-service"

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.NewLogger(&cfg.Logging, serviceName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger := appLogger.Logger

	logger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("store", cfg.Store.Driver),
		slog.String("dispatch_mode", cfg.Orchestrator.DispatchMode),
	)

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.App.Version, &cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	st, closeStore, err := bootstrap.NewStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	registry := bootstrap.NewRegistry(&cfg.Provider, logger)
	cancels := poller.NewCancellations()
	jobPoller := bootstrap.NewPoller(&cfg.Poller, st, registry, cancels, logger)

	// Pick how running jobs reach a poller
	var (
		dispatcher orchestrator.Dispatcher
		local      *orchestrator.LocalDispatcher
	)
	switch cfg.Orchestrator.DispatchMode {
	case config.DispatchQueue:
		rabbitClient, err := bootstrap.NewRabbitMQ(&cfg.RabbitMQ, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		defer rabbitClient.Close()
		dispatcher = orchestrator.NewQueueDispatcher(rabbitClient, logger)
		logger.Info("RabbitMQ connection established")
	default:
		local = orchestrator.NewLocalDispatcher(jobPoller, logger)
		dispatcher = local
	}

	// Optional per-owner submission limit
	var limiter handler.RateLimiter
	if cfg.RateLimit.Enabled {
		rdb, err := bootstrap.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to initialize redis: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewLimiter(rdb, cfg.RateLimit.JobsPerMinute)
		logger.Info("Submission rate limit enabled",
			slog.Int("jobs_per_minute", cfg.RateLimit.JobsPerMinute),
		)
	}

	if cfg.Orchestrator.AllowAnonymous {
		logger.Warn("Anonymous mode enabled, ownership checks are bypassed for the anonymous owner")
	}

	svc := orchestrator.NewService(&orchestrator.Dependencies{
		Store:         st,
		Adapters:      registry,
		Estimator:     bootstrap.NewEstimator(&cfg.Pricing),
		Dispatcher:    dispatcher,
		Cancellations: cancels,
		Logger:        logger,
		Tracer:        telemetry.Tracer("orchestrator"),
	}, orchestrator.Config{
		SubmitStagger:  cfg.Orchestrator.SubmitStagger,
		AllowAnonymous: cfg.Orchestrator.AllowAnonymous,
		DefaultModels:  bootstrap.DefaultModels(&cfg.Provider),
		CancelTimeout:  cfg.Poller.CancelTimeout,
	})

	if local != nil {
		resumed, err := svc.Resume(ctx)
		if err != nil {
			logger.Error("Failed to resume running jobs", slog.Any("error", err))
		} else if resumed > 0 {
			logger.Info("Resumed running jobs", slog.Int("count", resumed))
		}
	}

	// Initialize router
	r := initRouter(cfg.App.Environment, &handler.Dependencies{
		Logger:         logger,
		Service:        svc,
		Limiter:        limiter,
		AllowAnonymous: cfg.Orchestrator.AllowAnonymous,
	})

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	logger.Info("API service is running",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", slog.Any("error", err))
		return err
	}

	// Running jobs stay running in the store and are resumed on the next start
	if local != nil {
		if err := local.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Pollers did not stop before the shutdown timeout", slog.Any("error", err))
		}
	}
	svc.Wait()
	jobPoller.Wait()

	logger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, deps *handler.Dependencies) *gin.Engine {
	// Set Gin mode based on environment
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}

// Package bootstrap builds the components both services share from the loaded configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/mediagen-orchestrator/internal/config"
	"github.com/cuongbtq/mediagen-orchestrator/internal/cost"
	"github.com/cuongbtq/mediagen-orchestrator/internal/domain"
	"github.com/cuongbtq/mediagen-orchestrator/internal/poller"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider/replicate"
	"github.com/cuongbtq/mediagen-orchestrator/internal/provider/synthetic"
	"github.com/cuongbtq/mediagen-orchestrator/internal/store"
	"github.com/cuongbtq/mediagen-orchestrator/internal/telemetry"
	"github.com/cuongbtq/mediagen-orchestrator/shared/logger"
	"github.com/cuongbtq/mediagen-orchestrator/shared/postgresql"
	"github.com/cuongbtq/mediagen-orchestrator/shared/rabbitmq"
)

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

// NewStore opens the configured job record store. The returned close function
// is never nil.
func NewStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, func(), error) {
	if cfg.Store.Driver == config.StoreDriverMemory {
		log.Warn("Using in-memory job store, records are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	db := &cfg.Database
	client, err := postgresql.NewClient(&postgresql.Config{
		Host:            db.Host,
		Port:            db.Port,
		User:            db.User,
		Password:        db.Password,
		Database:        db.Database,
		SSLMode:         db.SSLMode,
		MaxOpenConns:    db.MaxOpenConns,
		MaxIdleConns:    db.MaxIdleConns,
		ConnMaxLifetime: db.ConnMaxLifetime,
		ConnMaxIdleTime: db.ConnMaxIdleTime,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() { _ = client.Close() }

	if db.AutoMigrate {
		if err := client.Migrate(ctx, store.Migrations, "migrations"); err != nil {
			closeFn()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}

	return store.NewPostgresStore(client.GetDB(), log), closeFn, nil
}

// NewRegistry registers one backend for every job kind. The HTTP backend is
// used when a token is configured, otherwise the synthetic one.
func NewRegistry(cfg *config.ProviderConfig, log *slog.Logger) *provider.Registry {
	var adapter provider.Adapter
	if cfg.Replicate.APIToken != "" {
		opts := []replicate.Option{}
		if cfg.Replicate.BaseURL != "" {
			opts = append(opts, replicate.WithBaseURL(cfg.Replicate.BaseURL))
		}
		if cfg.Replicate.Timeout > 0 {
			opts = append(opts, replicate.WithHTTPClient(&http.Client{Timeout: cfg.Replicate.Timeout}))
		}
		adapter = replicate.New(cfg.Replicate.APIToken, opts...)
	} else {
		log.Warn("No provider token configured, using synthetic backend")
		adapter = synthetic.New(cfg.Synthetic.SettleAfter, cfg.Synthetic.BaseURL, cfg.Synthetic.FailModels)
	}

	breaker := provider.DefaultBreakerSettings()
	if b := cfg.Breaker; b.ConsecutiveFailures > 0 {
		breaker = provider.BreakerSettings{
			MaxRequests:         b.MaxRequests,
			Interval:            b.Interval,
			Timeout:             b.Timeout,
			ConsecutiveFailures: b.ConsecutiveFailures,
		}
	}

	registry := provider.NewRegistry()
	registry.Register(provider.WithBreaker(adapter, breaker), domain.AllKinds...)

	log.Info("Provider backend configured",
		slog.String("provider", adapter.Name()),
		slog.Uint64("breaker_failures", uint64(breaker.ConsecutiveFailures)),
	)
	return registry
}

// DefaultModels converts the configured kind to model map
func DefaultModels(cfg *config.ProviderConfig) map[domain.JobKind]string {
	models := make(map[domain.JobKind]string, len(cfg.DefaultModels))
	for kind, model := range cfg.DefaultModels {
		models[domain.JobKind(kind)] = model
	}
	return models
}

// NewEstimator builds the cost estimator from the pricing table
func NewEstimator(cfg *config.PricingConfig) *cost.Estimator {
	rates := make([]cost.Rate, len(cfg.Rates))
	for i, r := range cfg.Rates {
		rates[i] = cost.Rate{Model: r.Model, Resolution: r.Resolution, PerUnit: r.PerUnit}
	}
	defaults := make(map[domain.JobKind]float64, len(cfg.KindDefaults))
	for kind, v := range cfg.KindDefaults {
		defaults[domain.JobKind(kind)] = v
	}
	return cost.NewEstimator(rates, defaults)
}

// PollerConfig overlays the configured poller settings on the defaults
func PollerConfig(cfg *config.PollerConfig) poller.Config {
	pc := poller.DefaultConfig()
	if cfg.Interval > 0 {
		pc.Interval = cfg.Interval
	}
	if cfg.MaxPollAttempts > 0 {
		pc.MaxPollAttempts = cfg.MaxPollAttempts
	}
	if cfg.RetryBackoff > 0 {
		pc.RetryBackoff = cfg.RetryBackoff
	}
	if cfg.CancelTimeout > 0 {
		pc.CancelTimeout = cfg.CancelTimeout
	}
	if cfg.DefaultDeadline > 0 {
		pc.DefaultDeadline = cfg.DefaultDeadline
	}
	for kind, d := range cfg.Deadlines {
		pc.Deadlines[domain.JobKind(kind)] = d
	}
	return pc
}

// NewPoller builds the job poller with tracing
func NewPoller(cfg *config.PollerConfig, st store.Store, adapters provider.Resolver, cancels *poller.Cancellations, log *slog.Logger) *poller.Poller {
	return poller.New(st, adapters, cancels, PollerConfig(cfg), log,
		poller.WithTracer(telemetry.Tracer("poller")),
	)
}

// RabbitMQConfig maps the service configuration onto the client configuration
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		DeadLetterExchange: cfg.Queue.DeadLetterExchange,
		DeadLetterQueue:    cfg.Queue.DeadLetterQueue,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}
}

// NewRabbitMQ connects to the broker and declares the poll queue
func NewRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(RabbitMQConfig(cfg), log)
}

// NewRedis connects the client used by the submission rate limiter
func NewRedis(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

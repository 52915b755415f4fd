package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Poll dispatch modes
const (
	DispatchLocal = "local"
	DispatchQueue = "queue"
)

// Config represents the complete application configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Database     DatabaseConfig     `yaml:"database"`
	RabbitMQ     RabbitMQConfig     `yaml:"rabbitmq"`
	Redis        RedisConfig        `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	App          AppConfig          `yaml:"app"`
	Worker       WorkerConfig       `yaml:"worker"`
	Provider     ProviderConfig     `yaml:"provider"`
	Poller       PollerConfig       `yaml:"poller"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Pricing      PricingConfig      `yaml:"pricing"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects the job record store backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// AutoMigrate applies the embedded schema on startup
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
	// DeadLetterExchange collects poll messages the worker drops
	DeadLetterExchange string `yaml:"dead_letter_exchange"`
	DeadLetterQueue    string `yaml:"dead_letter_queue"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds the connection used by the submission rate limiter
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// TelemetryConfig holds OpenTelemetry tracing configuration
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or otlp
	Endpoint string `yaml:"endpoint"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	MaxJobs         int           `yaml:"max_jobs"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ProviderConfig holds the remote inference backends
type ProviderConfig struct {
	Replicate ReplicateConfig `yaml:"replicate"`
	Synthetic SyntheticConfig `yaml:"synthetic"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	// DefaultModels maps a job kind to the model used when a request names none
	DefaultModels map[string]string `yaml:"default_models"`
}

// ReplicateConfig holds the Replicate-style HTTP API settings
type ReplicateConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIToken string        `yaml:"api_token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// SyntheticConfig holds the credential-less fake backend settings
type SyntheticConfig struct {
	SettleAfter time.Duration `yaml:"settle_after"`
	BaseURL     string        `yaml:"base_url"`
	FailModels  []string      `yaml:"fail_models"`
}

// BreakerConfig holds per-backend circuit breaker settings
type BreakerConfig struct {
	MaxRequests         uint32        `yaml:"max_requests"`
	Interval            time.Duration `yaml:"interval"`
	Timeout             time.Duration `yaml:"timeout"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
}

// PollerConfig holds job poller settings
type PollerConfig struct {
	Interval        time.Duration            `yaml:"interval"`
	MaxPollAttempts int                      `yaml:"max_poll_attempts"`
	RetryBackoff    time.Duration            `yaml:"retry_backoff"`
	CancelTimeout   time.Duration            `yaml:"cancel_timeout"`
	DefaultDeadline time.Duration            `yaml:"default_deadline"`
	Deadlines       map[string]time.Duration `yaml:"deadlines"`
}

// OrchestratorConfig holds batch submission settings
type OrchestratorConfig struct {
	DispatchMode  string        `yaml:"dispatch_mode"`
	SubmitStagger time.Duration `yaml:"submit_stagger"`
	// AllowAnonymous lets the "anonymous" owner bypass ownership checks
	AllowAnonymous bool `yaml:"allow_anonymous"`
}

// RateLimitConfig holds per-owner submission limits
type RateLimitConfig struct {
	Enabled       bool `yaml:"enabled"`
	JobsPerMinute int  `yaml:"jobs_per_minute"`
}

// PricingConfig holds the cost estimator rate table
type PricingConfig struct {
	Rates []RateConfig `yaml:"rates"`
	// KindDefaults maps a job kind to the per-unit rate used when no model matches
	KindDefaults map[string]float64 `yaml:"kind_defaults"`
}

// RateConfig is one row of the rate table. Resolution "*" matches any resolution.
type RateConfig struct {
	Model      string  `yaml:"model"`
	Resolution string  `yaml:"resolution"`
	PerUnit    float64 `yaml:"per_unit"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	config.applyEnv()

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverPostgres
	}
	if c.Orchestrator.DispatchMode == "" {
		c.Orchestrator.DispatchMode = DispatchLocal
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = 4 * time.Second
	}
	if c.Poller.MaxPollAttempts == 0 {
		c.Poller.MaxPollAttempts = 3
	}
	if c.Poller.RetryBackoff == 0 {
		c.Poller.RetryBackoff = 500 * time.Millisecond
	}
	if c.Poller.CancelTimeout == 0 {
		c.Poller.CancelTimeout = 10 * time.Second
	}
	if c.Poller.DefaultDeadline == 0 {
		c.Poller.DefaultDeadline = 20 * time.Minute
	}
	if c.Provider.Replicate.Timeout == 0 {
		c.Provider.Replicate.Timeout = 10 * time.Second
	}
	if c.Provider.Synthetic.SettleAfter == 0 {
		c.Provider.Synthetic.SettleAfter = 8 * time.Second
	}
	if c.Provider.Synthetic.BaseURL == "" {
		c.Provider.Synthetic.BaseURL = "https://synthetic.invalid/outputs"
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
}

// applyEnv lets secrets come from the environment instead of the config file
func (c *Config) applyEnv() {
	if v := os.Getenv("REPLICATE_API_TOKEN"); v != "" {
		c.Provider.Replicate.APIToken = v
	}
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
	}
	if v := os.Getenv("ALLOW_ANONYMOUS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Orchestrator.AllowAnonymous = b
		}
	}
}

// Validate checks the settings shared by both services
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case StoreDriverPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("invalid store driver: %q (must be %s or %s)", c.Store.Driver, StoreDriverPostgres, StoreDriverMemory)
	}

	switch c.Orchestrator.DispatchMode {
	case DispatchQueue:
		if c.Store.Driver == StoreDriverMemory {
			return fmt.Errorf("dispatch mode %s requires the %s store", DispatchQueue, StoreDriverPostgres)
		}
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	case DispatchLocal:
	default:
		return fmt.Errorf("invalid dispatch mode: %q (must be %s or %s)", c.Orchestrator.DispatchMode, DispatchLocal, DispatchQueue)
	}

	if c.Orchestrator.SubmitStagger < 0 {
		return fmt.Errorf("orchestrator submit_stagger must not be negative")
	}

	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller interval must be greater than 0")
	}

	if c.Poller.MaxPollAttempts <= 0 {
		return fmt.Errorf("poller max_poll_attempts must be greater than 0")
	}

	for kind, d := range c.Poller.Deadlines {
		if d <= 0 {
			return fmt.Errorf("poller deadline for %s must be greater than 0", kind)
		}
	}

	for i, r := range c.Pricing.Rates {
		if r.Model == "" {
			return fmt.Errorf("pricing rate %d: model is required", i)
		}
		if r.PerUnit < 0 {
			return fmt.Errorf("pricing rate %d: per_unit must not be negative", i)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Exporter == "otlp" && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry endpoint is required for the otlp exporter")
	}

	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.Validate(); err != nil {
		return err
	}

	if c.RateLimit.Enabled {
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when rate limiting is enabled")
		}
		if c.RateLimit.JobsPerMinute <= 0 {
			return fmt.Errorf("rate_limit jobs_per_minute must be greater than 0")
		}
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs.
// The worker always consumes from RabbitMQ and shares the postgres store.
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Store.Driver != StoreDriverPostgres {
		return fmt.Errorf("worker requires the %s store", StoreDriverPostgres)
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.MaxJobs <= 0 {
		return fmt.Errorf("worker max_jobs must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}


package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"

	"concierge/pkg/errors"
)

type Config struct {
	App           AppConfig
	HTTP          HTTPConfig
	Postgres      PostgresConfig
	ClickHouse    ClickHouseConfig
	Redis         RedisConfig
	Kafka         KafkaConfig
	AI            AIConfig
	Router        RouterConfig
	Registry      RegistryConfig
	Ledger        LedgerConfig
	ErrorTracking ErrorTrackingConfig
	Workers       WorkerConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"concierge"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Version  string `envconfig:"APP_VERSION" default:"dev"`
}

type HTTPConfig struct {
	Port         int           `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"120s"`
	AdminToken   string        `envconfig:"HTTP_ADMIN_TOKEN"`
}

// PostgresConfig is optional: an empty host switches the ledger to the in-memory store.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" default:"concierge"`
	Password string `envconfig:"POSTGRES_PASSWORD"`
	Database string `envconfig:"POSTGRES_DB" default:"concierge"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`
}

func (c PostgresConfig) Enabled() bool { return c.Host != "" }

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type ClickHouseConfig struct {
	Host     string `envconfig:"CLICKHOUSE_HOST"`
	Port     int    `envconfig:"CLICKHOUSE_PORT" default:"9000"`
	User     string `envconfig:"CLICKHOUSE_USER" default:"default"`
	Password string `envconfig:"CLICKHOUSE_PASSWORD"`
	Database string `envconfig:"CLICKHOUSE_DB" default:"concierge"`
}

func (c ClickHouseConfig) Enabled() bool { return c.Host != "" }

type RedisConfig struct {
	Host     string `envconfig:"REDIS_HOST"`
	Port     int    `envconfig:"REDIS_PORT" default:"6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type KafkaConfig struct {
	Brokers         []string `envconfig:"KAFKA_BROKERS"`
	GroupID         string   `envconfig:"KAFKA_GROUP_ID" default:"concierge"`
	CostRecordTopic string   `envconfig:"KAFKA_COST_RECORD_TOPIC" default:"ai.cost_records"`
}

func (c KafkaConfig) Enabled() bool { return len(c.Brokers) > 0 }

// AIConfig holds provider credentials. A provider without a key is not registered.
type AIConfig struct {
	AnthropicKey     string `envconfig:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string `envconfig:"ANTHROPIC_BASE_URL" default:"https://api.anthropic.com"`
	OpenAIKey        string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL    string `envconfig:"OPENAI_BASE_URL"`
	DeepSeekKey      string `envconfig:"DEEPSEEK_API_KEY"`
	DeepSeekBaseURL  string `envconfig:"DEEPSEEK_BASE_URL" default:"https://api.deepseek.com/v1"`
	GeminiKey        string `envconfig:"GEMINI_API_KEY"`

	// Requests per minute per provider, shared across replicas when Redis is configured
	RateLimitPerMinute int `envconfig:"AI_RATE_LIMIT_PER_MINUTE" default:"600"`
}

type RouterConfig struct {
	CallTimeout     time.Duration `envconfig:"ROUTER_CALL_TIMEOUT" default:"30s"`
	RequestDeadline time.Duration `envconfig:"ROUTER_REQUEST_DEADLINE" default:"90s"`
	MaxChainLength  int           `envconfig:"ROUTER_MAX_CHAIN_LENGTH" default:"3"`
	CatalogFile     string        `envconfig:"ROUTER_CATALOG_FILE"`
}

type RegistryConfig struct {
	RefreshInterval time.Duration `envconfig:"REGISTRY_REFRESH_INTERVAL" default:"30m"`
	MaxStaleness    time.Duration `envconfig:"REGISTRY_MAX_STALENESS" default:"6h"`
	ListTimeout     time.Duration `envconfig:"REGISTRY_LIST_TIMEOUT" default:"20s"`
}

type LedgerConfig struct {
	// DailyBudgetUSD is the per-user hard cap; empty disables budget enforcement
	DailyBudgetUSD string        `envconfig:"LEDGER_DAILY_BUDGET_USD"`
	WriteTimeout   time.Duration `envconfig:"LEDGER_WRITE_TIMEOUT" default:"5s"`
	RetryQueueSize int           `envconfig:"LEDGER_RETRY_QUEUE_SIZE" default:"1024"`
}

// DailyBudget parses the configured cap. ok is false when no cap is set.
func (c LedgerConfig) DailyBudget() (limit decimal.Decimal, ok bool, err error) {
	if c.DailyBudgetUSD == "" {
		return decimal.Zero, false, nil
	}
	limit, err = decimal.NewFromString(c.DailyBudgetUSD)
	if err != nil {
		return decimal.Zero, false, errors.Wrapf(err, "invalid LEDGER_DAILY_BUDGET_USD %q", c.DailyBudgetUSD)
	}
	if limit.IsNegative() {
		return decimal.Zero, false, errors.Wrapf(errors.ErrInvalidInput, "negative daily budget %s", limit)
	}
	return limit, true, nil
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"false"`
	Provider    string `envconfig:"ERROR_TRACKING_PROVIDER" default:"sentry"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

type WorkerConfig struct {
	LedgerRetryInterval   time.Duration `envconfig:"WORKER_LEDGER_RETRY_INTERVAL" default:"30s"`
	CatalogReloadInterval time.Duration `envconfig:"WORKER_CATALOG_RELOAD_INTERVAL" default:"5m"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.Router.MaxChainLength < 1 {
		return errors.NewValidationError("ROUTER_MAX_CHAIN_LENGTH", "must be at least 1", c.Router.MaxChainLength)
	}
	if c.Router.CallTimeout <= 0 {
		return errors.NewValidationError("ROUTER_CALL_TIMEOUT", "must be positive", c.Router.CallTimeout)
	}
	if c.Router.RequestDeadline < c.Router.CallTimeout {
		return errors.NewValidationError("ROUTER_REQUEST_DEADLINE", "must not be shorter than the call timeout", c.Router.RequestDeadline)
	}
	if c.Registry.RefreshInterval <= 0 {
		return errors.NewValidationError("REGISTRY_REFRESH_INTERVAL", "must be positive", c.Registry.RefreshInterval)
	}
	if c.Registry.MaxStaleness < c.Registry.RefreshInterval {
		return errors.NewValidationError("REGISTRY_MAX_STALENESS", "must not be shorter than the refresh interval", c.Registry.MaxStaleness)
	}
	if _, _, err := c.Ledger.DailyBudget(); err != nil {
		return err
	}
	return nil
}

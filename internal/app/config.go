package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	// При пустом GRPCHealthAddr gRPC health сервер не поднимается.
	GRPCHealthAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	PostgresMaxConns    int // 0 оставляет размер пула по умолчанию

	StripeSecretKey     string
	StripeWebhookSecret string
	// AllowFakeGateway разрешает работу без ключей Stripe (только для разработки).
	AllowFakeGateway bool
	GatewayTimeout   time.Duration

	Currency  string
	PublicURL string

	SupabaseURL       string
	SupabaseAnonKey   string
	SupabaseJWTSecret string

	// KafkaBrokers задаётся списком через запятую.
	KafkaBrokers string
	AMQPURL      string

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	RateRPS   float64
	RateBurst int

	ShutdownTimeout time.Duration
}

// DefaultConfig возвращает настройки для локального запуска.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:                    ":3000",
		MetricsAddr:                 ":9090",
		StorageDriver:               StorageDriverMemory,
		PostgresAutoMigrate:         true,
		GatewayTimeout:              10 * time.Second,
		Currency:                    "cop",
		PublicURL:                   "http://localhost:3000",
		OutboxPollInterval:          time.Second,
		OutboxBatchSize:             100,
		OutboxMaxAttempts:           3,
		OutboxRetryDelay:            100 * time.Millisecond,
		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  10 * time.Minute,
		IdempotencyCleanupBatchSize: 500,
		RateRPS:                     10,
		RateBurst:                   20,
		ShutdownTimeout:             10 * time.Second,
	}
}

// Brokers разбирает KafkaBrokers.
func (c Config) Brokers() []string {
	var brokers []string
	for _, chunk := range strings.Split(c.KafkaBrokers, ",") {
		if broker := strings.TrimSpace(chunk); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Validate проверяет сочетание настроек, которое нельзя исправить значением по умолчанию.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}

	if !c.AllowFakeGateway {
		if strings.TrimSpace(c.StripeSecretKey) == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
		}
		if strings.TrimSpace(c.StripeWebhookSecret) == "" {
			errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
		}
	}
	if strings.TrimSpace(c.SupabaseJWTSecret) == "" {
		errs = append(errs, errors.New("SUPABASE_JWT_SECRET is required"))
	}
	if strings.TrimSpace(c.Currency) == "" {
		errs = append(errs, errors.New("currency is required"))
	}
	if u, err := url.Parse(c.PublicURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("public url %q must be absolute", c.PublicURL))
	}

	return errors.Join(errs...)
}

// String описывает конфигурацию для стартового лога без секретов.
func (c Config) String() string {
	brokers := "none"
	switch {
	case len(c.Brokers()) > 0:
		brokers = "kafka(" + strings.Join(c.Brokers(), ",") + ")"
	case c.AMQPURL != "":
		brokers = "rabbitmq"
	}
	return fmt.Sprintf("http=%s metrics=%s grpc_health=%q storage=%s currency=%s broker=%s",
		c.HTTPAddr, c.MetricsAddr, c.GRPCHealthAddr, c.StorageDriver, c.Currency, brokers)
}

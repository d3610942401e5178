package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"

	PaymentProviderMock   = "mock"
	PaymentProviderStripe = "stripe"

	// EnvConfigFile указывает на YAML-файл конфигурации.
	EnvConfigFile = "SHOP_CONFIG_FILE"
)

// Config описывает настройки запуска сервиса.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	GRPCAddr    string `yaml:"grpc_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	StorageDriver       string `yaml:"storage_driver"`
	PostgresDSN         string `yaml:"postgres_dsn"`
	PostgresAutoMigrate bool   `yaml:"postgres_auto_migrate"`

	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	CartCacheTTL  time.Duration `yaml:"cart_cache_ttl"`

	PaymentProvider         string        `yaml:"payment_provider"`
	StripeSecretKey         string        `yaml:"stripe_secret_key"`
	StripeWebhookSecret     string        `yaml:"stripe_webhook_secret"`
	// StripeShippingCountries коды ISO 3166-1 для сбора адреса доставки.
	StripeShippingCountries []string      `yaml:"stripe_shipping_countries"`
	MockWebhookSecret       string        `yaml:"mock_webhook_secret"`
	MockCheckoutURL         string        `yaml:"mock_checkout_url"`
	Currency                string        `yaml:"currency"`
	SuccessURL              string        `yaml:"success_url"`
	CancelURL               string        `yaml:"cancel_url"`
	ProcessorTimeout        time.Duration `yaml:"processor_timeout"`
	BreakerMaxFailures      int           `yaml:"breaker_max_failures"`
	BreakerResetTimeout     time.Duration `yaml:"breaker_reset_timeout"`

	KafkaBrokers       []string      `yaml:"kafka_brokers"`
	KafkaClientID      string        `yaml:"kafka_client_id"`
	OutboxPollInterval time.Duration `yaml:"outbox_poll_interval"`
	OutboxBatchSize    int           `yaml:"outbox_batch_size"`
	OutboxMaxAttempts  int           `yaml:"outbox_max_attempts"`
	OutboxRetryDelay   time.Duration `yaml:"outbox_retry_delay"`

	IdempotencyTTL              time.Duration `yaml:"idempotency_ttl"`
	IdempotencyCleanupInterval  time.Duration `yaml:"idempotency_cleanup_interval"`
	IdempotencyCleanupBatchSize int           `yaml:"idempotency_cleanup_batch_size"`
	IdempotencyProcessingLease  time.Duration `yaml:"idempotency_processing_lease"`

	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		HTTPAddr:    ":8080",
		GRPCAddr:    ":50051",
		MetricsAddr: ":9090",
		LogLevel:    "info",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,

		CartCacheTTL: 15 * time.Minute,

		PaymentProvider:     PaymentProviderMock,
		MockWebhookSecret:   "whsec_local",
		MockCheckoutURL:     "http://localhost:8080/mock-checkout",
		Currency:            "USD",
		SuccessURL:          "http://localhost:3000/checkout/success?order={ORDER_ID}",
		CancelURL:           "http://localhost:3000/cart",
		ProcessorTimeout:    10 * time.Second,
		BreakerMaxFailures:  5,
		BreakerResetTimeout: 30 * time.Second,

		KafkaClientID:      "shop-service",
		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  3,
		OutboxRetryDelay:   500 * time.Millisecond,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,
		IdempotencyProcessingLease:  5 * time.Minute,

		RequestTimeout:  30 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// LoadConfig собирает конфигурацию: значения по умолчанию, затем YAML-файл
// из SHOP_CONFIG_FILE, затем переменные окружения.
func LoadConfig(getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := DefaultConfig()

	if path := strings.TrimSpace(getenv(EnvConfigFile)); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"SHOP_HTTP_ADDR":             &cfg.HTTPAddr,
		"SHOP_GRPC_ADDR":             &cfg.GRPCAddr,
		"SHOP_METRICS_ADDR":          &cfg.MetricsAddr,
		"SHOP_LOG_LEVEL":             &cfg.LogLevel,
		"SHOP_STORAGE_DRIVER":        &cfg.StorageDriver,
		"SHOP_POSTGRES_DSN":          &cfg.PostgresDSN,
		"SHOP_REDIS_ADDR":            &cfg.RedisAddr,
		"SHOP_REDIS_PASSWORD":        &cfg.RedisPassword,
		"SHOP_PAYMENT_PROVIDER":      &cfg.PaymentProvider,
		"SHOP_STRIPE_SECRET_KEY":     &cfg.StripeSecretKey,
		"SHOP_STRIPE_WEBHOOK_SECRET": &cfg.StripeWebhookSecret,
		"SHOP_MOCK_WEBHOOK_SECRET":   &cfg.MockWebhookSecret,
		"SHOP_MOCK_CHECKOUT_URL":     &cfg.MockCheckoutURL,
		"SHOP_CURRENCY":              &cfg.Currency,
		"SHOP_SUCCESS_URL":           &cfg.SuccessURL,
		"SHOP_CANCEL_URL":            &cfg.CancelURL,
		"SHOP_KAFKA_CLIENT_ID":       &cfg.KafkaClientID,
	}
	for key, dst := range strs {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"SHOP_REDIS_DB":                       &cfg.RedisDB,
		"SHOP_BREAKER_MAX_FAILURES":           &cfg.BreakerMaxFailures,
		"SHOP_OUTBOX_BATCH_SIZE":              &cfg.OutboxBatchSize,
		"SHOP_OUTBOX_MAX_ATTEMPTS":            &cfg.OutboxMaxAttempts,
		"SHOP_IDEMPOTENCY_CLEANUP_BATCH_SIZE": &cfg.IdempotencyCleanupBatchSize,
	}
	for key, dst := range ints {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", key, v)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"SHOP_CART_CACHE_TTL":               &cfg.CartCacheTTL,
		"SHOP_PROCESSOR_TIMEOUT":            &cfg.ProcessorTimeout,
		"SHOP_BREAKER_RESET_TIMEOUT":        &cfg.BreakerResetTimeout,
		"SHOP_OUTBOX_POLL_INTERVAL":         &cfg.OutboxPollInterval,
		"SHOP_OUTBOX_RETRY_DELAY":           &cfg.OutboxRetryDelay,
		"SHOP_IDEMPOTENCY_TTL":              &cfg.IdempotencyTTL,
		"SHOP_IDEMPOTENCY_CLEANUP_INTERVAL": &cfg.IdempotencyCleanupInterval,
		"SHOP_IDEMPOTENCY_PROCESSING_LEASE": &cfg.IdempotencyProcessingLease,
		"SHOP_REQUEST_TIMEOUT":              &cfg.RequestTimeout,
		"SHOP_SHUTDOWN_TIMEOUT":             &cfg.ShutdownTimeout,
	}
	for key, dst := range durations {
		v := strings.TrimSpace(getenv(key))
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", key, v)
		}
		*dst = d
	}

	if v := strings.TrimSpace(getenv("SHOP_POSTGRES_AUTO_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SHOP_POSTGRES_AUTO_MIGRATE: invalid boolean %q", v)
		}
		cfg.PostgresAutoMigrate = b
	}
	if v := strings.TrimSpace(getenv("KAFKA_BROKERS")); v != "" {
		cfg.KafkaBrokers = SplitBrokers(v)
	}
	if v := strings.TrimSpace(getenv("SHOP_STRIPE_SHIPPING_COUNTRIES")); v != "" {
		cfg.StripeShippingCountries = SplitBrokers(strings.ToUpper(v))
	}
	return nil
}

// SplitBrokers разбирает список через запятую, пропуская пустые элементы.
func SplitBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			brokers = append(brokers, broker)
		}
	}
	return brokers
}

// Validate проверяет согласованность настроек.
func (c Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.HTTPAddr) == "" {
		errs = append(errs, errors.New("http_addr is required"))
	}
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres_dsn is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	switch c.PaymentProvider {
	case PaymentProviderMock:
		if c.MockWebhookSecret == "" {
			errs = append(errs, errors.New("mock_webhook_secret is required for mock provider"))
		}
	case PaymentProviderStripe:
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("stripe_secret_key and stripe_webhook_secret are required for stripe provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported payment provider %q", c.PaymentProvider))
	}
	if len(strings.TrimSpace(c.Currency)) != 3 {
		errs = append(errs, fmt.Errorf("currency must be an ISO 4217 code, got %q", c.Currency))
	}
	if c.SuccessURL == "" || c.CancelURL == "" {
		errs = append(errs, errors.New("success_url and cancel_url are required"))
	}
	if c.ProcessorTimeout <= 0 {
		errs = append(errs, errors.New("processor_timeout must be > 0"))
	}
	if c.OutboxBatchSize <= 0 || c.OutboxMaxAttempts <= 0 || c.OutboxPollInterval <= 0 {
		errs = append(errs, errors.New("outbox batch size, max attempts and poll interval must be > 0"))
	}
	if c.OutboxRetryDelay < 0 {
		errs = append(errs, errors.New("outbox_retry_delay must be >= 0"))
	}
	if c.IdempotencyTTL <= 0 || c.IdempotencyCleanupInterval <= 0 || c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency ttl, cleanup interval and batch size must be > 0"))
	}
	if c.IdempotencyProcessingLease <= 0 {
		errs = append(errs, errors.New("idempotency_processing_lease must be > 0"))
	}
	for _, country := range c.StripeShippingCountries {
		if len(country) != 2 {
			errs = append(errs, fmt.Errorf("stripe_shipping_countries: %q is not an ISO 3166-1 alpha-2 code", country))
		}
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

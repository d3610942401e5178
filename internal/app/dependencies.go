package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/cache"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const stripeSignatureHeader = "Stripe-Signature"

// runtimeDependencies содержит репозитории и внешние клиенты приложения.
type runtimeDependencies struct {
	orders          domain.OrderRepository
	carts           domain.CartRepository
	catalog         domain.CatalogRepository
	outboxRepo      domain.OutboxRepository
	timelineRepo    domain.TimelineRepository
	idempotencyRepo domain.IdempotencyRepository

	cartCache cache.CartCache

	checkers map[string]healthcheck.Checker
	closers  []func() error
}

func (d *runtimeDependencies) addChecker(name string, checker healthcheck.Checker) {
	if d.checkers == nil {
		d.checkers = make(map[string]healthcheck.Checker)
	}
	d.checkers[name] = checker
}

// Close освобождает ресурсы в обратном порядке.
func (d *runtimeDependencies) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

// initRuntimeDependencies выбирает хранилище и подключает кэш корзины.
func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps := &runtimeDependencies{}

	switch cfg.StorageDriver {
	case StorageDriverMemory, "":
		store := memory.NewStore()
		seedDemoCatalog(store.Catalog())
		deps.orders = store.Orders()
		deps.carts = store.Carts()
		deps.catalog = store.Catalog()
		deps.outboxRepo = store.Outbox()
		deps.timelineRepo = store.Timeline()
		deps.idempotencyRepo = store.Idempotency()
		logger.Warn("using in-memory storage, data is lost on restart")
	case StorageDriverPostgres:
		if strings.TrimSpace(cfg.PostgresDSN) == "" {
			return nil, errors.New("postgres DSN is required for postgres storage")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		deps.closers = append(deps.closers, store.Close)
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = deps.Close()
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("postgres migrations applied")
		}
		deps.orders = postgres.NewOrderRepository(store)
		deps.carts = postgres.NewCartRepository(store, postgres.DefaultMinorUnits)
		deps.catalog = postgres.NewCatalogRepository(store, postgres.DefaultMinorUnits)
		deps.outboxRepo = postgres.NewOutboxRepository(store)
		deps.timelineRepo = postgres.NewTimelineRepository(store)
		deps.idempotencyRepo = postgres.NewIdempotencyRepository(store)
		deps.addChecker("postgres", healthcheck.NewSimpleChecker("postgres", store.Ping))
		logger.Info("postgres storage initialized")
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}

	if addr := strings.TrimSpace(cfg.RedisAddr); addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		deps.closers = append(deps.closers, client.Close)
		deps.cartCache = cache.NewRedisCartCache(client, cfg.CartCacheTTL)
		// Кэш необязателен: без Redis корзина читается из хранилища.
		deps.addChecker("redis", healthcheck.NewOptionalChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
		logger.WithField("addr", addr).Info("redis cart cache enabled")
	}

	return deps, nil
}

// newPaymentProcessor создаёт адаптер платёжного провайдера за circuit breaker
// и возвращает имя заголовка подписи webhook.
func newPaymentProcessor(cfg Config, logger *log.Entry) (domain.PaymentProcessor, string, error) {
	var (
		processor domain.PaymentProcessor
		header    string
	)
	switch cfg.PaymentProvider {
	case PaymentProviderStripe:
		sp, err := payment.NewStripeProcessor(stripeConfig(cfg), logger.WithField("provider", "stripe"))
		if err != nil {
			return nil, "", err
		}
		processor, header = sp, stripeSignatureHeader
	case PaymentProviderMock, "":
		logger.Warn("using mock payment processor")
		processor = payment.NewMockProcessor(cfg.MockWebhookSecret, cfg.MockCheckoutURL)
		header = payment.MockSignatureHeader
	default:
		return nil, "", fmt.Errorf("unsupported payment provider %q", cfg.PaymentProvider)
	}

	breaker := payment.NewBreaker(processor, cfg.BreakerMaxFailures, cfg.BreakerResetTimeout, logger.WithField("component", "payment-breaker"))
	return breaker, header, nil
}

func stripeConfig(cfg Config) payment.StripeConfig {
	return payment.StripeConfig{
		SecretKey:         cfg.StripeSecretKey,
		WebhookSecret:     cfg.StripeWebhookSecret,
		ShippingCountries: cfg.StripeShippingCountries,
	}
}

// seedDemoCatalog наполняет in-memory каталог для локального запуска.
func seedDemoCatalog(catalog *memory.CatalogRepository) {
	catalog.PutProduct(domain.Product{ID: "tee-classic", Name: "Classic Tee", PriceMinor: 2500})
	catalog.PutProduct(domain.Product{ID: "hoodie-zip", Name: "Zip Hoodie", PriceMinor: 6900})
	catalog.PutProduct(domain.Product{ID: "cap-logo", Name: "Logo Cap", PriceMinor: 1800})
	catalog.PutColor("black", "Black")
	catalog.PutColor("white", "White")
	catalog.PutSize("m", "M")
	catalog.PutSize("l", "L")
}

package httpapi

import (
	"context"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconciler"
)

const (
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultMaxWebhookBytes = 1 << 20
	defaultSignatureHeader = "Stripe-Signature"
	defaultCurrency        = "USD"
)

// CartService операции корзины покупателя.
type CartService interface {
	AddLine(ctx context.Context, userID string, in domain.AddLineInput) (int, error)
	SetQuantity(ctx context.Context, userID, lineID string, qty int32) error
	RemoveLine(ctx context.Context, userID, lineID string) error
	Clear(ctx context.Context, userID string) error
	GetCart(ctx context.Context, userID string) (domain.CartView, error)
}

// CheckoutService оформление и повторная оплата заказа.
type CheckoutService interface {
	StartCheckout(ctx context.Context, userID string) (checkout.Result, error)
	PayLater(ctx context.Context, userID, orderID string) (checkout.Result, error)
}

// OrderService чтение заказов и админские операции.
type OrderService interface {
	MyOrders(ctx context.Context, userID string) ([]domain.Order, error)
	MyUnpaidOrders(ctx context.Context, userID string) ([]domain.Order, error)
	CustomerOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	DeleteUnpaid(ctx context.Context, userID, orderID string) error
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	Stats(ctx context.Context) (domain.OrderStats, error)
	MonthlyRevenue(ctx context.Context, year int) ([]domain.MonthRevenue, error)
	Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error)
	SetFulfillmentStatus(ctx context.Context, orderID string, status domain.FulfillmentStatus) (domain.Order, error)
}

// WebhookProcessor проверяет и применяет события платёжного провайдера.
type WebhookProcessor interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (reconciler.Result, error)
}

// Config задаёт параметры HTTP-слоя.
type Config struct {
	Currency        string
	SignatureHeader string
	MaxWebhookBytes int64
	IdempotencyTTL  time.Duration
	RequestTimeout  time.Duration
}

// Handler обслуживает HTTP API магазина.
type Handler struct {
	cart        CartService
	checkout    CheckoutService
	orders      OrderService
	webhooks    WebhookProcessor
	idempotency domain.IdempotencyRepository
	metrics     *metrics.ShopMetrics
	logger      *log.Entry
	cfg         Config
	now         func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithIdempotency включает поддержку заголовка Idempotency-Key.
func WithIdempotency(repo domain.IdempotencyRepository) Option {
	return func(h *Handler) { h.idempotency = repo }
}

// WithMetrics задаёт метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler собирает HTTP-слой поверх сервисов.
func NewHandler(cart CartService, co CheckoutService, orders OrderService, webhooks WebhookProcessor, cfg Config, opts ...Option) *Handler {
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = defaultCurrency
	}
	cfg.Currency = strings.ToUpper(cfg.Currency)
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = defaultSignatureHeader
	}
	if cfg.MaxWebhookBytes <= 0 {
		cfg.MaxWebhookBytes = defaultMaxWebhookBytes
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = defaultIdempotencyTTL
	}

	h := &Handler{
		cart:     cart,
		checkout: co,
		orders:   orders,
		webhooks: webhooks,
		logger:   log.WithField("component", "httpapi"),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

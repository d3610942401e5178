// Package checkout превращает корзину в неизменяемый заказ и передаёт оплату
// внешнему провайдеру.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultProcessorTimeout = 10 * time.Second
	defaultCurrency         = "USD"

	// OrderIDPlaceholder подставляется в success/cancel URL.
	OrderIDPlaceholder = "{ORDER_ID}"

	operationCheckout = "checkout"
	operationPayLater = "pay_later"
)

// Config задаёт параметры оформления.
type Config struct {
	Currency         string
	SuccessURL       string
	CancelURL        string
	ProcessorTimeout time.Duration
}

// Result ответ оформления: заказ и куда отправить покупателя.
type Result struct {
	OrderID     string `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
}

// Service Checkout Initiator.
type Service struct {
	orders    domain.OrderRepository
	carts     domain.CartRepository
	processor domain.PaymentProcessor
	cfg       Config
	metrics   *metrics.ShopMetrics
	logger    *log.Entry
	now       func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис оформления заказов.
func NewService(orders domain.OrderRepository, carts domain.CartRepository, processor domain.PaymentProcessor, cfg Config, opts ...Option) *Service {
	if cfg.ProcessorTimeout <= 0 {
		cfg.ProcessorTimeout = defaultProcessorTimeout
	}
	if strings.TrimSpace(cfg.Currency) == "" {
		cfg.Currency = defaultCurrency
	}
	cfg.Currency = strings.ToUpper(strings.TrimSpace(cfg.Currency))

	s := &Service{
		orders:    orders,
		carts:     carts,
		processor: processor,
		cfg:       cfg,
		logger:    log.WithField("component", "checkout-service"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartCheckout создаёт заказ из текущей корзины и запрашивает платёжную сессию.
// Каждый вызов создаёт новый заказ. Корзина не очищается: это делает reconciler
// после подтверждения оплаты.
func (s *Service) StartCheckout(ctx context.Context, userID string) (res Result, err error) {
	started := time.Now()
	defer func() { s.metrics.RecordCheckout(operationCheckout, checkoutResult(err), time.Since(started)) }()

	if strings.TrimSpace(userID) == "" {
		return Result{}, domain.ErrCustomerRequired
	}

	lines, err := s.carts.View(ctx, userID)
	if err != nil {
		return Result{}, fmt.Errorf("load cart: %w", err)
	}
	if len(lines) == 0 {
		return Result{}, domain.ErrEmptyCart
	}

	order, err := s.buildOrder(userID, lines)
	if err != nil {
		return Result{}, err
	}

	change, err := domain.NewOrderChange(order.ID, domain.EventOrderCreated, "", order.CreatedAt, map[string]any{
		"order_number": order.Number,
		"customer_id":  order.CustomerID,
		"amount_minor": order.AmountMinor,
		"currency":     order.Currency,
		"items":        len(order.Items),
	})
	if err != nil {
		return Result{}, err
	}
	if err := s.orders.Create(ctx, order, change); err != nil {
		return Result{}, fmt.Errorf("create order: %w", err)
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.Number,
		"user_id":      userID,
		"amount_minor": order.AmountMinor,
	})
	logger.Info("order created")

	// Заказ уже зафиксирован. Если провайдер недоступен, заказ остаётся
	// PENDING/UNPAID без сессии: его можно оплатить позже или удалить.
	return s.requestSession(ctx, order, logger)
}

// PayLater открывает новую платёжную сессию для неоплаченного заказа
// с теми же позициями и суммой.
func (s *Service) PayLater(ctx context.Context, userID, orderID string) (res Result, err error) {
	started := time.Now()
	defer func() { s.metrics.RecordCheckout(operationPayLater, checkoutResult(err), time.Since(started)) }()

	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return Result{}, err
	}
	if order.CustomerID != userID {
		return Result{}, domain.ErrOrderForbidden
	}
	if !order.IsPayable() {
		return Result{}, domain.ErrOrderNotPayable
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"order_number": order.Number,
		"user_id":      userID,
	})
	return s.requestSession(ctx, order, logger)
}

func (s *Service) requestSession(ctx context.Context, order domain.Order, logger *log.Entry) (Result, error) {
	req := domain.SessionRequest{
		OrderID:    order.ID,
		UserID:     order.CustomerID,
		Currency:   order.Currency,
		Lines:      sessionLines(order.Items),
		SuccessURL: expandURL(s.cfg.SuccessURL, order.ID),
		CancelURL:  expandURL(s.cfg.CancelURL, order.ID),
		Metadata: map[string]string{
			domain.MetadataOrderID: order.ID,
			domain.MetadataUserID:  order.CustomerID,
		},
	}

	// Вызов провайдера ограничен таймаутом и идёт вне транзакций хранилища.
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProcessorTimeout)
	callStarted := time.Now()
	session, err := s.processor.CreateSession(callCtx, req)
	cancel()
	s.metrics.RecordProcessorCall(time.Since(callStarted))
	if err != nil {
		logger.WithError(err).Warn("payment session request failed, order left unpaid")
		if !errors.Is(err, domain.ErrExternalService) {
			err = fmt.Errorf("%w: %w", domain.ErrExternalService, err)
		}
		return Result{}, err
	}

	change, err := domain.NewOrderChange(order.ID, domain.EventCheckoutSessionCreated, "", s.now(), map[string]any{
		"session_id":     session.ID,
		"payment_method": session.MethodLabel,
	})
	if err != nil {
		return Result{}, err
	}
	if err := s.orders.AttachSession(ctx, order.ID, session, change); err != nil {
		return Result{}, fmt.Errorf("attach payment session: %w", err)
	}

	logger.WithField("session_id", session.ID).Info("payment session created")
	return Result{
		OrderID:     order.ID,
		OrderNumber: order.Number,
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
	}, nil
}

// buildOrder фиксирует текущие цены корзины как цены покупки.
func (s *Service) buildOrder(userID string, lines []domain.CartLineView) (domain.Order, error) {
	now := s.now()
	order := domain.Order{
		ID:          uuid.NewString(),
		Number:      NewOrderNumber(now),
		CustomerID:  userID,
		Fulfillment: domain.FulfillmentPending,
		Payment:     domain.PaymentUnpaid,
		Currency:    s.cfg.Currency,
		Items:       make([]domain.OrderItem, 0, len(lines)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	for _, line := range lines {
		item := domain.OrderItem{
			ID:          uuid.NewString(),
			ProductID:   line.ProductID,
			ProductName: line.ProductName,
			ImageURL:    line.ImageURL,
			ColorID:     copyOptional(line.ColorID),
			ColorName:   line.ColorName,
			SizeID:      copyOptional(line.SizeID),
			SizeName:    line.SizeName,
			Qty:         line.Quantity,
			PriceMinor:  line.UnitPriceMinor,
			CreatedAt:   now,
		}
		order.Items = append(order.Items, item)
		order.AmountMinor += item.Subtotal()
	}

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, fmt.Errorf("build order: %w", errors.Join(errs...))
	}
	return order, nil
}

// NewOrderNumber возвращает человекочитаемый номер заказа, упорядоченный по времени.
func NewOrderNumber(at time.Time) string {
	return "ORD-" + ulid.MustNew(ulid.Timestamp(at), ulid.DefaultEntropy()).String()
}

func sessionLines(items []domain.OrderItem) []domain.SessionLine {
	out := make([]domain.SessionLine, 0, len(items))
	for _, item := range items {
		name := item.ProductName
		var variant []string
		if item.ColorName != "" {
			variant = append(variant, item.ColorName)
		}
		if item.SizeName != "" {
			variant = append(variant, item.SizeName)
		}
		if len(variant) > 0 {
			name = fmt.Sprintf("%s (%s)", name, strings.Join(variant, ", "))
		}
		if name == "" {
			name = item.ProductID
		}
		out = append(out, domain.SessionLine{
			Name:            name,
			ImageURL:        item.ImageURL,
			UnitAmountMinor: item.PriceMinor,
			Quantity:        int64(item.Qty),
		})
	}
	return out
}

// expandURL подставляет идентификатор заказа в шаблон; если плейсхолдера нет,
// добавляет параметр orderId.
func expandURL(template, orderID string) string {
	if template == "" {
		return ""
	}
	if strings.Contains(template, OrderIDPlaceholder) {
		return strings.ReplaceAll(template, OrderIDPlaceholder, url.QueryEscape(orderID))
	}
	u, err := url.Parse(template)
	if err != nil {
		return template
	}
	q := u.Query()
	q.Set(domain.MetadataOrderID, orderID)
	u.RawQuery = q.Encode()
	return u.String()
}

func checkoutResult(err error) string {
	switch {
	case err == nil:
		return metrics.CheckoutOK
	case errors.Is(err, domain.ErrEmptyCart):
		return metrics.CheckoutEmptyCart
	case errors.Is(err, domain.ErrExternalService):
		return metrics.CheckoutProcessorError
	default:
		return metrics.CheckoutError
	}
}

func copyOptional(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

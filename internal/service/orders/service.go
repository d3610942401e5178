// Package orders отдаёт проекции заказов покупателю и администратору.
package orders

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Service Order Query Service и ручное управление статусом выполнения.
type Service struct {
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	retry    RetryConfig
	metrics  *metrics.ShopMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithRetryConfig задаёт повтор при конфликте версий.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(s *Service) { s.retry = cfg }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger задаёт logger.
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

// NewService создаёт сервис заказов.
func NewService(orders domain.OrderRepository, timeline domain.TimelineRepository, opts ...Option) *Service {
	s := &Service{
		orders:   orders,
		timeline: timeline,
		retry:    DefaultRetryConfig(),
		logger:   log.WithField("component", "orders-service"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MyOrders возвращает заказы покупателя, новые первыми.
func (s *Service) MyOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.orders.ListByCustomer(ctx, userID, domain.OrderFilter{})
}

// MyUnpaidOrders возвращает неоплаченные заказы покупателя.
func (s *Service) MyUnpaidOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	return s.orders.ListByCustomer(ctx, userID, domain.OrderFilter{Payment: domain.PaymentUnpaid})
}

// CustomerOrder возвращает заказ, только если он принадлежит покупателю.
func (s *Service) CustomerOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if order.CustomerID != userID {
		return domain.Order{}, domain.ErrOrderForbidden
	}
	return order, nil
}

// Order возвращает любой заказ (администратор).
func (s *Service) Order(ctx context.Context, orderID string) (domain.Order, error) {
	return s.orders.Get(ctx, orderID)
}

// ListOrders возвращает все заказы по фильтру (администратор).
func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	if filter.Fulfillment != "" && !filter.Fulfillment.Valid() {
		return nil, fmt.Errorf("fulfillment_status %q: %w", filter.Fulfillment, domain.ErrValidation)
	}
	if filter.Payment != "" && !filter.Payment.Valid() {
		return nil, fmt.Errorf("payment_status %q: %w", filter.Payment, domain.ErrValidation)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.orders.List(ctx, filter)
}

// Stats возвращает агрегаты для панели администратора.
func (s *Service) Stats(ctx context.Context) (domain.OrderStats, error) {
	return s.orders.Stats(ctx)
}

// MonthlyRevenue возвращает выручку по месяцам; year = 0 означает текущий год.
func (s *Service) MonthlyRevenue(ctx context.Context, year int) ([]domain.MonthRevenue, error) {
	if year == 0 {
		year = s.now().Year()
	}
	if year < 1970 || year > 9999 {
		return nil, fmt.Errorf("year %d: %w", year, domain.ErrValidation)
	}
	return s.orders.MonthlyRevenue(ctx, year)
}

// Timeline возвращает историю заказа.
func (s *Service) Timeline(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return s.timeline.List(ctx, orderID)
}

// SetFulfillmentStatus меняет только статус выполнения. Статус оплаты
// принадлежит провайдеру и здесь не трогается.
func (s *Service) SetFulfillmentStatus(ctx context.Context, orderID string, status domain.FulfillmentStatus) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%q: %w", status, domain.ErrUnknownFulfillmentStatus)
	}

	var updated domain.Order
	err := onVersionConflict(ctx, s.retry, s.logger, "set_fulfillment_status", orderID, func() error {
		order, err := s.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Fulfillment == status {
			updated = order
			return nil
		}

		previous := order.Fulfillment
		change, err := domain.NewOrderChange(order.ID, domain.EventFulfillmentStatusChanged, "admin override", s.now(), map[string]any{
			"from": string(previous),
			"to":   string(status),
		})
		if err != nil {
			return err
		}

		order.Fulfillment = status
		if err := s.orders.SaveFulfillment(ctx, order, change); err != nil {
			return err
		}
		order.Version++
		updated = order

		s.metrics.RecordFulfillmentChange(string(status))
		s.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"from":     previous,
			"to":       status,
		}).Info("fulfillment status changed")
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// DeleteUnpaid удаляет неоплаченный заказ покупателя.
func (s *Service) DeleteUnpaid(ctx context.Context, userID, orderID string) error {
	order, err := s.CustomerOrder(ctx, userID, orderID)
	if err != nil {
		return err
	}
	if order.Payment != domain.PaymentUnpaid {
		return domain.ErrOrderNotDeletable
	}
	if err := s.orders.DeleteUnpaid(ctx, orderID); err != nil {
		return fmt.Errorf("delete order: %w", err)
	}

	s.metrics.RecordOrderDeleted()
	s.logger.WithFields(log.Fields{"order_id": orderID, "user_id": userID}).Info("unpaid order deleted")
	return nil
}

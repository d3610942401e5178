// Package reconciler сверяет состояние заказов с асинхронными событиями
// платёжного провайдера.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Outcome результат обработки события. Все исходы, кроме ошибки,
// подтверждаются провайдеру.
type Outcome string

const (
	// OutcomeApplied переход записан.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate событие с этим идентификатором уже обработано.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeSkipped заказ не в том состоянии, из которого допустим переход.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeIgnored тип события магазину не интересен.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeOrderNotFound заказ не найден или корреляция отсутствует.
	OutcomeOrderNotFound Outcome = "order_not_found"
)

// Result описывает, что произошло с событием.
type Result struct {
	EventID   string
	EventType domain.PaymentEventType
	OrderID   string
	Outcome   Outcome
}

// CartInvalidator сбрасывает кэш корзины после её очистки.
type CartInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

// Reconciler Payment Event Reconciler.
type Reconciler struct {
	orders    domain.OrderRepository
	processor domain.PaymentProcessor
	carts     CartInvalidator
	metrics   *metrics.ShopMetrics
	logger    *log.Entry
	now       func() time.Time
}

// Option настраивает Reconciler.
type Option func(*Reconciler)

// WithCartInvalidator подключает сброс кэша корзины.
func WithCartInvalidator(c CartInvalidator) Option {
	return func(r *Reconciler) { r.carts = c }
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New создаёт reconciler.
func New(orders domain.OrderRepository, processor domain.PaymentProcessor, opts ...Option) *Reconciler {
	r := &Reconciler{
		orders:    orders,
		processor: processor,
		logger:    log.WithField("component", "payment-reconciler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleEvent проверяет подпись, разбирает событие и применяет его.
// Ошибка означает, что провайдер должен повторить доставку
// (кроме ErrInvalidSignature и ErrValidation: их повтор не поможет).
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (Result, error) {
	event, err := r.processor.VerifyAndParseEvent(payload, signature)
	if err != nil {
		r.metrics.RecordWebhookRejected()
		r.logger.WithError(err).Warn("payment webhook rejected")
		return Result{}, err
	}
	return r.Apply(ctx, event)
}

// Apply применяет уже проверенное событие идемпотентно.
func (r *Reconciler) Apply(ctx context.Context, event domain.PaymentEvent) (Result, error) {
	started := time.Now()
	res, err := r.apply(ctx, event)
	if err != nil {
		r.metrics.RecordPaymentEvent(string(event.Type), "error", time.Since(started))
		return res, err
	}
	r.metrics.RecordPaymentEvent(string(event.Type), string(res.Outcome), time.Since(started))
	return res, nil
}

func (r *Reconciler) apply(ctx context.Context, event domain.PaymentEvent) (Result, error) {
	res := Result{EventID: event.ID, EventType: event.Type, OrderID: event.OrderID}
	logger := r.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"event_type": event.RawType,
		"order_id":   event.OrderID,
	})

	if event.Type == domain.PaymentEventIgnored {
		logger.Info("payment event ignored")
		res.Outcome = OutcomeIgnored
		return res, nil
	}

	if event.ID != "" {
		processed, err := r.orders.IsEventProcessed(ctx, event.ID)
		if err != nil {
			return res, fmt.Errorf("check processed event: %w", err)
		}
		if processed {
			logger.Info("payment event already processed")
			res.Outcome = OutcomeDuplicate
			return res, nil
		}
	}

	order, err := r.resolveOrder(ctx, event)
	if errors.Is(err, domain.ErrNotFound) {
		logger.WithError(err).Warn("payment event without a matching order acknowledged")
		res.Outcome = OutcomeOrderNotFound
		return res, nil
	}
	if err != nil {
		return res, err
	}
	res.OrderID = order.ID
	logger = logger.WithField("order_id", order.ID)

	if event.UserID != "" && event.UserID != order.CustomerID {
		logger.WithFields(log.Fields{
			"metadata_user_id": event.UserID,
			"owner_id":         order.CustomerID,
		}).Warn("payment event user does not match order owner, using owner")
	}

	tr, err := domain.PlanTransition(order, event)
	if errors.Is(err, domain.ErrInvalidState) {
		logger.WithField("state", domain.StateOf(order).String()).Info("payment event does not apply to current order state")
		res.Outcome = OutcomeSkipped
		return res, nil
	}
	if err != nil {
		return res, err
	}

	now := r.now()
	tr.At = now
	tr.Change, err = domain.NewOrderChange(order.ID, timelineEventFor(event.Type), event.RawType, now, map[string]any{
		"processor_event_id": event.ID,
		"payment_intent_id":  event.PaymentIntentID,
		"fulfillment_status": string(tr.To.Fulfillment),
		"payment_status":     string(tr.To.Payment),
	})
	if err != nil {
		return res, err
	}

	applied, err := r.orders.ApplyTransition(ctx, tr)
	if errors.Is(err, domain.ErrOrderNotFound) {
		logger.Warn("order disappeared before payment event was applied")
		res.Outcome = OutcomeOrderNotFound
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("apply payment transition: %w", err)
	}
	if !applied {
		// Проиграли гонку параллельной доставке того же или другого события.
		res.Outcome = OutcomeSkipped
		if event.ID != "" {
			if processed, checkErr := r.orders.IsEventProcessed(ctx, event.ID); checkErr == nil && processed {
				res.Outcome = OutcomeDuplicate
			}
		}
		logger.WithField("outcome", res.Outcome).Info("payment transition not applied")
		return res, nil
	}

	if tr.ClearCartOf != "" && r.carts != nil {
		r.carts.Invalidate(ctx, tr.ClearCartOf)
	}

	logger.WithFields(log.Fields{
		"from": tr.From.String(),
		"to":   tr.To.String(),
	}).Info("payment transition applied")
	res.Outcome = OutcomeApplied
	return res, nil
}

// resolveOrder находит заказ события. Возврат ищется по payment intent,
// остальные события по идентификатору заказа из метаданных.
func (r *Reconciler) resolveOrder(ctx context.Context, event domain.PaymentEvent) (domain.Order, error) {
	if event.Type == domain.PaymentEventChargeRefunded {
		if event.PaymentIntentID != "" {
			order, err := r.orders.FindByPaymentIntent(ctx, event.PaymentIntentID)
			if err == nil || !errors.Is(err, domain.ErrNotFound) || !event.HasCorrelation() {
				return order, err
			}
		}
		if !event.HasCorrelation() {
			return domain.Order{}, fmt.Errorf("refund without payment intent: %w", domain.ErrOrderNotFound)
		}
	}

	if !event.HasCorrelation() {
		return domain.Order{}, fmt.Errorf("event without order correlation: %w", domain.ErrOrderNotFound)
	}
	return r.orders.Get(ctx, event.OrderID)
}

func timelineEventFor(t domain.PaymentEventType) string {
	switch t {
	case domain.PaymentEventSessionCompleted:
		return domain.EventOrderPaid
	case domain.PaymentEventPaymentFailed:
		return domain.EventOrderPaymentFailed
	case domain.PaymentEventChargeRefunded:
		return domain.EventOrderRefunded
	default:
		return string(t)
	}
}

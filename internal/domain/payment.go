package domain

import (
	"fmt"
	"time"
)

// PaymentEventType закрытое множество событий провайдера, на которые реагирует магазин.
type PaymentEventType string

const (
	PaymentEventSessionCompleted PaymentEventType = "session_completed"
	PaymentEventPaymentFailed    PaymentEventType = "payment_failed"
	PaymentEventChargeRefunded   PaymentEventType = "charge_refunded"
	// PaymentEventIgnored любое другое событие: подтверждаем без изменений.
	PaymentEventIgnored PaymentEventType = "ignored"
)

// Метаданные корреляции, которые проходят через провайдера туда и обратно.
const (
	MetadataOrderID = "orderId"
	MetadataUserID  = "userId"
)

// PaymentEvent проверенное и разобранное событие провайдера.
type PaymentEvent struct {
	// ID идентификатор события у провайдера, ключ дедупликации.
	ID      string
	Type    PaymentEventType
	RawType string

	// OrderID и UserID берутся из метаданных корреляции и сами по себе не доверенные.
	OrderID string
	UserID  string

	SessionID       string
	PaymentIntentID string
	Shipping        ShippingDetails
	Created         time.Time
}

// HasCorrelation сообщает, что событие несёт идентификатор заказа.
func (e PaymentEvent) HasCorrelation() bool {
	return e.OrderID != ""
}

// SessionLine строка, которую провайдер покажет на своей странице оплаты.
type SessionLine struct {
	Name            string
	ImageURL        string
	UnitAmountMinor int64
	Quantity        int64
}

// SessionRequest запрос на создание платёжной сессии.
type SessionRequest struct {
	OrderID    string
	UserID     string
	Currency   string
	Lines      []SessionLine
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// Session ответ провайдера.
type Session struct {
	ID          string
	RedirectURL string
	// MethodLabel подпись способа оплаты для отображения в заказе.
	MethodLabel string
}

// OrderState пара независимых статусов заказа.
type OrderState struct {
	Fulfillment FulfillmentStatus
	Payment     PaymentStatus
}

func (s OrderState) String() string {
	return fmt.Sprintf("%s/%s", s.Fulfillment, s.Payment)
}

// StateOf возвращает текущую пару статусов заказа.
func StateOf(o Order) OrderState {
	return OrderState{Fulfillment: o.Fulfillment, Payment: o.Payment}
}

// PaymentTransition запланированный переход, который хранилище применяет
// атомарно как compare-and-set: запись выполняется, только если заказ всё ещё в From.
type PaymentTransition struct {
	OrderID   string
	EventID   string
	EventType PaymentEventType

	From OrderState
	To   OrderState

	// Shipping и PaymentIntentID записываются только при подтверждении оплаты.
	Shipping        *ShippingDetails
	PaymentIntentID string
	// ClearCartOf владелец корзины, которую нужно очистить в той же транзакции.
	ClearCartOf string

	Change OrderChange
	At     time.Time
}

// PlanTransition сопоставляет событию допустимый переход из текущего состояния заказа.
// Возвращает ErrInvalidState, если переход не входит в таблицу: повторная доставка,
// устаревшее событие после терминального статуса или неподдерживаемый тип.
func PlanTransition(order Order, event PaymentEvent) (PaymentTransition, error) {
	from := StateOf(order)
	tr := PaymentTransition{
		OrderID:   order.ID,
		EventID:   event.ID,
		EventType: event.Type,
		From:      from,
	}

	switch event.Type {
	case PaymentEventSessionCompleted:
		if from != (OrderState{Fulfillment: FulfillmentPending, Payment: PaymentUnpaid}) {
			return PaymentTransition{}, fmt.Errorf("complete from %s: %w", from, ErrInvalidState)
		}
		tr.To = OrderState{Fulfillment: FulfillmentPaid, Payment: PaymentPaid}
		shipping := event.Shipping
		tr.Shipping = &shipping
		tr.PaymentIntentID = event.PaymentIntentID
		tr.ClearCartOf = order.CustomerID
	case PaymentEventPaymentFailed:
		// Терминальный платёжный статус не откатывается: поздний failed после
		// PAID или REFUNDED ничего не меняет.
		if from.Payment != PaymentUnpaid {
			return PaymentTransition{}, fmt.Errorf("fail from %s: %w", from, ErrInvalidState)
		}
		tr.To = OrderState{Fulfillment: FulfillmentCancelled, Payment: PaymentFailed}
	case PaymentEventChargeRefunded:
		if from.Payment != PaymentPaid {
			return PaymentTransition{}, fmt.Errorf("refund from %s: %w", from, ErrInvalidState)
		}
		tr.To = OrderState{Fulfillment: from.Fulfillment, Payment: PaymentRefunded}
	default:
		return PaymentTransition{}, fmt.Errorf("event type %q: %w", event.Type, ErrInvalidState)
	}

	return tr, nil
}

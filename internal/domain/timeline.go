package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типы событий жизненного цикла заказа (timeline и outbox).
const (
	EventOrderCreated             = "OrderCreated"
	EventCheckoutSessionCreated   = "CheckoutSessionCreated"
	EventOrderPaid                = "OrderPaid"
	EventOrderPaymentFailed       = "OrderPaymentFailed"
	EventOrderRefunded            = "OrderRefunded"
	EventFulfillmentStatusChanged = "FulfillmentStatusChanged"
	EventOrderDeleted             = "OrderDeleted"
)

// orderRoutingKeys ключи маршрутизации событий заказа для подписчиков брокера.
var orderRoutingKeys = map[string]string{
	EventOrderCreated:             "order.created",
	EventCheckoutSessionCreated:   "order.checkout_session_created",
	EventOrderPaid:                "order.paid",
	EventOrderPaymentFailed:       "order.payment_failed",
	EventOrderRefunded:            "order.refunded",
	EventFulfillmentStatusChanged: "order.fulfillment_changed",
	EventOrderDeleted:             "order.deleted",
}

// OrderEventRoutingKey возвращает ключ маршрутизации события; неизвестные события идут как есть.
func OrderEventRoutingKey(eventType string) string {
	if key, ok := orderRoutingKeys[eventType]; ok {
		return key
	}
	return eventType
}

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// NewOrderChange собирает запись timeline и сообщение outbox для одного события заказа.
func NewOrderChange(orderID, eventType, reason string, at time.Time, payload map[string]any) (OrderChange, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	body := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body["order_id"] = orderID
	body["ts"] = at.Format(time.RFC3339Nano)
	if reason != "" {
		body["reason"] = reason
	}

	data, err := json.Marshal(body)
	if err != nil {
		return OrderChange{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return OrderChange{
		Outbox: []OutboxMessage{{
			AggregateType: "order",
			AggregateID:   orderID,
			EventType:     eventType,
			Payload:       data,
		}},
		Timeline: []TimelineEvent{{
			OrderID:  orderID,
			Type:     eventType,
			Reason:   reason,
			Occurred: at,
		}},
	}, nil
}

// Merge объединяет побочные записи двух изменений.
func (c OrderChange) Merge(other OrderChange) OrderChange {
	return OrderChange{
		Outbox:   append(append([]OutboxMessage(nil), c.Outbox...), other.Outbox...),
		Timeline: append(append([]TimelineEvent(nil), c.Timeline...), other.Timeline...),
	}
}

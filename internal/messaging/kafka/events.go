package kafka

import (
	"encoding/json"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "shop.order.events"
	TopicDeadLetterQueue = "shop.dlq" // Dead Letter Queue для сообщений, не ушедших после retry
)

// Kafka headers
const (
	HeaderEventType     = "x-event-type"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// RoutingKey возвращает ключ маршрутизации события для заголовка x-event-type.
func RoutingKey(eventType string) string {
	return domain.OrderEventRoutingKey(eventType)
}

// OutboxEnvelope формат сообщения, публикуемого из outbox.
type OutboxEnvelope struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	RoutingKey    string          `json:"routing_key,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PublishedAt   time.Time       `json:"published_at"`
}

// NewOutboxEnvelope оборачивает outbox-сообщение.
func NewOutboxEnvelope(msg domain.OutboxMessage, at time.Time) OutboxEnvelope {
	return OutboxEnvelope{
		ID:            msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		RoutingKey:    RoutingKey(msg.EventType),
		Payload:       json.RawMessage(msg.Payload),
		PublishedAt:   at.UTC(),
	}
}

// Key возвращает ключ партиционирования: все события заказа попадают в одну партицию.
func (e OutboxEnvelope) Key() string {
	if e.AggregateID != "" {
		return e.AggregateID
	}
	return e.ID
}

// DLQRecord полезная нагрузка сообщения в DLQ: исходное событие и причина отказа.
type DLQRecord struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	RoutingKey     string          `json:"routing_key,omitempty"`
	Attempts       int             `json:"attempts,omitempty"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt string          `json:"dlq_published_at"`
}

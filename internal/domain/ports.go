package domain

import (
	"context"
	"time"
)

// PaymentProcessor описывает взаимодействие с внешним платёжным провайдером.
type PaymentProcessor interface {
	// CreateSession создаёт размещённую у провайдера страницу оплаты.
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	// VerifyAndParseEvent проверяет подпись webhook и разбирает событие.
	// При несовпадении подписи возвращает ошибку, оборачивающую ErrInvalidSignature.
	VerifyAndParseEvent(payload []byte, signature string) (PaymentEvent, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// CreateProcessing занимает ключ; запись адресуется дальше по key.Scope().
	CreateProcessing(ctx context.Context, key IdempotencyKey, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, scope string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, scope string, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, scope string, responseBody []byte, httpStatus int) error
	// Release удаляет запись, если она всё ещё в статусе processing.
	Release(ctx context.Context, scope string) error
	// DeleteExpired удаляет записи с ttl <= before, не более limit (limit <= 0 без ограничения).
	DeleteExpired(ctx context.Context, before time.Time, limit int) (IdempotencyPurge, error)
	// ReleaseStale удаляет записи processing, созданные раньше startedBefore.
	ReleaseStale(ctx context.Context, startedBefore time.Time, limit int) (IdempotencyPurge, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OrderChange побочные записи, которые сохраняются в одной транзакции с заказом.
type OrderChange struct {
	Outbox   []OutboxMessage
	Timeline []TimelineEvent
}

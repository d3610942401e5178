package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
)

var (
	outboxPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shop_outbox_publish_attempts_total",
		Help: "Total number of order event publish attempts grouped by routing key and result.",
	}, []string{"routing_key", "result"})
	outboxPendingRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shop_outbox_pending_records",
		Help: "Current number of pending records in transactional outbox.",
	})
	outboxOldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shop_outbox_oldest_pending_age_seconds",
		Help: "Age in seconds of the oldest pending outbox record.",
	})
)

// RoutePolicy задаёт поведение при отказах брокера для событий с одним
// ключом маршрутизации (order.paid, order.refunded и т.д.).
type RoutePolicy struct {
	// MaxAttempts 0 означает значение воркера.
	MaxAttempts int
	// DeadLetter false: после исчерпания попыток событие только помечается failed.
	DeadLetter bool
}

// paymentRoutingKeys события, по которым подписчики меняют состояние заказа у себя.
var paymentRoutingKeys = []string{
	domain.OrderEventRoutingKey(domain.EventOrderPaid),
	domain.OrderEventRoutingKey(domain.EventOrderPaymentFailed),
	domain.OrderEventRoutingKey(domain.EventOrderRefunded),
}

// WorkerOptions задаёт параметры outbox worker.
type WorkerOptions struct {
	Logger         *log.Entry
	DLQPublisher   domain.OutboxPublisher
	PollInterval   time.Duration
	BatchSize      int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	Clock          func() time.Time
	RoutePolicies  map[string]RoutePolicy
}

// Option настраивает Worker.
type Option func(*WorkerOptions)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *WorkerOptions) {
		opts.Logger = logger
	}
}

// WithDLQPublisher задаёт publisher для отправки в DLQ после исчерпания retry.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(opts *WorkerOptions) {
		opts.DLQPublisher = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.PollInterval = interval
	}
}

// WithBatchSize задаёт размер батча из outbox.
func WithBatchSize(batchSize int) Option {
	return func(opts *WorkerOptions) {
		opts.BatchSize = batchSize
	}
}

// WithMaxAttempts задаёт число попыток публикации перед failed/DLQ.
func WithMaxAttempts(maxAttempts int) Option {
	return func(opts *WorkerOptions) {
		opts.MaxAttempts = maxAttempts
	}
}

// WithRetryBaseDelay задаёт базовый delay для exponential backoff.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(opts *WorkerOptions) {
		opts.RetryBaseDelay = delay
	}
}

// WithRoutePolicy переопределяет политику для ключа маршрутизации.
func WithRoutePolicy(routingKey string, policy RoutePolicy) Option {
	return func(opts *WorkerOptions) {
		if opts.RoutePolicies == nil {
			opts.RoutePolicies = make(map[string]RoutePolicy)
		}
		opts.RoutePolicies[routingKey] = policy
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(opts *WorkerOptions) {
		opts.Clock = now
	}
}

// Worker публикует pending-сообщения из outbox в брокер: события заказов
// (создание, оплата, возврат, смена статуса доставки) уходят в Kafka.
//
// События оплаты и возврата получают вдвое больше попыток. Событие о создании
// checkout-сессии в DLQ не попадает: итог оплаты придёт отдельным событием.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlqPublisher   domain.OutboxPublisher
	logger         *log.Entry
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	policies       map[string]RoutePolicy
	now            func() time.Time
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	opts := WorkerOptions{
		PollInterval:   defaultPollInterval,
		BatchSize:      defaultBatchSize,
		MaxAttempts:    defaultMaxAttempts,
		RetryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "outbox-worker")
	}

	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBaseDelay < 0 {
		opts.RetryBaseDelay = 0
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	policies := make(map[string]RoutePolicy, len(paymentRoutingKeys)+1+len(opts.RoutePolicies))
	for _, key := range paymentRoutingKeys {
		policies[key] = RoutePolicy{MaxAttempts: opts.MaxAttempts * 2, DeadLetter: true}
	}
	policies[domain.OrderEventRoutingKey(domain.EventCheckoutSessionCreated)] = RoutePolicy{DeadLetter: false}
	for key, policy := range opts.RoutePolicies {
		policies[key] = policy
	}

	return &Worker{
		repo:           repo,
		publisher:      publisher,
		dlqPublisher:   opts.DLQPublisher,
		logger:         logger,
		pollInterval:   opts.PollInterval,
		batchSize:      opts.BatchSize,
		maxAttempts:    opts.MaxAttempts,
		retryBaseDelay: opts.RetryBaseDelay,
		policies:       policies,
		now:            opts.Clock,
	}
}

// policyFor возвращает политику ключа; неизвестные ключи уходят в DLQ.
func (w *Worker) policyFor(routingKey string) RoutePolicy {
	policy, ok := w.policies[routingKey]
	if !ok {
		policy = RoutePolicy{DeadLetter: true}
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = w.maxAttempts
	}
	return policy
}

// Run запускает периодический polling outbox до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	w.ProcessOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ProcessOnce(ctx)
		}
	}
}

// ProcessOnce выполняет один polling-цикл.
func (w *Worker) ProcessOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	w.refreshBacklogMetrics(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return
	}
	if len(events) == 0 {
		return
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return
		}
		w.handle(ctx, event)
	}

	w.refreshBacklogMetrics(ctx)
}

func (w *Worker) handle(ctx context.Context, event domain.OutboxMessage) {
	routingKey := domain.OrderEventRoutingKey(event.EventType)
	policy := w.policyFor(routingKey)
	logger := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"order_id":     event.AggregateID,
		"routing_key":  routingKey,
		"max_attempts": policy.MaxAttempts,
	})

	err := w.publishWithRetry(ctx, event, routingKey, policy.MaxAttempts)
	if err == nil {
		if markErr := w.repo.MarkSent(ctx, event.ID); markErr != nil {
			logger.WithError(markErr).Warn("failed to mark outbox as sent")
		}
		return
	}
	if ctx.Err() != nil {
		// Остановка воркера: сообщение остаётся pending до следующего запуска.
		return
	}

	logger.WithError(err).Error("order event publish failed after retries")
	outboxPublishAttempts.WithLabelValues(routingKey, "failed").Inc()

	if policy.DeadLetter {
		if dlqErr := w.publishToDLQ(event, routingKey, policy.MaxAttempts, err); dlqErr != nil {
			logger.WithError(dlqErr).Warn("failed to publish to DLQ")
			outboxPublishAttempts.WithLabelValues(routingKey, "dlq_failed").Inc()
		} else if w.dlqPublisher != nil {
			outboxPublishAttempts.WithLabelValues(routingKey, "dead_lettered").Inc()
		}
	} else {
		logger.Warn("order event dropped without DLQ")
		outboxPublishAttempts.WithLabelValues(routingKey, "dropped").Inc()
	}

	if markErr := w.repo.MarkFailed(ctx, event.ID); markErr != nil {
		logger.WithError(markErr).Warn("failed to mark outbox as failed")
	}
}

func (w *Worker) publishWithRetry(ctx context.Context, event domain.OutboxMessage, routingKey string, maxAttempts int) error {
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := w.publisher.Publish(event)
		if err == nil {
			outboxPublishAttempts.WithLabelValues(routingKey, "sent").Inc()
			return nil
		}
		lastErr = err
		outboxPublishAttempts.WithLabelValues(routingKey, "retry_error").Inc()

		if attempt >= maxAttempts {
			break
		}

		delay := w.retryBackoff(attempt)
		if delay <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("publish %s failed after %d attempts: %w", routingKey, maxAttempts, lastErr)
}

func (w *Worker) refreshBacklogMetrics(ctx context.Context) {
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	outboxPendingRecords.Set(float64(stats.PendingCount))
	if stats.PendingCount == 0 || stats.OldestPendingAt.IsZero() {
		outboxOldestPendingAge.Set(0)
		return
	}

	age := w.now().Sub(stats.OldestPendingAt).Seconds()
	if age < 0 {
		age = 0
	}
	outboxOldestPendingAge.Set(age)
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	if w.retryBaseDelay <= 0 {
		return 0
	}
	if attempt <= 1 {
		return w.retryBaseDelay
	}

	const maxDuration = time.Duration(1<<63 - 1)
	delay := w.retryBaseDelay
	for i := 1; i < attempt; i++ {
		if delay > maxDuration/2 {
			return maxDuration
		}
		delay *= 2
	}
	return delay
}

func (w *Worker) publishToDLQ(event domain.OutboxMessage, routingKey string, attempts int, publishErr error) error {
	if w.dlqPublisher == nil {
		return nil
	}

	payload, err := json.Marshal(kafka.DLQRecord{
		OutboxID:       event.ID,
		AggregateType:  event.AggregateType,
		AggregateID:    event.AggregateID,
		EventType:      event.EventType,
		RoutingKey:     routingKey,
		Attempts:       attempts,
		Payload:        json.RawMessage(event.Payload),
		PublishError:   publishErr.Error(),
		DLQPublishedAt: w.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("marshal dlq payload: %w", err)
	}

	dlqEvent := domain.OutboxMessage{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       payload,
	}
	if err := w.dlqPublisher.Publish(dlqEvent); err != nil {
		return fmt.Errorf("publish to dlq: %w", err)
	}

	return nil
}

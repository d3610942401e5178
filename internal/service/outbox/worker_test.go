package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func paidEvent(id, orderID string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     domain.EventOrderPaid,
		Payload:       []byte(`{"status":"PAID"}`),
	}
}

func orderEvent(id, orderID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		AggregateType: "order",
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{}`),
	}
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{paidEvent("msg-1", "order-1")}}
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	assert.Equal(t, []string{"msg-1"}, repo.sentIDs)
	assert.Empty(t, repo.failedIDs)
	assert.Equal(t, 1, publisher.calls())
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-2", "order-2", domain.EventFulfillmentStatusChanged),
	}}
	publisher := &stubPublisher{err: errors.New("publish failed")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)
	worker.ProcessOnce(context.Background())

	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.sentIDs)
	assert.Equal(t, []string{"msg-2"}, repo.failedIDs)
	assert.Equal(t, 1, dlqPublisher.calls())
}

func TestWorker_PaymentEventsGetMoreAttempts(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{paidEvent("msg-p", "order-p")}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlqPublisher := &stubPublisher{}

	NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
	).ProcessOnce(context.Background())

	assert.Equal(t, 4, publisher.calls())
	assert.Equal(t, []string{"msg-p"}, repo.failedIDs)
	require.Equal(t, 1, dlqPublisher.calls())

	var record kafka.DLQRecord
	require.NoError(t, json.Unmarshal(dlqPublisher.last().Payload, &record))
	assert.Equal(t, "order.paid", record.RoutingKey)
	assert.Equal(t, 4, record.Attempts)
	assert.Equal(t, "order-p", record.AggregateID)
	assert.Contains(t, record.PublishError, "broker down")
}

func TestWorker_SessionCreatedIsNotDeadLettered(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-s", "order-s", domain.EventCheckoutSessionCreated),
	}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlqPublisher := &stubPublisher{}

	NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
	).ProcessOnce(context.Background())

	assert.Equal(t, 2, publisher.calls())
	assert.Equal(t, []string{"msg-s"}, repo.failedIDs)
	assert.Zero(t, dlqPublisher.calls())
}

func TestWorker_RoutePolicyOverride(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{},
		WithMaxAttempts(3),
		WithRoutePolicy("order.refunded", RoutePolicy{MaxAttempts: 10, DeadLetter: false}),
	)

	assert.Equal(t, RoutePolicy{MaxAttempts: 10, DeadLetter: false}, worker.policyFor("order.refunded"))
	assert.Equal(t, RoutePolicy{MaxAttempts: 6, DeadLetter: true}, worker.policyFor("order.paid"))
	assert.Equal(t, RoutePolicy{MaxAttempts: 3, DeadLetter: false}, worker.policyFor("order.checkout_session_created"))
	assert.Equal(t, RoutePolicy{MaxAttempts: 3, DeadLetter: true}, worker.policyFor("order.created"))
	assert.Equal(t, RoutePolicy{MaxAttempts: 3, DeadLetter: true}, worker.policyFor("SomethingNew"))
}

func TestWorker_StopLeavesEventPending(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-c", "order-c", domain.EventOrderCreated),
	}}
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlqPublisher := &stubPublisher{}

	ctx, cancel := context.WithCancel(context.Background())
	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(time.Hour),
		WithMaxAttempts(3),
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.ProcessOnce(ctx)
	}()

	require.Eventually(t, func() bool { return publisher.calls() == 1 }, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, repo.failedIDs)
	assert.Empty(t, repo.sentIDs)
	assert.Zero(t, dlqPublisher.calls())
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{paidEvent("msg-3", "order-3")}}
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(0), WithMaxAttempts(3))
	worker.ProcessOnce(context.Background())

	assert.Equal(t, 3, publisher.calls())
	assert.Len(t, repo.sentIDs, 1)
	assert.Empty(t, repo.failedIDs)
}

func TestWorker_ProcessOnce_DrainsMemoryOutbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewStore()
	outboxRepo := store.Outbox()
	_, err := outboxRepo.Enqueue(ctx, paidEvent("", "order-1"))
	require.NoError(t, err)
	_, err = outboxRepo.Enqueue(ctx, paidEvent("", "order-2"))
	require.NoError(t, err)

	publisher := &stubPublisher{}
	NewWorker(outboxRepo, publisher, WithRetryBaseDelay(0)).ProcessOnce(ctx)

	assert.Equal(t, 2, publisher.calls())
	assert.Empty(t, outboxRepo.AllPending())

	stats, err := outboxRepo.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)
}

func TestWorker_DLQRecordIsReplayable(t *testing.T) {
	t.Parallel()

	mainProducer := mocks.NewSyncProducer(t, nil)
	mainProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	mainProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	var dlqValue []byte
	dlqProducer := mocks.NewSyncProducer(t, nil)
	dlqProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, kafka.TopicDeadLetterQueue, msg.Topic)
		value, err := msg.Value.Encode()
		dlqValue = value
		return err
	})

	repo := &stubOutboxRepo{pending: []domain.OutboxMessage{
		orderEvent("msg-9", "order-9", domain.EventFulfillmentStatusChanged),
	}}
	worker := NewWorker(repo,
		kafka.NewOutboxPublisher(kafka.NewProducerFromSync(mainProducer, nil), kafka.TopicOrderEvents),
		WithDLQPublisher(kafka.NewOutboxPublisher(kafka.NewProducerFromSync(dlqProducer, nil), kafka.TopicDeadLetterQueue)),
		WithMaxAttempts(2),
		WithRetryBaseDelay(0),
	)
	worker.ProcessOnce(context.Background())

	require.NoError(t, mainProducer.Close())
	require.NoError(t, dlqProducer.Close())
	assert.Equal(t, []string{"msg-9"}, repo.failedIDs)

	replay, err := kafka.ExtractReplayMessage(dlqValue, kafka.TopicOrderEvents)
	require.NoError(t, err)
	key, err := replay.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "order-9", string(key))
	require.Len(t, replay.Headers, 1)
	assert.Equal(t, "order.fulfillment_changed", string(replay.Headers[0].Value))
}

func TestWorker_RetryBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, worker.retryBackoff(1))
	assert.Equal(t, 20*time.Millisecond, worker.retryBackoff(2))
	assert.Equal(t, 40*time.Millisecond, worker.retryBackoff(3))

	noDelay := NewWorker(&stubOutboxRepo{}, &stubPublisher{}, WithRetryBaseDelay(0))
	assert.Zero(t, noDelay.retryBackoff(5))
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(&stubOutboxRepo{}, &stubPublisher{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

type stubOutboxRepo struct {
	mu        sync.Mutex
	pending   []domain.OutboxMessage
	sentIDs   []string
	failedIDs []string
}

func (s *stubOutboxRepo) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return msg, nil
}

func (s *stubOutboxRepo) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit >= len(s.pending) {
		return append([]domain.OutboxMessage(nil), s.pending...), nil
	}
	return append([]domain.OutboxMessage(nil), s.pending[:limit]...), nil
}

func (s *stubOutboxRepo) Stats(_ context.Context) (domain.OutboxStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := domain.OutboxStats{PendingCount: len(s.pending)}
	if len(s.pending) > 0 {
		stats.OldestPendingAt = time.Now().UTC().Add(-time.Second)
	}
	return stats, nil
}

func (s *stubOutboxRepo) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentIDs = append(s.sentIDs, id)
	return nil
}

func (s *stubOutboxRepo) MarkFailed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedIDs = append(s.failedIDs, id)
	return nil
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	lastMessage    domain.OutboxMessage
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	s.lastMessage = msg
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		return err
	}
	return s.err
}

func (s *stubPublisher) last() domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMessage
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

var _ domain.OutboxRepository = (*stubOutboxRepo)(nil)
var _ domain.OutboxPublisher = (*stubPublisher)(nil)

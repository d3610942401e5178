package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker/v2"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// ErrCircuitOpen провайдер временно не вызывается после серии отказов.
var ErrCircuitOpen = errors.New("payment circuit breaker is open")

// Breaker защищает создание сессий от недоступного провайдера.
// Проверка webhook выполняется локально и через предохранитель не проходит.
type Breaker struct {
	next domain.PaymentProcessor
	cb   *gobreaker.CircuitBreaker[domain.Session]
}

// NewBreaker оборачивает процессор предохранителем: после maxFailures
// отказов подряд вызовы отклоняются на resetTimeout, затем пропускается
// одна пробная попытка.
func NewBreaker(next domain.PaymentProcessor, maxFailures int, resetTimeout time.Duration, logger *log.Entry) *Breaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = log.New().WithField("component", "payment-breaker")
	}

	threshold := uint32(maxFailures)
	cb := gobreaker.NewCircuitBreaker[domain.Session](gobreaker.Settings{
		Name:        "payment-processor",
		MaxRequests: 1,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Отмена запроса клиентом не говорит о здоровье провайдера.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(log.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("payment circuit breaker state changed")
		},
	})

	return &Breaker{next: next, cb: cb}
}

// State возвращает текущее состояние предохранителя.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// CreateSession вызывает провайдера, если предохранитель не разомкнут.
func (b *Breaker) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.Session, error) {
	session, err := b.cb.Execute(func() (domain.Session, error) {
		return b.next.CreateSession(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return domain.Session{}, fmt.Errorf("%w: %w", domain.ErrExternalService, ErrCircuitOpen)
	}
	return session, err
}

// VerifyAndParseEvent делегирует проверку подписи.
func (b *Breaker) VerifyAndParseEvent(payload []byte, signature string) (domain.PaymentEvent, error) {
	return b.next.VerifyAndParseEvent(payload, signature)
}

var _ domain.PaymentProcessor = (*Breaker)(nil)

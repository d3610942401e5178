package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// MockSignatureHeader заголовок подписи, который ожидает MockProcessor.
const MockSignatureHeader = "X-Mock-Signature"

// MockEvent формат webhook, который принимает MockProcessor.
// Типы событий совпадают с типами Stripe, чтобы сценарии были взаимозаменяемы.
type MockEvent struct {
	ID              string            `json:"id"`
	Type            string            `json:"type"`
	Created         int64             `json:"created"`
	SessionID       string            `json:"session_id,omitempty"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Shipping        *MockShipping     `json:"shipping,omitempty"`
}

// MockShipping данные доставки в событии MockProcessor.
type MockShipping struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

// MockProcessor платёжный процессор для локального запуска и тестов.
// Сессии выдаются без сети, события подписываются HMAC-SHA256 общего секрета.
type MockProcessor struct {
	mu sync.Mutex

	secret      []byte
	checkoutURL string

	// SessionErr, если задан, возвращается из CreateSession.
	SessionErr error
	// SessionDelay имитирует медленного провайдера; учитывает отмену ctx.
	SessionDelay time.Duration
	// MethodLabel подставляется в Session.MethodLabel.
	MethodLabel string

	SessionCalls int
	Requests     []domain.SessionRequest
}

// NewMockProcessor создаёт мок с секретом подписи и базовым URL страницы оплаты.
func NewMockProcessor(secret, checkoutURL string) *MockProcessor {
	if checkoutURL == "" {
		checkoutURL = "https://pay.example.test/checkout"
	}
	return &MockProcessor{
		secret:      []byte(secret),
		checkoutURL: strings.TrimRight(checkoutURL, "/"),
		MethodLabel: "card",
	}
}

// CreateSession регистрирует запрос и выдаёт сессию.
func (m *MockProcessor) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.Session, error) {
	m.mu.Lock()
	m.SessionCalls++
	m.Requests = append(m.Requests, req)
	delay := m.SessionDelay
	sessionErr := m.SessionErr
	label := m.MethodLabel
	m.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return domain.Session{}, fmt.Errorf("%w: create session: %w", domain.ErrExternalService, ctx.Err())
		case <-timer.C:
		}
	}
	if sessionErr != nil {
		return domain.Session{}, fmt.Errorf("%w: create session: %w", domain.ErrExternalService, sessionErr)
	}

	id := "cs_mock_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	return domain.Session{
		ID:          id,
		RedirectURL: m.checkoutURL + "/" + id,
		MethodLabel: label,
	}, nil
}

// LastRequest возвращает последний запрос на создание сессии.
func (m *MockProcessor) LastRequest() (domain.SessionRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return domain.SessionRequest{}, false
	}
	return m.Requests[len(m.Requests)-1], true
}

// Sign возвращает подпись тела запроса.
func (m *MockProcessor) Sign(payload []byte) string {
	return hex.EncodeToString(m.rawMAC(payload))
}

// SignedEvent сериализует событие и подписывает его.
func (m *MockProcessor) SignedEvent(event MockEvent) ([]byte, string, error) {
	if event.Created == 0 {
		event.Created = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, "", fmt.Errorf("marshal mock event: %w", err)
	}
	return payload, m.Sign(payload), nil
}

// VerifyAndParseEvent проверяет HMAC и разбирает событие.
func (m *MockProcessor) VerifyAndParseEvent(payload []byte, signature string) (domain.PaymentEvent, error) {
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || !hmac.Equal(expected, m.rawMAC(payload)) {
		return domain.PaymentEvent{}, fmt.Errorf("mock webhook: %w", domain.ErrInvalidSignature)
	}

	var raw MockEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("%w: decode mock event: %v", domain.ErrValidation, err)
	}

	out := domain.PaymentEvent{
		ID:              raw.ID,
		RawType:         raw.Type,
		Type:            domain.PaymentEventIgnored,
		OrderID:         raw.Metadata[domain.MetadataOrderID],
		UserID:          raw.Metadata[domain.MetadataUserID],
		SessionID:       raw.SessionID,
		PaymentIntentID: raw.PaymentIntentID,
		Created:         time.Unix(raw.Created, 0).UTC(),
	}
	if raw.Shipping != nil {
		out.Shipping = domain.ShippingDetails{
			Name:    raw.Shipping.Name,
			Phone:   raw.Shipping.Phone,
			Address: raw.Shipping.Address,
		}
	}

	switch raw.Type {
	case stripeSessionCompleted, stripeAsyncPaymentSucceeded:
		out.Type = domain.PaymentEventSessionCompleted
	case stripeAsyncPaymentFailed, stripePaymentIntentFailed:
		out.Type = domain.PaymentEventPaymentFailed
	case stripeChargeRefunded:
		out.Type = domain.PaymentEventChargeRefunded
	}

	return out, nil
}

func (m *MockProcessor) rawMAC(payload []byte) []byte {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(payload)
	return mac.Sum(nil)
}

// Константы типов событий для сценариев с MockProcessor.
const (
	MockEventSessionCompleted = stripeSessionCompleted
	MockEventPaymentFailed    = stripePaymentIntentFailed
	MockEventChargeRefunded   = stripeChargeRefunded
)

var _ domain.PaymentProcessor = (*MockProcessor)(nil)

package payment

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestMockProcessor_CreateSession(t *testing.T) {
	mock := NewMockProcessor("whsec", "https://pay.test/c/")
	req := domain.SessionRequest{
		OrderID:  "o-1",
		UserID:   "u-1",
		Currency: "USD",
		Metadata: map[string]string{domain.MetadataOrderID: "o-1", domain.MetadataUserID: "u-1"},
	}

	session, err := mock.CreateSession(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(session.ID, "cs_mock_"))
	assert.Equal(t, "https://pay.test/c/"+session.ID, session.RedirectURL)
	assert.Equal(t, "card", session.MethodLabel)

	last, ok := mock.LastRequest()
	require.True(t, ok)
	assert.Equal(t, "o-1", last.OrderID)
	assert.Equal(t, 1, mock.SessionCalls)

	mock.SessionErr = errors.New("provider down")
	_, err = mock.CreateSession(context.Background(), req)
	require.ErrorIs(t, err, domain.ErrExternalService)
	assert.Equal(t, 2, mock.SessionCalls)
}

func TestMockProcessor_CreateSessionHonoursDeadline(t *testing.T) {
	mock := NewMockProcessor("whsec", "")
	mock.SessionDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mock.CreateSession(ctx, domain.SessionRequest{OrderID: "o-1"})
	require.ErrorIs(t, err, domain.ErrExternalService)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockProcessor_VerifyAndParseEvent(t *testing.T) {
	mock := NewMockProcessor("whsec", "")

	payload, sig, err := mock.SignedEvent(MockEvent{
		ID:              "evt_1",
		Type:            MockEventSessionCompleted,
		SessionID:       "cs_1",
		PaymentIntentID: "pi_1",
		Metadata:        map[string]string{domain.MetadataOrderID: "o-1", domain.MetadataUserID: "u-1"},
		Shipping:        &MockShipping{Name: "Ann", Phone: "+100", Address: "Main 1"},
	})
	require.NoError(t, err)

	event, err := mock.VerifyAndParseEvent(payload, sig)
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, domain.PaymentEventSessionCompleted, event.Type)
	assert.Equal(t, "o-1", event.OrderID)
	assert.Equal(t, "u-1", event.UserID)
	assert.Equal(t, "pi_1", event.PaymentIntentID)
	assert.Equal(t, "Ann", event.Shipping.Name)
	assert.False(t, event.Created.IsZero())
}

func TestMockProcessor_EventTypes(t *testing.T) {
	mock := NewMockProcessor("whsec", "")
	cases := map[string]domain.PaymentEventType{
		MockEventSessionCompleted:       domain.PaymentEventSessionCompleted,
		stripeAsyncPaymentSucceeded:     domain.PaymentEventSessionCompleted,
		MockEventPaymentFailed:          domain.PaymentEventPaymentFailed,
		stripeAsyncPaymentFailed:        domain.PaymentEventPaymentFailed,
		MockEventChargeRefunded:         domain.PaymentEventChargeRefunded,
		"customer.subscription.created": domain.PaymentEventIgnored,
	}
	for raw, want := range cases {
		payload, sig, err := mock.SignedEvent(MockEvent{ID: "evt_" + raw, Type: raw})
		require.NoError(t, err)
		event, err := mock.VerifyAndParseEvent(payload, sig)
		require.NoError(t, err)
		assert.Equal(t, want, event.Type, raw)
		assert.Equal(t, raw, event.RawType)
	}
}

func TestMockProcessor_RejectsBadSignature(t *testing.T) {
	mock := NewMockProcessor("whsec", "")
	payload, sig, err := mock.SignedEvent(MockEvent{ID: "evt_1", Type: MockEventSessionCompleted})
	require.NoError(t, err)

	_, err = mock.VerifyAndParseEvent(payload, "not-hex")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	tampered := append([]byte(nil), payload...)
	tampered[len(tampered)-2] = ' '
	_, err = mock.VerifyAndParseEvent(tampered, sig)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	other := NewMockProcessor("another-secret", "")
	_, err = other.VerifyAndParseEvent(payload, sig)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestMockProcessor_RejectsMalformedBody(t *testing.T) {
	mock := NewMockProcessor("whsec", "")
	payload := []byte("{not json")

	_, err := mock.VerifyAndParseEvent(payload, mock.Sign(payload))
	require.ErrorIs(t, err, domain.ErrValidation)
}

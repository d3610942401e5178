package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const testWebhookSecret = "whsec_test"

func newTestStripe(t *testing.T, url string) *StripeProcessor {
	t.Helper()

	cfg := StripeConfig{
		SecretKey:         "sk_test_123",
		WebhookSecret:     testWebhookSecret,
		ShippingCountries: []string{"US", "NO"},
	}
	if url != "" {
		backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
			URL:               stripe.String(url),
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelNull},
		})
		cfg.Backends = &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
	}

	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	p, err := NewStripeProcessor(cfg, logger.WithField("component", "stripe"))
	require.NoError(t, err)
	return p
}

func signedStripeEvent(t *testing.T, eventType string, object map[string]any) ([]byte, string) {
	t.Helper()

	raw, err := json.Marshal(map[string]any{
		"id":          "evt_" + eventType,
		"object":      "event",
		"api_version": "2020-08-27",
		"created":     1700000000,
		"type":        eventType,
		"data":        map[string]any{"object": object},
	})
	require.NoError(t, err)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return signed.Payload, signed.Header
}

func TestNewStripeProcessor_RequiresSecrets(t *testing.T) {
	_, err := NewStripeProcessor(StripeConfig{WebhookSecret: "x"}, nil)
	require.Error(t, err)
	_, err = NewStripeProcessor(StripeConfig{SecretKey: "x"}, nil)
	require.Error(t, err)
}

func TestStripeProcessor_SessionCompleted(t *testing.T) {
	p := newTestStripe(t, "")
	payload, header := signedStripeEvent(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"payment_status": "paid",
		"payment_intent": "pi_1",
		"metadata":       map[string]string{"orderId": "o-1", "userId": "u-1"},
		"shipping_details": map[string]any{
			"name":  "Ann Lee",
			"phone": "+4700000000",
			"address": map[string]any{
				"line1":       "Main 1",
				"city":        "Oslo",
				"postal_code": "0150",
				"country":     "NO",
			},
		},
	})

	event, err := p.VerifyAndParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventSessionCompleted, event.Type)
	assert.Equal(t, "evt_checkout.session.completed", event.ID)
	assert.Equal(t, "o-1", event.OrderID)
	assert.Equal(t, "u-1", event.UserID)
	assert.Equal(t, "cs_1", event.SessionID)
	assert.Equal(t, "pi_1", event.PaymentIntentID)
	assert.Equal(t, "Ann Lee", event.Shipping.Name)
	assert.Equal(t, "+4700000000", event.Shipping.Phone)
	assert.Equal(t, "Main 1, Oslo, 0150, NO", event.Shipping.Address)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), event.Created)
}

func TestStripeProcessor_ShippingFallsBackToCustomerDetails(t *testing.T) {
	p := newTestStripe(t, "")
	payload, header := signedStripeEvent(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"payment_status": "paid",
		"metadata":       map[string]string{"orderId": "o-1"},
		"customer_details": map[string]any{
			"name":    "Bob",
			"phone":   "+1555",
			"address": map[string]any{"line1": "Elm 2", "country": "US"},
		},
	})

	event, err := p.VerifyAndParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, domain.ShippingDetails{Name: "Bob", Phone: "+1555", Address: "Elm 2, US"}, event.Shipping)
}

func TestStripeProcessor_UnpaidCompletionIsIgnored(t *testing.T) {
	p := newTestStripe(t, "")
	payload, header := signedStripeEvent(t, "checkout.session.completed", map[string]any{
		"id":             "cs_1",
		"object":         "checkout.session",
		"payment_status": "unpaid",
		"metadata":       map[string]string{"orderId": "o-1"},
	})

	event, err := p.VerifyAndParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventIgnored, event.Type)
	assert.Equal(t, "o-1", event.OrderID)
}

func TestStripeProcessor_PaymentFailedAndRefund(t *testing.T) {
	p := newTestStripe(t, "")

	payload, header := signedStripeEvent(t, "payment_intent.payment_failed", map[string]any{
		"id":       "pi_2",
		"object":   "payment_intent",
		"metadata": map[string]string{"orderId": "o-2", "userId": "u-2"},
	})
	event, err := p.VerifyAndParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventPaymentFailed, event.Type)
	assert.Equal(t, "o-2", event.OrderID)
	assert.Equal(t, "pi_2", event.PaymentIntentID)

	payload, header = signedStripeEvent(t, "charge.refunded", map[string]any{
		"id":             "ch_1",
		"object":         "charge",
		"payment_intent": "pi_3",
	})
	event, err = p.VerifyAndParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventChargeRefunded, event.Type)
	assert.Equal(t, "pi_3", event.PaymentIntentID)
	assert.False(t, event.HasCorrelation())

	payload, header = signedStripeEvent(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
	event, err = p.VerifyAndParseEvent(payload, header)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentEventIgnored, event.Type)
	assert.Equal(t, "customer.created", event.RawType)
}

func TestStripeProcessor_RejectsBadSignature(t *testing.T) {
	p := newTestStripe(t, "")
	payload, header := signedStripeEvent(t, "checkout.session.completed", map[string]any{"id": "cs_1"})

	_, err := p.VerifyAndParseEvent(payload, "t=1,v1=deadbeef")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = p.VerifyAndParseEvent(payload, "")
	require.ErrorIs(t, err, domain.ErrInvalidSignature)

	tampered := append([]byte(nil), payload...)
	tampered = append(tampered, ' ')
	_, err = p.VerifyAndParseEvent(tampered, header)
	require.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestStripeProcessor_CreateSession(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_test_1"}`))
	}))
	defer srv.Close()

	p := newTestStripe(t, srv.URL)
	session, err := p.CreateSession(context.Background(), domain.SessionRequest{
		OrderID:    "o-1",
		UserID:     "u-1",
		Currency:   "USD",
		SuccessURL: "https://shop.test/success?order=o-1",
		CancelURL:  "https://shop.test/cancel?order=o-1",
		Lines: []domain.SessionLine{
			{Name: "Shirt", ImageURL: "https://img.test/a.png", UnitAmountMinor: 5000, Quantity: 2},
			{Name: "Cap", UnitAmountMinor: 3000, Quantity: 1},
		},
		Metadata: map[string]string{"orderId": "o-1", "userId": "u-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", session.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", session.RedirectURL)
	assert.Equal(t, "card", session.MethodLabel)

	get := func(key string) string {
		if v := form[key]; len(v) > 0 {
			return v[0]
		}
		return ""
	}
	assert.Equal(t, "payment", get("mode"))
	assert.Equal(t, "o-1", get("metadata[orderId]"))
	assert.Equal(t, "u-1", get("payment_intent_data[metadata][userId]"))
	assert.Equal(t, "usd", get("line_items[0][price_data][currency]"))
	assert.Equal(t, "5000", get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "2", get("line_items[0][quantity]"))
	assert.Equal(t, "Cap", get("line_items[1][price_data][product_data][name]"))
	assert.Equal(t, "https://shop.test/success?order=o-1", get("success_url"))
}

func TestStripeProcessor_CreateSessionProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"bad currency"}}`))
	}))
	defer srv.Close()

	p := newTestStripe(t, srv.URL)
	_, err := p.CreateSession(context.Background(), domain.SessionRequest{OrderID: "o-1", Currency: "XXX"})
	require.ErrorIs(t, err, domain.ErrExternalService)
}

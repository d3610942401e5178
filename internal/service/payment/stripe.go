package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Типы событий Stripe, на которые реагирует магазин.
const (
	stripeSessionCompleted      = "checkout.session.completed"
	stripeAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	stripeAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	stripePaymentIntentFailed   = "payment_intent.payment_failed"
	stripeChargeRefunded        = "charge.refunded"
)

// StripeConfig параметры подключения к Stripe.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// MethodLabel подпись способа оплаты, сохраняемая в заказе.
	MethodLabel string
	// ShippingCountries страны, для которых Stripe соберёт адрес доставки.
	ShippingCountries []string
	// Backends позволяет подменить HTTP-бэкенд (тесты, прокси).
	Backends *stripe.Backends
}

// StripeProcessor реализует domain.PaymentProcessor поверх stripe-go.
// Клиент создаётся один раз и внедряется, глобальный stripe.Key не используется.
type StripeProcessor struct {
	api           *client.API
	webhookSecret string
	methodLabel   string
	countries     []string
	logger        *log.Entry
}

// NewStripeProcessor создаёт адаптер Stripe.
func NewStripeProcessor(cfg StripeConfig, logger *log.Entry) (*StripeProcessor, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if logger == nil {
		logger = log.New().WithField("component", "stripe")
	}
	label := cfg.MethodLabel
	if label == "" {
		label = "card"
	}

	return &StripeProcessor{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
		methodLabel:   label,
		countries:     cfg.ShippingCountries,
		logger:        logger,
	}, nil
}

// CreateSession создаёт Stripe Checkout Session.
func (p *StripeProcessor) CreateSession(ctx context.Context, req domain.SessionRequest) (domain.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:         stripe.String(req.SuccessURL),
		CancelURL:          stripe.String(req.CancelURL),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		ClientReferenceID:  stripe.String(req.OrderID),
		Metadata:           req.Metadata,
		// Метаданные дублируются в PaymentIntent, чтобы их несли события платежа.
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: req.Metadata,
		},
		PhoneNumberCollection: &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		},
	}
	if len(p.countries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(p.countries),
		}
	}

	currency := strings.ToLower(req.Currency)
	for _, line := range req.Lines {
		product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripe.String(line.Name),
		}
		if line.ImageURL != "" {
			product.Images = stripe.StringSlice([]string{line.ImageURL})
		}
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripe.String(currency),
				UnitAmount:  stripe.Int64(line.UnitAmountMinor),
				ProductData: product,
			},
			Quantity: stripe.Int64(line.Quantity),
		})
	}
	params.Context = ctx

	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return domain.Session{}, fmt.Errorf("%w: create checkout session: %w", domain.ErrExternalService, err)
	}

	return domain.Session{
		ID:          session.ID,
		RedirectURL: session.URL,
		MethodLabel: p.methodLabel,
	}, nil
}

// VerifyAndParseEvent проверяет подпись Stripe-Signature и приводит событие к domain.PaymentEvent.
func (p *StripeProcessor) VerifyAndParseEvent(payload []byte, signature string) (domain.PaymentEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
		}
		return domain.PaymentEvent{}, fmt.Errorf("%w: decode stripe event: %v", domain.ErrValidation, err)
	}

	out := domain.PaymentEvent{
		ID:      event.ID,
		RawType: string(event.Type),
		Type:    domain.PaymentEventIgnored,
		Created: time.Unix(event.Created, 0).UTC(),
	}

	switch string(event.Type) {
	case stripeSessionCompleted, stripeAsyncPaymentSucceeded:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: decode checkout session: %v", domain.ErrValidation, err)
		}
		fillFromSession(&out, &session)
		// Отложенные способы оплаты присылают completed до списания денег.
		if string(event.Type) == stripeSessionCompleted && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			p.logger.WithField("session_id", session.ID).Info("checkout session completed without payment, waiting for async result")
			return out, nil
		}
		out.Type = domain.PaymentEventSessionCompleted

	case stripeAsyncPaymentFailed:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: decode checkout session: %v", domain.ErrValidation, err)
		}
		fillFromSession(&out, &session)
		out.Type = domain.PaymentEventPaymentFailed

	case stripePaymentIntentFailed:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: decode payment intent: %v", domain.ErrValidation, err)
		}
		out.PaymentIntentID = intent.ID
		out.OrderID = intent.Metadata[domain.MetadataOrderID]
		out.UserID = intent.Metadata[domain.MetadataUserID]
		out.Type = domain.PaymentEventPaymentFailed

	case stripeChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return domain.PaymentEvent{}, fmt.Errorf("%w: decode charge: %v", domain.ErrValidation, err)
		}
		if charge.PaymentIntent != nil {
			out.PaymentIntentID = charge.PaymentIntent.ID
		}
		out.OrderID = charge.Metadata[domain.MetadataOrderID]
		out.UserID = charge.Metadata[domain.MetadataUserID]
		out.Type = domain.PaymentEventChargeRefunded
	}

	return out, nil
}

func fillFromSession(out *domain.PaymentEvent, session *stripe.CheckoutSession) {
	out.SessionID = session.ID
	out.OrderID = session.Metadata[domain.MetadataOrderID]
	out.UserID = session.Metadata[domain.MetadataUserID]
	if session.PaymentIntent != nil {
		out.PaymentIntentID = session.PaymentIntent.ID
	}

	if details := session.ShippingDetails; details != nil {
		out.Shipping.Name = details.Name
		out.Shipping.Phone = details.Phone
		out.Shipping.Address = formatAddress(details.Address)
	}
	if details := session.CustomerDetails; details != nil {
		if out.Shipping.Name == "" {
			out.Shipping.Name = details.Name
		}
		if out.Shipping.Phone == "" {
			out.Shipping.Phone = details.Phone
		}
		if out.Shipping.Address == "" {
			out.Shipping.Address = formatAddress(details.Address)
		}
	}
}

func formatAddress(addr *stripe.Address) string {
	if addr == nil {
		return ""
	}
	parts := make([]string, 0, 6)
	for _, part := range []string{addr.Line1, addr.Line2, addr.City, addr.State, addr.PostalCode, addr.Country} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	return strings.Join(parts, ", ")
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

var _ domain.PaymentProcessor = (*StripeProcessor)(nil)

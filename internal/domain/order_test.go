package domain_test

import (
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:          "order-1",
		Number:      "ORD-1",
		CustomerID:  "customer-1",
		Fulfillment: domain.FulfillmentPending,
		Payment:     domain.PaymentUnpaid,
		Currency:    "USD",
		AmountMinor: 500,
		Items: []domain.OrderItem{
			{
				ID:          "item-1",
				ProductID:   "product-1",
				ProductName: "T-shirt",
				Qty:         5,
				PriceMinor:  100,
				CreatedAt:   now,
			},
		},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
		want error
	}{
		{
			name: "no customer",
			mut:  func(o *domain.Order) { o.CustomerID = "" },
			want: domain.ErrCustomerRequired,
		},
		{
			name: "no currency",
			mut:  func(o *domain.Order) { o.Currency = "" },
			want: domain.ErrCurrencyRequired,
		},
		{
			name: "negative amount",
			mut:  func(o *domain.Order) { o.AmountMinor = -1 },
			want: domain.ErrAmountNegative,
		},
		{
			name: "no items",
			mut: func(o *domain.Order) {
				o.Items = nil
				o.AmountMinor = 0
			},
			want: domain.ErrItemsRequired,
		},
		{
			name: "zero qty",
			mut:  func(o *domain.Order) { o.Items[0].Qty = 0 },
			want: domain.ErrItemQtyInvalid,
		},
		{
			name: "amount mismatch",
			mut:  func(o *domain.Order) { o.AmountMinor = 499 },
			want: domain.ErrAmountMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)

			errs := order.ValidateInvariants()
			if len(errs) == 0 {
				t.Fatalf("expected validation errors")
			}
			found := false
			for _, err := range errs {
				if errors.Is(err, tc.want) {
					found = true
				}
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("expected validation kind, got %v", err)
				}
			}
			if !found {
				t.Fatalf("expected %v among %v", tc.want, errs)
			}
		})
	}
}

func TestOrderIsPayable(t *testing.T) {
	cases := []struct {
		fulfillment domain.FulfillmentStatus
		payment     domain.PaymentStatus
		want        bool
	}{
		{domain.FulfillmentPending, domain.PaymentUnpaid, true},
		{domain.FulfillmentPaid, domain.PaymentPaid, false},
		{domain.FulfillmentCancelled, domain.PaymentFailed, false},
		{domain.FulfillmentCompleted, domain.PaymentRefunded, false},
		{domain.FulfillmentCancelled, domain.PaymentUnpaid, false},
	}

	for _, tc := range cases {
		order := makeOrder()
		order.Fulfillment = tc.fulfillment
		order.Payment = tc.payment
		if got := order.IsPayable(); got != tc.want {
			t.Fatalf("%s/%s: expected payable=%v, got %v", tc.fulfillment, tc.payment, tc.want, got)
		}
	}
}

func TestStatusValidity(t *testing.T) {
	for _, s := range []domain.FulfillmentStatus{domain.FulfillmentPending, domain.FulfillmentPaid, domain.FulfillmentCompleted, domain.FulfillmentCancelled} {
		if !s.Valid() {
			t.Fatalf("expected %s to be valid", s)
		}
	}
	if domain.FulfillmentStatus("SHIPPED").Valid() {
		t.Fatal("unknown fulfillment status must be invalid")
	}

	if !domain.PaymentUnpaid.Valid() || domain.PaymentStatus("PARTIAL").Valid() {
		t.Fatal("unexpected payment status validity")
	}
	if domain.PaymentUnpaid.IsTerminal() {
		t.Fatal("UNPAID must not be terminal")
	}
	for _, s := range []domain.PaymentStatus{domain.PaymentPaid, domain.PaymentRefunded, domain.PaymentFailed} {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
}

func TestOrderFilterMatches(t *testing.T) {
	order := makeOrder()

	if !(domain.OrderFilter{}).Matches(order) {
		t.Fatal("empty filter must match everything")
	}
	if !(domain.OrderFilter{Fulfillment: domain.FulfillmentPending}).Matches(order) {
		t.Fatal("expected match by fulfillment")
	}
	if (domain.OrderFilter{Payment: domain.PaymentPaid}).Matches(order) {
		t.Fatal("unexpected match by payment")
	}
}

func TestNewOrderChange(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	change, err := domain.NewOrderChange("order-1", domain.EventOrderPaid, "webhook", at, map[string]any{"amount_minor": 500})
	if err != nil {
		t.Fatalf("NewOrderChange: %v", err)
	}
	if len(change.Outbox) != 1 || len(change.Timeline) != 1 {
		t.Fatalf("expected one outbox message and one timeline event, got %+v", change)
	}
	msg := change.Outbox[0]
	if msg.AggregateID != "order-1" || msg.EventType != domain.EventOrderPaid {
		t.Fatalf("unexpected outbox message %+v", msg)
	}
	if change.Timeline[0].Occurred != at || change.Timeline[0].Reason != "webhook" {
		t.Fatalf("unexpected timeline event %+v", change.Timeline[0])
	}

	merged := change.Merge(change)
	if len(merged.Outbox) != 2 || len(merged.Timeline) != 2 {
		t.Fatalf("merge must concatenate, got %+v", merged)
	}
	if len(change.Outbox) != 1 {
		t.Fatal("merge must not mutate receiver")
	}
}

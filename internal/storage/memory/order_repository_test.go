package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newOrder(id string) domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:          id,
		Number:      "ORD-" + id,
		CustomerID:  "customer-1",
		Fulfillment: domain.FulfillmentPending,
		Payment:     domain.PaymentUnpaid,
		Currency:    "USD",
		AmountMinor: 500,
		Items: []domain.OrderItem{
			{ID: "item-" + id, ProductID: "product-1", Qty: 5, PriceMinor: 100, CreatedAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func createdChange(t *testing.T, orderID string) domain.OrderChange {
	t.Helper()
	change, err := domain.NewOrderChange(orderID, domain.EventOrderCreated, "", time.Time{}, nil)
	require.NoError(t, err)
	return change
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := store.Orders()
	order := newOrder("order-1")

	require.NoError(t, repo.Create(ctx, order, createdChange(t, order.ID)))

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, stored.ID)
	require.Len(t, stored.Items, 1)

	// Повторное создание с тем же id отклоняется.
	require.ErrorIs(t, repo.Create(ctx, order, domain.OrderChange{}), domain.ErrOrderVersionConflict)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)

	require.Len(t, store.Outbox().AllPending(), 1)
	events, err := store.Timeline().List(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestOrderRepository_ListByCustomer(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()

	first := newOrder("order-1")
	second := newOrder("order-2")
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	other := newOrder("order-3")
	other.CustomerID = "customer-2"

	for _, o := range []domain.Order{first, second, other} {
		require.NoError(t, repo.Create(ctx, o, domain.OrderChange{}))
	}

	orders, err := repo.ListByCustomer(ctx, "customer-1", domain.OrderFilter{})
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, "order-2", orders[0].ID, "newest first")

	limited, err := repo.ListByCustomer(ctx, "customer-1", domain.OrderFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)

	all, err := repo.List(ctx, domain.OrderFilter{Payment: domain.PaymentUnpaid})
	require.NoError(t, err)
	require.Len(t, all, 3)
}

func TestOrderRepository_AttachSession(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder("order-1")
	require.NoError(t, repo.Create(ctx, order, domain.OrderChange{}))

	session := domain.Session{ID: "cs_1", RedirectURL: "https://pay", MethodLabel: "card"}
	require.NoError(t, repo.AttachSession(ctx, order.ID, session, domain.OrderChange{}))

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, "cs_1", stored.ProcessorSession)
	require.Equal(t, "card", stored.PaymentMethod)

	_, err = repo.ApplyTransition(ctx, domain.PaymentTransition{
		OrderID: order.ID,
		EventID: "evt-1",
		From:    domain.StateOf(stored),
		To:      domain.OrderState{Fulfillment: domain.FulfillmentPaid, Payment: domain.PaymentPaid},
	})
	require.NoError(t, err)

	err = repo.AttachSession(ctx, order.ID, domain.Session{ID: "cs_2"}, domain.OrderChange{})
	require.ErrorIs(t, err, domain.ErrOrderNotPayable)
}

func TestOrderRepository_ApplyTransition(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	repo := store.Orders()
	store.Catalog().PutProduct(domain.Product{ID: "product-1", Name: "Tee", PriceMinor: 100})

	order := newOrder("order-1")
	require.NoError(t, repo.Create(ctx, order, domain.OrderChange{}))
	_, err := store.Carts().AddLine(ctx, order.CustomerID, domain.AddLineInput{ProductID: "product-1", Quantity: 2}, time.Now())
	require.NoError(t, err)

	event := domain.PaymentEvent{
		ID:              "evt-1",
		Type:            domain.PaymentEventSessionCompleted,
		OrderID:         order.ID,
		PaymentIntentID: "pi_1",
		Shipping:        domain.ShippingDetails{Name: "Ann", Phone: "+1", Address: "Main st"},
	}
	tr, err := domain.PlanTransition(order, event)
	require.NoError(t, err)

	applied, err := repo.ApplyTransition(ctx, tr)
	require.NoError(t, err)
	require.True(t, applied)

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentPaid, stored.Payment)
	require.Equal(t, domain.FulfillmentPaid, stored.Fulfillment)
	require.Equal(t, "Main st", stored.Shipping.Address)
	require.NotNil(t, stored.PaidAt)
	require.Equal(t, 0, store.Carts().LineCount(order.CustomerID))

	processed, err := repo.IsEventProcessed(ctx, "evt-1")
	require.NoError(t, err)
	require.True(t, processed)

	// Повтор того же перехода не применяется.
	applied, err = repo.ApplyTransition(ctx, tr)
	require.NoError(t, err)
	require.False(t, applied)

	byIntent, err := repo.FindByPaymentIntent(ctx, "pi_1")
	require.NoError(t, err)
	require.Equal(t, order.ID, byIntent.ID)
}

func TestOrderRepository_ApplyTransitionConcurrent(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder("order-1")
	require.NoError(t, repo.Create(ctx, order, domain.OrderChange{}))

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tr, err := domain.PlanTransition(order, domain.PaymentEvent{
				ID:   "evt-" + string(rune('a'+i)),
				Type: domain.PaymentEventSessionCompleted,
			})
			if err != nil {
				t.Errorf("plan: %v", err)
				return
			}
			applied, err := repo.ApplyTransition(ctx, tr)
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if applied {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, winners)
}

func TestOrderRepository_SaveFulfillment(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()
	order := newOrder("order-1")
	require.NoError(t, repo.Create(ctx, order, domain.OrderChange{}))

	stored, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)

	stored.Fulfillment = domain.FulfillmentCompleted
	stored.Payment = domain.PaymentRefunded
	require.NoError(t, repo.SaveFulfillment(ctx, stored, domain.OrderChange{}))

	updated, err := repo.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.FulfillmentCompleted, updated.Fulfillment)
	require.Equal(t, domain.PaymentUnpaid, updated.Payment, "payment status must not be overwritten")
	require.Equal(t, stored.Version+1, updated.Version)

	stored.Version = 42
	err = repo.SaveFulfillment(ctx, stored, domain.OrderChange{})
	require.True(t, domain.IsVersionConflict(err))
}

func TestOrderRepository_DeleteUnpaid(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()

	unpaid := newOrder("order-1")
	paid := newOrder("order-2")
	paid.Payment = domain.PaymentPaid
	require.NoError(t, repo.Create(ctx, unpaid, domain.OrderChange{}))
	require.NoError(t, repo.Create(ctx, paid, domain.OrderChange{}))

	require.NoError(t, repo.DeleteUnpaid(ctx, unpaid.ID))
	_, err := repo.Get(ctx, unpaid.ID)
	require.True(t, errors.Is(err, domain.ErrOrderNotFound))

	require.ErrorIs(t, repo.DeleteUnpaid(ctx, paid.ID), domain.ErrOrderNotDeletable)
	require.ErrorIs(t, repo.DeleteUnpaid(ctx, "missing"), domain.ErrNotFound)
}

func TestOrderRepository_StatsAndRevenue(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewStore().Orders()

	march := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)
	lastYear := time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)

	paid := newOrder("paid")
	paid.Fulfillment = domain.FulfillmentCompleted
	paid.Payment = domain.PaymentPaid
	paid.PaidAt = &march

	old := newOrder("old")
	old.Fulfillment = domain.FulfillmentPaid
	old.Payment = domain.PaymentPaid
	old.PaidAt = &lastYear

	refunded := newOrder("refunded")
	refunded.Fulfillment = domain.FulfillmentPaid
	refunded.Payment = domain.PaymentRefunded
	refunded.PaidAt = &march

	pending := newOrder("pending")

	for _, o := range []domain.Order{paid, old, refunded, pending} {
		require.NoError(t, repo.Create(ctx, o, domain.OrderChange{}))
	}

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStats{
		TotalOrders:     4,
		PendingOrders:   1,
		CompletedOrders: 1,
		PaidOrders:      2,
		RevenueMinor:    1000,
	}, stats)

	months, err := repo.MonthlyRevenue(ctx, 2026)
	require.NoError(t, err)
	require.Len(t, months, 12)
	require.Equal(t, int64(500), months[time.March-1].RevenueMinor)
	require.Equal(t, 1, months[time.March-1].Orders)
	require.Zero(t, months[time.April-1].RevenueMinor)
}

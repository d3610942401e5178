package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderRepository in-memory реализация domain.OrderRepository.
type OrderRepository struct {
	s *Store
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r *OrderRepository) Create(_ context.Context, order domain.Order, change domain.OrderChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.orders[order.ID]; exists {
		return domain.ErrOrderVersionConflict
	}
	// Сохраняем копию, чтобы избежать непредсказуемых мутаций извне.
	r.s.orders[order.ID] = cloneOrder(order)
	r.s.applyChangeLocked(change)
	return nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *OrderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	order, ok := r.s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// FindByPaymentIntent ищет заказ по идентификатору платежа провайдера.
func (r *OrderRepository) FindByPaymentIntent(_ context.Context, paymentIntentID string) (domain.Order, error) {
	if paymentIntentID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	for _, order := range r.s.orders {
		if order.PaymentIntentID == paymentIntentID {
			return cloneOrder(order), nil
		}
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// ListByCustomer возвращает заказы клиента, новые первыми.
func (r *OrderRepository) ListByCustomer(_ context.Context, customerID string, filter domain.OrderFilter) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool {
		return o.CustomerID == customerID && filter.Matches(o)
	}, filter.Limit), nil
}

// List возвращает все заказы по фильтру.
func (r *OrderRepository) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return r.list(filter.Matches, filter.Limit), nil
}

func (r *OrderRepository) list(match func(domain.Order) bool, limit int) []domain.Order {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.s.orders))
	for _, order := range r.s.orders {
		if !match(order) {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

// AttachSession сохраняет платёжную сессию, пока заказ ожидает оплаты.
func (r *OrderRepository) AttachSession(_ context.Context, orderID string, session domain.Session, change domain.OrderChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if !order.IsPayable() {
		return domain.ErrOrderNotPayable
	}

	order.ProcessorSession = session.ID
	order.PaymentMethod = session.MethodLabel
	order.Version++
	order.UpdatedAt = time.Now().UTC()
	r.s.orders[orderID] = order
	r.s.applyChangeLocked(change)
	return nil
}

// ApplyTransition применяет переход как compare-and-set по паре статусов.
func (r *OrderRepository) ApplyTransition(_ context.Context, tr domain.PaymentTransition) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if tr.EventID != "" {
		if _, seen := r.s.processedEvents[tr.EventID]; seen {
			return false, nil
		}
	}

	order, ok := r.s.orders[tr.OrderID]
	if !ok {
		return false, domain.ErrOrderNotFound
	}
	if domain.StateOf(order) != tr.From {
		return false, nil
	}

	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	order.Fulfillment = tr.To.Fulfillment
	order.Payment = tr.To.Payment
	if tr.Shipping != nil {
		order.Shipping = *tr.Shipping
	}
	if tr.PaymentIntentID != "" {
		order.PaymentIntentID = tr.PaymentIntentID
	}
	if tr.To.Payment == domain.PaymentPaid && order.PaidAt == nil {
		paidAt := at
		order.PaidAt = &paidAt
	}
	order.Version++
	order.UpdatedAt = at
	r.s.orders[order.ID] = order

	if tr.EventID != "" {
		r.s.processedEvents[tr.EventID] = at
	}
	if tr.ClearCartOf != "" {
		r.s.clearCartLocked(tr.ClearCartOf)
	}
	r.s.applyChangeLocked(tr.Change)
	return true, nil
}

// IsEventProcessed сообщает, применялось ли событие провайдера.
func (r *OrderRepository) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	_, ok := r.s.processedEvents[eventID]
	return ok, nil
}

// SaveFulfillment перезаписывает FulfillmentStatus, проверяя версию (optimistic locking).
func (r *OrderRepository) SaveFulfillment(_ context.Context, order domain.Order, change domain.OrderChange) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	current, ok := r.s.orders[order.ID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if current.Version != order.Version {
		return domain.ErrOrderVersionConflict
	}
	// PaymentStatus принадлежит провайдеру: переносим только fulfillment.
	current.Fulfillment = order.Fulfillment
	current.Version++
	current.UpdatedAt = time.Now().UTC()
	r.s.orders[order.ID] = current
	r.s.applyChangeLocked(change)
	return nil
}

// DeleteUnpaid удаляет заказ, пока он не оплачен.
func (r *OrderRepository) DeleteUnpaid(_ context.Context, orderID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	order, ok := r.s.orders[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if order.Payment != domain.PaymentUnpaid {
		return domain.ErrOrderNotDeletable
	}
	delete(r.s.orders, orderID)
	delete(r.s.timeline, orderID)
	return nil
}

// Stats считает агрегаты по всем заказам.
func (r *OrderRepository) Stats(_ context.Context) (domain.OrderStats, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var stats domain.OrderStats
	for _, order := range r.s.orders {
		stats.TotalOrders++
		switch order.Fulfillment {
		case domain.FulfillmentPending:
			stats.PendingOrders++
		case domain.FulfillmentCompleted:
			stats.CompletedOrders++
		}
		if order.Payment == domain.PaymentPaid {
			stats.PaidOrders++
			stats.RevenueMinor += order.AmountMinor
		}
	}
	return stats, nil
}

// MonthlyRevenue группирует выручку оплаченных заказов по месяцам года оплаты.
func (r *OrderRepository) MonthlyRevenue(_ context.Context, year int) ([]domain.MonthRevenue, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	months := make([]domain.MonthRevenue, 12)
	for i := range months {
		months[i].Month = time.Month(i + 1)
	}
	for _, order := range r.s.orders {
		if order.Payment != domain.PaymentPaid || order.PaidAt == nil {
			continue
		}
		paidAt := order.PaidAt.UTC()
		if paidAt.Year() != year {
			continue
		}
		bucket := &months[paidAt.Month()-1]
		bucket.RevenueMinor += order.AmountMinor
		bucket.Orders++
	}
	return months, nil
}

var _ domain.OrderRepository = (*OrderRepository)(nil)

package domain

import "time"

// FulfillmentStatus бизнес-стадия заказа, которой управляет магазин.
type FulfillmentStatus string

const (
	// FulfillmentPending заказ создан и ждёт оплаты.
	FulfillmentPending FulfillmentStatus = "PENDING"
	// FulfillmentPaid оплата подтверждена, заказ готовится к отправке.
	FulfillmentPaid FulfillmentStatus = "PAID"
	// FulfillmentCompleted заказ выполнен.
	FulfillmentCompleted FulfillmentStatus = "COMPLETED"
	// FulfillmentCancelled заказ отменён.
	FulfillmentCancelled FulfillmentStatus = "CANCELLED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s FulfillmentStatus) Valid() bool {
	switch s {
	case FulfillmentPending, FulfillmentPaid, FulfillmentCompleted, FulfillmentCancelled:
		return true
	default:
		return false
	}
}

// PaymentStatus состояние денег, каким его видит платёжный провайдер.
// Меняется только reconciler'ом по событиям провайдера.
type PaymentStatus string

const (
	PaymentUnpaid   PaymentStatus = "UNPAID"
	PaymentPaid     PaymentStatus = "PAID"
	PaymentRefunded PaymentStatus = "REFUNDED"
	PaymentFailed   PaymentStatus = "FAILED"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentUnpaid, PaymentPaid, PaymentRefunded, PaymentFailed:
		return true
	default:
		return false
	}
}

// IsTerminal возвращает true для статусов, из которых нет возврата в UNPAID.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentPaid || s == PaymentRefunded || s == PaymentFailed
}

// OrderItem неизменяемый снимок позиции корзины на момент оформления.
// Ссылка на товар мягкая: позиция переживает удаление товара из каталога.
type OrderItem struct {
	ID          string
	ProductID   string
	ProductName string
	ImageURL    string
	ColorID     *string
	ColorName   string
	SizeID      *string
	SizeName    string
	Qty         int32
	// PriceMinor цена за единицу в минимальных денежных единицах на момент покупки.
	PriceMinor int64
	CreatedAt  time.Time
}

// Subtotal возвращает стоимость позиции.
func (i OrderItem) Subtotal() int64 {
	return int64(i.Qty) * i.PriceMinor
}

// ShippingDetails заполняется из события провайдера только после успешной оплаты.
type ShippingDetails struct {
	Name    string
	Phone   string
	Address string
}

// IsZero сообщает, что данные доставки не заполнены.
func (s ShippingDetails) IsZero() bool {
	return s.Name == "" && s.Phone == "" && s.Address == ""
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID          string
	Number      string
	CustomerID  string
	Fulfillment FulfillmentStatus
	Payment     PaymentStatus
	Currency    string
	AmountMinor int64
	Items       []OrderItem

	Shipping         ShippingDetails
	PaymentMethod    string
	ProcessorSession string
	PaymentIntentID  string

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
	PaidAt    *time.Time
}

// IsPayable сообщает, можно ли запросить для заказа новую платёжную сессию.
func (o *Order) IsPayable() bool {
	return o.Fulfillment == FulfillmentPending && o.Payment == PaymentUnpaid
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.CustomerID == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	// Сверяем сумму заказа с суммой позиций: qty * price.
	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += item.Subtotal()
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// OrderFilter ограничивает выборку заказов в админке.
type OrderFilter struct {
	Fulfillment FulfillmentStatus
	Payment     PaymentStatus
	Limit       int
}

// Matches проверяет заказ на соответствие фильтру (лимит не учитывается).
func (f OrderFilter) Matches(o Order) bool {
	if f.Fulfillment != "" && o.Fulfillment != f.Fulfillment {
		return false
	}
	if f.Payment != "" && o.Payment != f.Payment {
		return false
	}
	return true
}

// OrderStats агрегаты для админской панели.
type OrderStats struct {
	TotalOrders     int
	PendingOrders   int
	CompletedOrders int
	PaidOrders      int
	// RevenueMinor учитывает только заказы с PaymentStatus = PAID.
	RevenueMinor int64
}

// MonthRevenue выручка за календарный месяц.
type MonthRevenue struct {
	Month        time.Month
	RevenueMinor int64
	Orders       int
}

package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов (Order Ledger).
type OrderRepository interface {
	// Create сохраняет заказ вместе с позициями одной транзакцией.
	Create(ctx context.Context, order Order, change OrderChange) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// FindByPaymentIntent ищет заказ по идентификатору платежа провайдера.
	FindByPaymentIntent(ctx context.Context, paymentIntentID string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми.
	ListByCustomer(ctx context.Context, customerID string, filter OrderFilter) ([]Order, error)
	// List возвращает все заказы по фильтру, новые первыми.
	List(ctx context.Context, filter OrderFilter) ([]Order, error)

	// AttachSession сохраняет платёжную сессию, только пока заказ ожидает оплаты.
	// Иначе возвращает ErrOrderNotPayable.
	AttachSession(ctx context.Context, orderID string, session Session, change OrderChange) error
	// ApplyTransition атомарно применяет переход как compare-and-set по паре статусов
	// и фиксирует идентификатор события. Возвращает false, если заказ уже не в
	// исходном состоянии или событие уже обработано.
	ApplyTransition(ctx context.Context, tr PaymentTransition) (bool, error)
	// IsEventProcessed сообщает, обрабатывалось ли событие провайдера ранее.
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	// SaveFulfillment записывает только FulfillmentStatus с учётом optimistic locking.
	SaveFulfillment(ctx context.Context, order Order, change OrderChange) error
	// DeleteUnpaid удаляет заказ, пока PaymentStatus = UNPAID.
	DeleteUnpaid(ctx context.Context, orderID string) error

	Stats(ctx context.Context) (OrderStats, error)
	MonthlyRevenue(ctx context.Context, year int) ([]MonthRevenue, error)
}

// CartRepository описывает хранилище корзин (Cart Store).
type CartRepository interface {
	// AddLine создаёт корзину при необходимости, увеличивает количество совпадающей
	// строки или добавляет новую. Возвращает число строк в корзине.
	AddLine(ctx context.Context, userID string, in AddLineInput, now time.Time) (int, error)
	// UpdateQuantity меняет количество в строке корзины пользователя.
	// ErrCartLineForbidden строка принадлежит другой корзине.
	UpdateQuantity(ctx context.Context, userID, lineID string, qty int32, now time.Time) error
	// DeleteLine удаляет строку; отсутствие строки не ошибка.
	DeleteLine(ctx context.Context, userID, lineID string) error
	// Clear удаляет все строки корзины пользователя.
	Clear(ctx context.Context, userID string) error
	// View возвращает строки с текущими данными каталога.
	View(ctx context.Context, userID string) ([]CartLineView, error)
}

// CatalogRepository чтение каталога, которым владеет внешний CRUD.
type CatalogRepository interface {
	GetProduct(ctx context.Context, id string) (Product, error)
}

package domain

import (
	"errors"
	"fmt"
)

// Базовые категории ошибок. Конкретные ошибки ниже оборачивают одну из них,
// поэтому транспортный слой проверяет только категорию через errors.Is.
var (
	// ErrNotFound запрошенный товар, заказ или позиция корзины отсутствует.
	ErrNotFound = errors.New("not found")
	// ErrForbidden попытка доступа к чужой корзине или заказу.
	ErrForbidden = errors.New("forbidden")
	// ErrEmptyCart оформление заказа из пустой корзины.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidSignature подпись webhook не совпала с телом запроса.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrExternalService платёжный провайдер недоступен или вернул ошибку.
	ErrExternalService = errors.New("external service error")
	// ErrInvalidState переход отсутствует в таблице допустимых переходов.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation входные данные не прошли проверку.
	ErrValidation = errors.New("validation failed")
)

var (
	ErrOrderNotFound    = fmt.Errorf("order %w", ErrNotFound)
	ErrProductNotFound  = fmt.Errorf("product %w", ErrNotFound)
	ErrCartLineNotFound = fmt.Errorf("cart line %w", ErrNotFound)

	ErrOrderForbidden    = fmt.Errorf("order access %w", ErrForbidden)
	ErrCartLineForbidden = fmt.Errorf("cart line access %w", ErrForbidden)

	// ErrOrderNotPayable заказ уже оплачен, отменён или возвращён.
	ErrOrderNotPayable = fmt.Errorf("order is not payable: %w", ErrInvalidState)
	// ErrOrderNotDeletable удалить можно только неоплаченный заказ.
	ErrOrderNotDeletable = fmt.Errorf("only unpaid orders can be deleted: %w", ErrInvalidState)
	// ErrUnknownFulfillmentStatus администратор передал неизвестный статус.
	ErrUnknownFulfillmentStatus = fmt.Errorf("unknown fulfillment status: %w", ErrInvalidState)

	ErrCustomerRequired = fmt.Errorf("customer_id is required: %w", ErrValidation)
	ErrCurrencyRequired = fmt.Errorf("currency is required: %w", ErrValidation)
	ErrItemsRequired    = fmt.Errorf("order must contain at least one item: %w", ErrValidation)
	ErrAmountNegative   = fmt.Errorf("amount_minor must be non-negative: %w", ErrValidation)
	ErrItemQtyInvalid   = fmt.Errorf("item qty must be greater than zero: %w", ErrValidation)
	ErrItemPriceInvalid = fmt.Errorf("item price must be non-negative: %w", ErrValidation)
	ErrAmountMismatch   = fmt.Errorf("order amount does not match items sum: %w", ErrValidation)
	ErrProductRequired  = fmt.Errorf("product_id is required: %w", ErrValidation)
	ErrQuantityInvalid  = fmt.Errorf("quantity must be greater than zero: %w", ErrValidation)

	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = errors.New("order version conflict")
	// ErrOutboxPublish ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	ErrIdempotencyKeyRequired         = fmt.Errorf("idempotency key is required: %w", ErrValidation)
	ErrIdempotencyRequestHashRequired = fmt.Errorf("idempotency request hash is required: %w", ErrValidation)
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists запрос с таким ключом уже принят.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch ключ переиспользован для другого запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}

// IsIdempotencyConflict сообщает, что ключ идемпотентности уже занят.
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}

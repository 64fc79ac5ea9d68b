package domain

import "errors"

var (
	// Ошибка пустой корзины.
	ErrCartEmpty = errors.New("no hay items en el carrito")
	// Ошибка отсутствующего адреса доставки.
	ErrShippingAddressRequired = errors.New("shipping address is required")
	// Ошибка отсутствующего контактного телефона.
	ErrContactPhoneRequired = errors.New("contact phone is required")
	// Ошибка отсутствующего идентификатора пользователя.
	ErrUserRequired = errors.New("user_id is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка некорректного идентификатора товара.
	ErrProductIDInvalid = errors.New("product id must be positive")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции не положительная.
	ErrItemPriceInvalid = errors.New("item price must be greater than zero")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match lines sum")
	// Ошибка переполнения суммы позиции или заказа.
	ErrAmountOverflow = errors.New("order amount overflows int64")
	// Ошибка отрицательной суммы платежа.
	ErrPaymentAmountNegative = errors.New("payment amount must be non-negative")
	// Ошибка отсутствующего внешнего идентификатора платежа.
	ErrPaymentRefRequired = errors.New("payment external reference is required")
	// Ошибка отсутствующего идентификатора заказа в платежах.
	ErrOrderIDRequired = errors.New("order_id is required")
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound — по заказу ещё нет подтверждённого платежа.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrInvalidStatusTransition — запрещённый переход статуса заказа.
	ErrInvalidStatusTransition = errors.New("invalid order status transition")
	// ErrProductNotFound — товар из корзины отсутствует в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrPriceMismatch — цена в корзине не совпадает с ценой каталога.
	ErrPriceMismatch = errors.New("cart price does not match catalog price")
	// ErrPaymentAmountMismatch — сумма платежа не совпадает с суммой заказа.
	ErrPaymentAmountMismatch = errors.New("payment amount does not match order total")
	// ErrPaymentCurrencyMismatch — валюта платежа не совпадает с валютой заказа.
	ErrPaymentCurrencyMismatch = errors.New("payment currency does not match order currency")
	// ErrPaymentRefConflict — внешний идентификатор платежа уже записан за другим заказом.
	ErrPaymentRefConflict = errors.New("payment reference already recorded for another order")
	// ErrGatewayUnavailable — платёжный шлюз недоступен, запрос можно повторить.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrWebhookSignature — подпись webhook не прошла проверку.
	ErrWebhookSignature = errors.New("webhook signature verification failed")
	// ErrWebhookMetadata — в подтверждённом событии нет идентификатора заказа.
	ErrWebhookMetadata = errors.New("webhook event has no order reference")
	// ErrInventoryDecrement — процедура списания остатков завершилась ошибкой.
	ErrInventoryDecrement = errors.New("inventory decrement failed")
	// ErrUnauthenticated — запрос без валидного токена.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden — у пользователя нет права на действие.
	ErrForbidden = errors.New("forbidden")
	// ErrProfileNotFound — профиль пользователя отсутствует.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrIdempotencyKeyRequired — пустой idempotency-key.
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	// ErrIdempotencyRequestHashRequired — пустой хэш запроса.
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	// ErrIdempotencyKeyNotFound — ключ не найден.
	ErrIdempotencyKeyNotFound = errors.New("idempotency key not found")
	// ErrIdempotencyKeyAlreadyExists — ключ уже занят запросом с тем же телом.
	ErrIdempotencyKeyAlreadyExists = errors.New("idempotency key already exists")
	// ErrIdempotencyHashMismatch — ключ переиспользован с другим телом запроса.
	ErrIdempotencyHashMismatch = errors.New("idempotency key reused with different request")
)

// IsValidation сообщает, что ошибка вызвана некорректным вводом клиента.
func IsValidation(err error) bool {
	switch {
	case errors.Is(err, ErrCartEmpty),
		errors.Is(err, ErrShippingAddressRequired),
		errors.Is(err, ErrContactPhoneRequired),
		errors.Is(err, ErrProductIDInvalid),
		errors.Is(err, ErrItemQtyInvalid),
		errors.Is(err, ErrItemPriceInvalid),
		errors.Is(err, ErrAmountOverflow):
		return true
	default:
		return false
	}
}

// IsRetryable сообщает, что операцию имеет смысл повторить позже.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}

package domain

import (
	"context"
	"time"
)

// PaymentGateway описывает взаимодействие с платёжным провайдером.
type PaymentGateway interface {
	// CreateCheckoutSession создаёт hosted checkout сессию и возвращает URL для редиректа.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	// ParseWebhookEvent проверяет подпись и разбирает событие.
	// При неверной подписи возвращает ErrWebhookSignature.
	ParseWebhookEvent(payload []byte, signature string) (GatewayEvent, error)
}

// InventoryDecrementer списывает остатки товаров по оплаченному заказу.
// Вызывается ровно один раз на успешно оплаченный заказ.
type InventoryDecrementer interface {
	DecrementForOrder(ctx context.Context, orderID string) error
}

// ProductCatalog отдаёт текущие цены товаров в минимальных единицах.
type ProductCatalog interface {
	// Prices возвращает цены по идентификаторам; отсутствующие товары в map не попадают.
	Prices(ctx context.Context, productIDs []int64) (map[int64]int64, error)
}

// ProfileRepository хранит роли пользователей.
type ProfileRepository interface {
	// Role возвращает роль пользователя или ErrProfileNotFound.
	Role(ctx context.Context, userID string) (Role, error)
}

// Authorizer проверяет право пользователя на действие.
type Authorizer interface {
	// Authorize возвращает ErrForbidden, если действие запрещено.
	Authorize(ctx context.Context, principal Principal, action Action) error
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	// PullPending арендует pending-сообщения: до MarkSent/MarkFailed или
	// истечения аренды они не выдаются другим воркерам.
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	// ReclaimFailed переводит failed-запись с тем же хэшем обратно в processing.
	ReclaimFailed(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	// Complete сохраняет ответ; статус записи выводится из httpStatus.
	Complete(ctx context.Context, key string, httpStatus int, responseBody []byte) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

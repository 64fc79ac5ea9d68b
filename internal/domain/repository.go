package domain

import "context"

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create атомарно сохраняет заказ, его позиции, событие order.created и запись timeline.
	// Идентификатор заказа назначает хранилище.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByUser возвращает заказы пользователя, новые первыми.
	ListByUser(ctx context.Context, userID string, limit int) ([]Order, error)
	// ListAll возвращает все заказы, новые первыми.
	ListAll(ctx context.Context, limit int) ([]Order, error)
	// AttachCheckoutSession запоминает идентификатор checkout сессии шлюза.
	AttachCheckoutSession(ctx context.Context, orderID, sessionID string) error
}

// PaymentLedger применяет подтверждённые платежи к заказам.
type PaymentLedger interface {
	// ApplyPayment одной единицей работы переводит заказ pending -> paid,
	// записывает платёж и списывает остатки. Повторная доставка того же
	// платежа возвращает ApplyResultAlreadyApplied без изменений.
	ApplyPayment(ctx context.Context, payment Payment) (ApplyResult, error)
	// GetByOrder возвращает платёж заказа или ErrPaymentNotFound.
	GetByOrder(ctx context.Context, orderID string) (Payment, error)
}

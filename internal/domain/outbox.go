package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Типы событий заказа, которые публикуются через outbox.
const (
	EventTypeOrderCreated = "order.created"
	EventTypeOrderPaid    = "order.paid"

	AggregateTypeOrder = "order"
)

const (
	// DefaultOutboxBatch — размер выборки PullPending при limit<=0.
	DefaultOutboxBatch = 100
	// DefaultOutboxLease — сколько выданное воркеру сообщение скрыто от других.
	DefaultOutboxLease = 30 * time.Second
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

type orderLinePayload struct {
	ProductID      int64 `json:"product_id"`
	Qty            int32 `json:"qty"`
	UnitPriceMinor int64 `json:"unit_price_minor"`
}

type orderCreatedPayload struct {
	OrderID     string             `json:"order_id"`
	UserID      string             `json:"user_id"`
	Currency    string             `json:"currency"`
	AmountMinor int64              `json:"amount_minor"`
	Lines       []orderLinePayload `json:"lines"`
	CreatedAt   time.Time          `json:"created_at"`
}

type orderPaidPayload struct {
	OrderID     string    `json:"order_id"`
	PaymentRef  string    `json:"payment_ref"`
	Currency    string    `json:"currency"`
	AmountMinor int64     `json:"amount_minor"`
	PaidAt      time.Time `json:"paid_at"`
}

// NewOrderCreatedMessage строит outbox-сообщение о записанном заказе.
func NewOrderCreatedMessage(order Order) (OutboxMessage, error) {
	lines := make([]orderLinePayload, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLinePayload{
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceMinor: line.UnitPriceMinor,
		})
	}

	payload, err := json.Marshal(orderCreatedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Currency:    order.Currency,
		AmountMinor: order.AmountMinor,
		Lines:       lines,
		CreatedAt:   order.CreatedAt,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal order.created payload: %w", err)
	}

	return OutboxMessage{
		AggregateType: AggregateTypeOrder,
		AggregateID:   order.ID,
		EventType:     EventTypeOrderCreated,
		Payload:       payload,
	}, nil
}

// NewOrderPaidMessage строит outbox-сообщение о подтверждённой оплате.
func NewOrderPaidMessage(payment Payment) (OutboxMessage, error) {
	payload, err := json.Marshal(orderPaidPayload{
		OrderID:     payment.OrderID,
		PaymentRef:  payment.ExternalRef,
		Currency:    payment.Currency,
		AmountMinor: payment.AmountMinor,
		PaidAt:      payment.CreatedAt,
	})
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal order.paid payload: %w", err)
	}

	return OutboxMessage{
		AggregateType: AggregateTypeOrder,
		AggregateID:   payment.OrderID,
		EventType:     EventTypeOrderPaid,
		Payload:       payload,
	}, nil
}

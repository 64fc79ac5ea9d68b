package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// paymentLedgerInMemory применяет платежи к заказам OrderRepository.
// Все применения сериализуются одним мьютексом.
type paymentLedgerInMemory struct {
	mu        sync.Mutex
	orders    *OrderRepository
	inventory domain.InventoryDecrementer
	outbox    domain.OutboxRepository
	timeline  domain.TimelineRepository

	byOrder map[string]domain.Payment
	byRef   map[string]string
	logger  *log.Entry
}

// stockRestorer отменяет списание, если после него применение не удалось.
type stockRestorer interface {
	RestoreForOrder(ctx context.Context, orderID string) error
}

// NewPaymentLedger создаёт in-memory журнал платежей.
func NewPaymentLedger(
	orders *OrderRepository,
	inventory domain.InventoryDecrementer,
	outbox domain.OutboxRepository,
	timeline domain.TimelineRepository,
) domain.PaymentLedger {
	return &paymentLedgerInMemory{
		orders:    orders,
		inventory: inventory,
		outbox:    outbox,
		timeline:  timeline,
		byOrder:   make(map[string]domain.Payment),
		byRef:     make(map[string]string),
		logger:    log.WithField("component", "memory-payment-ledger"),
	}
}

func (l *paymentLedgerInMemory) ApplyPayment(ctx context.Context, payment domain.Payment) (domain.ApplyResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	order, err := l.orders.Get(ctx, payment.OrderID)
	if err != nil {
		return "", err
	}
	if order.Status == domain.OrderStatusPaid {
		return domain.ApplyResultAlreadyApplied, nil
	}
	if owner, ok := l.byRef[payment.ExternalRef]; ok {
		if owner == order.ID {
			return domain.ApplyResultAlreadyApplied, nil
		}
		return "", fmt.Errorf("order %s, ref %s: %w", order.ID, payment.ExternalRef, domain.ErrPaymentRefConflict)
	}
	if payment.AmountMinor != order.AmountMinor {
		return "", fmt.Errorf("order %s: got %d, want %d: %w",
			order.ID, payment.AmountMinor, order.AmountMinor, domain.ErrPaymentAmountMismatch)
	}
	if payment.Currency != "" && !strings.EqualFold(payment.Currency, order.Currency) {
		return "", fmt.Errorf("order %s: got %s, want %s: %w",
			order.ID, payment.Currency, order.Currency, domain.ErrPaymentCurrencyMismatch)
	}

	now := time.Now().UTC()
	payment.ID = uuid.NewString()
	payment.Status = domain.PaymentStatusCompleted
	if payment.Method == "" {
		payment.Method = domain.PaymentMethodStripe
	}
	payment.Currency = order.Currency
	payment.CreatedAt = now

	msg, err := domain.NewOrderPaidMessage(payment)
	if err != nil {
		return "", err
	}

	// Заказ остаётся pending, пока списание и order.paid не записаны.
	if l.inventory != nil {
		if err := l.inventory.DecrementForOrder(ctx, order.ID); err != nil {
			return "", fmt.Errorf("%w: %v", domain.ErrInventoryDecrement, err)
		}
	}
	if l.outbox != nil {
		if _, err := l.outbox.Enqueue(ctx, msg); err != nil {
			l.restoreStock(ctx, order.ID)
			return "", fmt.Errorf("enqueue order.paid: %w", err)
		}
	}

	if err := l.orders.markPaid(order.ID, now); err != nil {
		return "", err
	}
	l.byOrder[order.ID] = payment
	l.byRef[payment.ExternalRef] = order.ID

	if l.timeline != nil {
		if err := l.timeline.Append(ctx, domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     domain.TimelineOrderPaid,
			Reason:   payment.ExternalRef,
			Occurred: now,
		}); err != nil {
			l.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to append order.paid timeline event")
		}
	}

	return domain.ApplyResultApplied, nil
}

// restoreStock возвращает списанные остатки, если inventory это умеет.
func (l *paymentLedgerInMemory) restoreStock(ctx context.Context, orderID string) {
	restorer, ok := l.inventory.(stockRestorer)
	if !ok {
		return
	}
	if err := restorer.RestoreForOrder(ctx, orderID); err != nil {
		l.logger.WithError(err).WithField("order_id", orderID).Error("failed to restore stock after outbox failure")
	}
}

func (l *paymentLedgerInMemory) GetByOrder(_ context.Context, orderID string) (domain.Payment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	payment, ok := l.byOrder[orderID]
	if !ok {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return payment, nil
}

var _ domain.PaymentLedger = (*paymentLedgerInMemory)(nil)

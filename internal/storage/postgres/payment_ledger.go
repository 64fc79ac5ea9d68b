package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	constraintPaymentsOrderID     = "uq_payments_order_id"
	constraintPaymentsExternalRef = "uq_payments_external_ref"
)

// ledgerTimeout шире opTimeout: в транзакции работает ещё и списание остатков.
const ledgerTimeout = 10 * time.Second

type paymentLedger struct {
	db        *sql.DB
	inventory domain.InventoryDecrementer
}

// NewPaymentLedger создаёт PostgreSQL-реализацию PaymentLedger.
// inventory вызывается внутри транзакции применения платежа.
func NewPaymentLedger(store *Store, inventory domain.InventoryDecrementer) domain.PaymentLedger {
	return &paymentLedger{db: store.DB(), inventory: inventory}
}

// ApplyPayment в одной транзакции блокирует заказ, переводит его pending -> paid,
// пишет платёж, списывает остатки и ставит order.paid в outbox.
// Повторная доставка того же платежа возвращает ApplyResultAlreadyApplied.
// external_ref, уже записанный за другим заказом, даёт ErrPaymentRefConflict.
func (l *paymentLedger) ApplyPayment(ctx context.Context, payment domain.Payment) (result domain.ApplyResult, err error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerTimeout)
	defer cancel()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		status   string
		amount   int64
		currency string
		session  string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT status, amount_minor, currency, checkout_session_id
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, payment.OrderID).Scan(&status, &amount, &currency, &session)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidTextRepresentation(err) {
			err = domain.ErrOrderNotFound
			return "", err
		}
		return "", fmt.Errorf("lock order: %w", err)
	}

	if domain.OrderStatus(status) == domain.OrderStatusPaid {
		_ = tx.Rollback()
		return domain.ApplyResultAlreadyApplied, nil
	}
	if payment.AmountMinor != amount {
		err = fmt.Errorf("order %s: got %d, want %d: %w",
			payment.OrderID, payment.AmountMinor, amount, domain.ErrPaymentAmountMismatch)
		return "", err
	}
	if payment.Currency != "" && !strings.EqualFold(payment.Currency, currency) {
		err = fmt.Errorf("order %s: got %s, want %s: %w",
			payment.OrderID, payment.Currency, currency, domain.ErrPaymentCurrencyMismatch)
		return "", err
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = $4
	`, payment.OrderID, string(domain.OrderStatusPaid), now, string(domain.OrderStatusPending))
	if err != nil {
		return "", fmt.Errorf("mark order paid: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return domain.ApplyResultAlreadyApplied, nil
	}

	payment.Status = domain.PaymentStatusCompleted
	if payment.Method == "" {
		payment.Method = domain.PaymentMethodStripe
	}
	payment.Currency = currency
	if payment.CheckoutSessionID == "" {
		payment.CheckoutSessionID = session
	}
	payment.CreatedAt = now

	err = tx.QueryRowContext(ctx, `
		INSERT INTO payments (
			order_id, amount_minor, currency, method, external_ref,
			checkout_session_id, status, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`,
		payment.OrderID, payment.AmountMinor, payment.Currency, payment.Method,
		payment.ExternalRef, payment.CheckoutSessionID, string(payment.Status), payment.CreatedAt,
	).Scan(&payment.ID)
	if err != nil {
		switch uniqueConstraint(err) {
		case constraintPaymentsOrderID:
			_ = tx.Rollback()
			return domain.ApplyResultAlreadyApplied, nil
		case constraintPaymentsExternalRef:
			err = fmt.Errorf("order %s, ref %s: %w", payment.OrderID, payment.ExternalRef, domain.ErrPaymentRefConflict)
			return "", err
		}
		return "", fmt.Errorf("insert payment: %w", err)
	}

	if l.inventory != nil {
		if err = l.inventory.DecrementForOrder(contextWithTx(ctx, tx), payment.OrderID); err != nil {
			err = fmt.Errorf("%w: %v", domain.ErrInventoryDecrement, err)
			return "", err
		}
	}

	var msg domain.OutboxMessage
	msg, err = domain.NewOrderPaidMessage(payment)
	if err != nil {
		return "", err
	}
	if _, err = insertOutboxMessage(ctx, tx, msg); err != nil {
		return "", err
	}
	if err = insertTimelineEvent(ctx, tx, domain.TimelineEvent{
		OrderID:  payment.OrderID,
		Type:     domain.TimelineOrderPaid,
		Reason:   payment.ExternalRef,
		Occurred: now,
	}); err != nil {
		return "", err
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("commit apply payment: %w", err)
	}

	return domain.ApplyResultApplied, nil
}

func (l *paymentLedger) GetByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		payment domain.Payment
		status  string
	)
	err := l.db.QueryRowContext(ctx, `
		SELECT id, order_id, amount_minor, currency, method, external_ref,
		       checkout_session_id, status, created_at
		FROM payments
		WHERE order_id = $1
	`, orderID).Scan(
		&payment.ID, &payment.OrderID, &payment.AmountMinor, &payment.Currency, &payment.Method,
		&payment.ExternalRef, &payment.CheckoutSessionID, &status, &payment.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) || isInvalidTextRepresentation(err) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	payment.Status = domain.PaymentStatus(status)

	return payment, nil
}

var _ domain.PaymentLedger = (*paymentLedger)(nil)

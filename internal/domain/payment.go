package domain

import "time"

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	// PaymentStatusCompleted — деньги получены, платёж подтверждён шлюзом.
	PaymentStatusCompleted PaymentStatus = "completed"
)

// PaymentMethodStripe — метод оплаты, который пишется в журнал платежей.
const PaymentMethodStripe = "Stripe"

// Label возвращает название статуса платежа для API.
func (s PaymentStatus) Label() string {
	if s == PaymentStatusCompleted {
		return "Completado"
	}
	return string(s)
}

// Payment описывает подтверждённый платёж по заказу.
type Payment struct {
	ID          string
	OrderID     string
	AmountMinor int64
	Currency    string
	Method      string
	// ExternalRef — идентификатор платежа у провайдера, уникален в журнале.
	ExternalRef       string
	CheckoutSessionID string
	Status            PaymentStatus
	CreatedAt         time.Time
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if p.ExternalRef == "" {
		errs = append(errs, ErrPaymentRefRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}

	return errs
}

// ApplyResult — итог применения платежа к заказу.
type ApplyResult string

const (
	// ApplyResultApplied — заказ переведён в paid, платёж записан, остатки списаны.
	ApplyResultApplied ApplyResult = "applied"
	// ApplyResultAlreadyApplied — повторная доставка; ничего не изменено.
	ApplyResultAlreadyApplied ApplyResult = "already_applied"
)

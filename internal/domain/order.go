package domain

import (
	"math"
	"time"
)

// OrderStatus описывает жизненный цикл заказа в магазине.
type OrderStatus string

const (
	// OrderStatusPending — заказ записан, оплата ещё не подтверждена шлюзом.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — оплата подтверждена webhook-событием шлюза.
	OrderStatusPaid OrderStatus = "paid"
)

// Метки статусов, которые видит клиентское приложение.
const (
	orderStatusLabelPending = "Pendiente"
	orderStatusLabelPaid    = "Pagado"
)

// Label возвращает человекочитаемое название статуса для API.
func (s OrderStatus) Label() string {
	switch s {
	case OrderStatusPending:
		return orderStatusLabelPending
	case OrderStatusPaid:
		return orderStatusLabelPaid
	default:
		return string(s)
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	return s == OrderStatusPending || s == OrderStatusPaid
}

// CanTransitionTo разрешает единственный переход pending -> paid.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	return s == OrderStatusPending && next == OrderStatusPaid
}

// OrderLine представляет одну позицию заказа.
type OrderLine struct {
	ID        string
	ProductID int64
	Qty       int32
	// UnitPriceMinor — цена за единицу в минимальных денежных единицах.
	UnitPriceMinor int64
	CreatedAt      time.Time
}

// Subtotal возвращает qty * unit price.
func (l OrderLine) Subtotal() int64 {
	return int64(l.Qty) * l.UnitPriceMinor
}

// addSubtotal прибавляет qty*price к total. ok=false, если результат не
// помещается в int64; для неположительных qty и price переполнения нет.
func addSubtotal(total int64, qty int32, price int64) (sum int64, ok bool) {
	if qty <= 0 || price <= 0 {
		return total + int64(qty)*price, true
	}
	if price > math.MaxInt64/int64(qty) {
		return 0, false
	}
	subtotal := int64(qty) * price
	if total > math.MaxInt64-subtotal {
		return 0, false
	}
	return total + subtotal, true
}

// Order агрегирует заказ и его позиции.
type Order struct {
	ID                string
	UserID            string
	ShippingAddress   string
	ContactPhone      string
	Notes             string
	Status            OrderStatus
	Currency          string
	AmountMinor       int64
	CheckoutSessionID string
	Lines             []OrderLine
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// LinesTotal считает сумму позиций заказа.
func (o *Order) LinesTotal() int64 {
	var total int64
	for _, line := range o.Lines {
		total += line.Subtotal()
	}
	return total
}

// MarkPaid переводит заказ в paid, если переход разрешён.
func (o *Order) MarkPaid(at time.Time) error {
	if !o.Status.CanTransitionTo(OrderStatusPaid) {
		return ErrInvalidStatusTransition
	}
	o.Status = OrderStatusPaid
	o.UpdatedAt = at
	return nil
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.ShippingAddress == "" {
		errs = append(errs, ErrShippingAddressRequired)
	}
	if o.ContactPhone == "" {
		errs = append(errs, ErrContactPhoneRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrCartEmpty)
	}

	for _, line := range o.Lines {
		if line.ProductID <= 0 {
			errs = append(errs, ErrProductIDInvalid)
		}
		if line.Qty <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if line.UnitPriceMinor <= 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}
	var total int64
	overflow := false
	for _, line := range o.Lines {
		var ok bool
		if total, ok = addSubtotal(total, line.Qty, line.UnitPriceMinor); !ok {
			overflow = true
			break
		}
	}
	switch {
	case overflow:
		errs = append(errs, ErrAmountOverflow)
	case total != o.AmountMinor:
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

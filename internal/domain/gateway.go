package domain

// CheckoutLine — позиция, которую увидит покупатель на странице оплаты.
type CheckoutLine struct {
	Name            string
	ImageURL        string
	UnitAmountMinor int64
	Qty             int32
}

// CheckoutRequest — параметры создания hosted checkout сессии.
type CheckoutRequest struct {
	OrderID       string
	Currency      string
	Lines         []CheckoutLine
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
}

// CheckoutSession — созданная у шлюза сессия оплаты.
type CheckoutSession struct {
	ID  string
	URL string
}

// GatewayEventType — нормализованный тип webhook-события.
type GatewayEventType string

const (
	GatewayEventCheckoutCompleted     GatewayEventType = "checkout_completed"
	GatewayEventAsyncPaymentSucceeded GatewayEventType = "async_payment_succeeded"
	GatewayEventAsyncPaymentFailed    GatewayEventType = "async_payment_failed"
	GatewayEventOther                 GatewayEventType = "other"
)

// GatewayPaymentStatusPaid — статус оплаты сессии, при котором деньги уже получены.
const GatewayPaymentStatusPaid = "paid"

// GatewayEvent — проверенное событие платёжного шлюза.
type GatewayEvent struct {
	ID            string
	Type          GatewayEventType
	RawType       string
	OrderID       string
	SessionID     string
	PaymentRef    string
	AmountTotal   int64
	Currency      string
	PaymentStatus string
}

// Settled сообщает, что событие подтверждает поступление денег.
func (e GatewayEvent) Settled() bool {
	switch e.Type {
	case GatewayEventCheckoutCompleted:
		return e.PaymentStatus == GatewayPaymentStatusPaid
	case GatewayEventAsyncPaymentSucceeded:
		return true
	default:
		return false
	}
}

package stripe

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// FakeGateway — конфигурируемая заглушка PaymentGateway для локальной
// разработки и тестов. Сессии не создаются у провайдера, но webhook
// проверяются той же подписью Stripe, что и в боевом адаптере.
type FakeGateway struct {
	WebhookSecret string
	CreateErr     error

	mu          sync.Mutex
	CreateCalls int
	Requests    []domain.CheckoutRequest
}

// NewFakeGateway возвращает заглушку с успешным сценарием по умолчанию.
func NewFakeGateway(webhookSecret string) *FakeGateway {
	return &FakeGateway{WebhookSecret: webhookSecret}
}

// CreateCheckoutSession возвращает детерминированную сессию cs_fake_<order>.
func (f *FakeGateway) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	f.mu.Lock()
	f.CreateCalls++
	f.Requests = append(f.Requests, req)
	createErr := f.CreateErr
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.CheckoutSession{}, err
	}
	if createErr != nil {
		return domain.CheckoutSession{}, createErr
	}

	id := "cs_fake_" + req.OrderID
	redirect := req.SuccessURL
	if u, err := url.Parse(req.SuccessURL); err == nil {
		q := u.Query()
		q.Set("session_id", id)
		u.RawQuery = q.Encode()
		redirect = u.String()
	}

	return domain.CheckoutSession{ID: id, URL: redirect}, nil
}

// ParseWebhookEvent проверяет подпись так же, как Gateway.
func (f *FakeGateway) ParseWebhookEvent(payload []byte, signature string) (domain.GatewayEvent, error) {
	if f.WebhookSecret == "" {
		return domain.GatewayEvent{}, fmt.Errorf("%w: fake gateway has no webhook secret", domain.ErrWebhookSignature)
	}
	return parseEvent(payload, signature, f.WebhookSecret)
}

// Calls возвращает число вызовов CreateCheckoutSession.
func (f *FakeGateway) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.CreateCalls
}

var _ domain.PaymentGateway = (*FakeGateway)(nil)

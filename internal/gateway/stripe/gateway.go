// Package stripe реализует domain.PaymentGateway поверх Stripe Checkout.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	stripeapi "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	// MetadataOrderID — ключ metadata сессии с идентификатором заказа.
	MetadataOrderID = "id_pedido"

	defaultTimeout = 10 * time.Second

	eventCheckoutCompleted     = "checkout.session.completed"
	eventAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	eventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
)

// Config задаёт параметры клиента Stripe.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Timeout ограничивает каждый HTTP-вызов к Stripe.
	Timeout time.Duration
	// APIURL переопределяет адрес API (stripe-mock, тесты).
	APIURL string
}

// Gateway реализует PaymentGateway поверх Stripe Checkout.
type Gateway struct {
	api           *client.API
	webhookSecret string
	logger        *log.Entry
}

// New создаёт адаптер. Пустой секрет webhook считается ошибкой конфигурации:
// без него подпись проверить нельзя.
func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, errors.New("stripe webhook secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	logger := log.WithField("component", "stripe-gateway")

	backendCfg := &stripeapi.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		LeveledLogger:     logger,
		MaxNetworkRetries: stripeapi.Int64(1),
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripeapi.String(cfg.APIURL)
	}
	backend := stripeapi.GetBackendWithConfig(stripeapi.APIBackend, backendCfg)

	return &Gateway{
		api: client.New(cfg.SecretKey, &stripeapi.Backends{
			API:     backend,
			Connect: backend,
			Uploads: backend,
		}),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}, nil
}

// CreateCheckoutSession создаёт hosted checkout сессию с позициями заказа.
// Идентификатор заказа уходит в metadata и client_reference_id.
func (g *Gateway) CreateCheckoutSession(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	params := &stripeapi.CheckoutSessionParams{
		PaymentMethodTypes: stripeapi.StringSlice([]string{"card"}),
		Mode:               stripeapi.String(string(stripeapi.CheckoutSessionModePayment)),
		SuccessURL:         stripeapi.String(req.SuccessURL),
		CancelURL:          stripeapi.String(req.CancelURL),
		ClientReferenceID:  stripeapi.String(req.OrderID),
		LineItems:          make([]*stripeapi.CheckoutSessionLineItemParams, 0, len(req.Lines)),
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripeapi.String(req.CustomerEmail)
	}
	for _, line := range req.Lines {
		product := &stripeapi.CheckoutSessionLineItemPriceDataProductDataParams{
			Name: stripeapi.String(line.Name),
		}
		if line.ImageURL != "" {
			product.Images = stripeapi.StringSlice([]string{line.ImageURL})
		}
		params.LineItems = append(params.LineItems, &stripeapi.CheckoutSessionLineItemParams{
			PriceData: &stripeapi.CheckoutSessionLineItemPriceDataParams{
				Currency:    stripeapi.String(req.Currency),
				ProductData: product,
				UnitAmount:  stripeapi.Int64(line.UnitAmountMinor),
			},
			Quantity: stripeapi.Int64(int64(line.Qty)),
		})
	}
	params.AddMetadata(MetadataOrderID, req.OrderID)
	params.Context = ctx

	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return domain.CheckoutSession{}, fmt.Errorf("create checkout session for order %s: %w", req.OrderID, err)
	}

	return domain.CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// ParseWebhookEvent проверяет заголовок Stripe-Signature и нормализует событие.
func (g *Gateway) ParseWebhookEvent(payload []byte, signature string) (domain.GatewayEvent, error) {
	return parseEvent(payload, signature, g.webhookSecret)
}

func parseEvent(payload []byte, signature, secret string) (domain.GatewayEvent, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.GatewayEvent{}, fmt.Errorf("%w: %v", domain.ErrWebhookSignature, err)
	}

	result := domain.GatewayEvent{
		ID:      event.ID,
		RawType: string(event.Type),
		Type:    normalizeEventType(string(event.Type)),
	}
	if result.Type == domain.GatewayEventOther || event.Data == nil {
		return result, nil
	}

	var sess stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return domain.GatewayEvent{}, fmt.Errorf("decode checkout session from event %s: %w", event.ID, err)
	}

	result.SessionID = sess.ID
	result.AmountTotal = sess.AmountTotal
	result.Currency = string(sess.Currency)
	result.PaymentStatus = string(sess.PaymentStatus)
	result.OrderID = sess.Metadata[MetadataOrderID]
	if result.OrderID == "" {
		result.OrderID = sess.ClientReferenceID
	}
	result.PaymentRef = sess.ID
	if sess.PaymentIntent != nil && sess.PaymentIntent.ID != "" {
		result.PaymentRef = sess.PaymentIntent.ID
	}

	return result, nil
}

func normalizeEventType(raw string) domain.GatewayEventType {
	switch raw {
	case eventCheckoutCompleted:
		return domain.GatewayEventCheckoutCompleted
	case eventAsyncPaymentSucceeded:
		return domain.GatewayEventAsyncPaymentSucceeded
	case eventAsyncPaymentFailed:
		return domain.GatewayEventAsyncPaymentFailed
	default:
		return domain.GatewayEventOther
	}
}

var _ domain.PaymentGateway = (*Gateway)(nil)

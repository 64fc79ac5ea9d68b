package stripe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const testWebhookSecret = "whsec_test_secret"

func signedHeader(t *testing.T, payload []byte, secret string) string {
	t.Helper()
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
}

func checkoutEventPayload(eventType, paymentStatus, metadata string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_test_1",
		"object": "event",
		"api_version": "2020-08-27",
		"type": %q,
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"amount_total": 12500,
			"currency": "cop",
			"payment_status": %q,
			"payment_intent": "pi_test_1",
			"client_reference_id": "order-from-reference",
			"metadata": %s
		}}
	}`, eventType, paymentStatus, metadata))
}

func TestGateway_CreateCheckoutSession(t *testing.T) {
	var form url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_key", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		form, err = url.ParseQuery(string(body))
		assert.NoError(t, err)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	}))
	defer srv.Close()

	gw, err := New(Config{
		SecretKey:     "sk_test_key",
		WebhookSecret: testWebhookSecret,
		Timeout:       2 * time.Second,
		APIURL:        srv.URL,
	})
	require.NoError(t, err)

	sess, err := gw.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{
		OrderID:    "order-1",
		Currency:   "cop",
		SuccessURL: "https://shop.example/pago-exitoso.html",
		CancelURL:  "https://shop.example/pago-cancelado.html",
		Lines: []domain.CheckoutLine{
			{Name: "Camiseta", ImageURL: "https://cdn.example/c.png", UnitAmountMinor: 5000, Qty: 2},
			{Name: "Gorra", UnitAmountMinor: 2500, Qty: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", sess.ID)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", sess.URL)

	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "card", form.Get("payment_method_types[0]"))
	assert.Equal(t, "order-1", form.Get("metadata[id_pedido]"))
	assert.Equal(t, "order-1", form.Get("client_reference_id"))
	assert.Equal(t, "cop", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "5000", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "2", form.Get("line_items[0][quantity]"))
	assert.Equal(t, "Camiseta", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "https://cdn.example/c.png", form.Get("line_items[0][price_data][product_data][images][0]"))
	assert.Equal(t, "2500", form.Get("line_items[1][price_data][unit_amount]"))
	assert.Empty(t, form.Get("line_items[1][price_data][product_data][images][0]"))
}

func TestGateway_CreateCheckoutSessionRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"Invalid currency"}}`))
	}))
	defer srv.Close()

	gw, err := New(Config{SecretKey: "sk_test_key", WebhookSecret: testWebhookSecret, APIURL: srv.URL})
	require.NoError(t, err)

	_, err = gw.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{OrderID: "order-1", Currency: "xxx"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "order-1")
}

func TestNew_RequiresSecrets(t *testing.T) {
	_, err := New(Config{WebhookSecret: testWebhookSecret})
	require.Error(t, err)

	_, err = New(Config{SecretKey: "sk_test_key"})
	require.Error(t, err)
}

func TestGateway_ParseWebhookEvent(t *testing.T) {
	gw, err := New(Config{SecretKey: "sk_test_key", WebhookSecret: testWebhookSecret})
	require.NoError(t, err)

	t.Run("completed session", func(t *testing.T) {
		payload := checkoutEventPayload("checkout.session.completed", "paid", `{"id_pedido":"order-1"}`)

		event, err := gw.ParseWebhookEvent(payload, signedHeader(t, payload, testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, "evt_test_1", event.ID)
		assert.Equal(t, domain.GatewayEventCheckoutCompleted, event.Type)
		assert.Equal(t, "order-1", event.OrderID)
		assert.Equal(t, "cs_test_1", event.SessionID)
		assert.Equal(t, "pi_test_1", event.PaymentRef)
		assert.Equal(t, int64(12500), event.AmountTotal)
		assert.Equal(t, "cop", event.Currency)
		assert.True(t, event.Settled())
	})

	t.Run("falls back to client reference", func(t *testing.T) {
		payload := checkoutEventPayload("checkout.session.async_payment_succeeded", "paid", `{}`)

		event, err := gw.ParseWebhookEvent(payload, signedHeader(t, payload, testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, domain.GatewayEventAsyncPaymentSucceeded, event.Type)
		assert.Equal(t, "order-from-reference", event.OrderID)
	})

	t.Run("unpaid completion is not settled", func(t *testing.T) {
		payload := checkoutEventPayload("checkout.session.completed", "unpaid", `{"id_pedido":"order-1"}`)

		event, err := gw.ParseWebhookEvent(payload, signedHeader(t, payload, testWebhookSecret))
		require.NoError(t, err)
		assert.False(t, event.Settled())
	})

	t.Run("unrelated event type", func(t *testing.T) {
		payload := []byte(`{"id":"evt_2","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

		event, err := gw.ParseWebhookEvent(payload, signedHeader(t, payload, testWebhookSecret))
		require.NoError(t, err)
		assert.Equal(t, domain.GatewayEventOther, event.Type)
		assert.Equal(t, "customer.created", event.RawType)
		assert.Empty(t, event.OrderID)
	})

	t.Run("wrong secret", func(t *testing.T) {
		payload := checkoutEventPayload("checkout.session.completed", "paid", `{"id_pedido":"order-1"}`)

		_, err := gw.ParseWebhookEvent(payload, signedHeader(t, payload, "whsec_other"))
		require.True(t, errors.Is(err, domain.ErrWebhookSignature), "got %v", err)
	})

	t.Run("missing header", func(t *testing.T) {
		payload := checkoutEventPayload("checkout.session.completed", "paid", `{"id_pedido":"order-1"}`)

		_, err := gw.ParseWebhookEvent(payload, "")
		require.ErrorIs(t, err, domain.ErrWebhookSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		payload := checkoutEventPayload("checkout.session.completed", "paid", `{"id_pedido":"order-1"}`)
		header := signedHeader(t, payload, testWebhookSecret)
		tampered := checkoutEventPayload("checkout.session.completed", "paid", `{"id_pedido":"order-2"}`)

		_, err := gw.ParseWebhookEvent(tampered, header)
		require.ErrorIs(t, err, domain.ErrWebhookSignature)
	})
}

func TestFakeGateway(t *testing.T) {
	fake := NewFakeGateway(testWebhookSecret)

	sess, err := fake.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{
		OrderID:    "order-1",
		SuccessURL: "https://shop.example/pago-exitoso.html",
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_fake_order-1", sess.ID)
	assert.Equal(t, "https://shop.example/pago-exitoso.html?session_id=cs_fake_order-1", sess.URL)

	fake.CreateErr = errors.New("gateway down")
	_, err = fake.CreateCheckoutSession(context.Background(), domain.CheckoutRequest{OrderID: "order-2"})
	require.Error(t, err)
	assert.Equal(t, 2, fake.Calls())

	payload := checkoutEventPayload("checkout.session.completed", "paid", `{"id_pedido":"order-1"}`)
	event, err := fake.ParseWebhookEvent(payload, signedHeader(t, payload, testWebhookSecret))
	require.NoError(t, err)
	assert.Equal(t, "order-1", event.OrderID)

	_, err = NewFakeGateway("").ParseWebhookEvent(payload, "t=1,v1=abc")
	require.ErrorIs(t, err, domain.ErrWebhookSignature)
}

package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	stripegw "github.com/vladislavdragonenkov/storefront/internal/gateway/stripe"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const (
	testJWTSecret     = "storefront-test-jwt-secret-with-32-bytes!"
	testWebhookSecret = "whsec_http_test"
)

type testServer struct {
	handler     http.Handler
	orders      *memory.OrderRepository
	catalog     *memory.Catalog
	profiles    *memory.ProfileRepository
	gateway     *stripegw.FakeGateway
	idempotency domain.IdempotencyRepository
	registry    *prometheus.Registry
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()

	outbox := memory.NewOutboxRepository()
	timeline := memory.NewTimelineRepository()
	ts := &testServer{
		catalog: memory.NewCatalog(
			memory.Product{ID: 1, Name: "Camiseta", PriceMinor: 5000, Stock: 10},
			memory.Product{ID: 2, Name: "Gorra", PriceMinor: 2500, Stock: 3},
		),
		profiles:    memory.NewProfileRepository(),
		gateway:     stripegw.NewFakeGateway(testWebhookSecret),
		idempotency: memory.NewIdempotencyRepository(),
		registry:    prometheus.NewRegistry(),
	}
	ts.orders = memory.NewOrderRepository(outbox, timeline)
	payments := memory.NewPaymentLedger(ts.orders, memory.NewInventory(ts.catalog, ts.orders), outbox, timeline)
	m := metrics.NewCheckoutMetricsWithRegisterer(ts.registry)
	logger := log.NewEntry(log.New())

	svc, err := checkout.NewService(checkout.Dependencies{
		Orders:     ts.orders,
		Payments:   payments,
		Timeline:   timeline,
		Gateway:    ts.gateway,
		Authorizer: auth.NewRoleAuthorizer(ts.profiles),
		Catalog:    ts.catalog,
	}, checkout.Config{Currency: "cop", PublicURL: "https://shop.example"}, checkout.WithLogger(logger))
	require.NoError(t, err)

	reconciler, err := checkout.NewReconciler(ts.gateway, payments, checkout.WithLogger(logger))
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier(testJWTSecret)
	require.NoError(t, err)

	h, err := NewHandler(Dependencies{
		Checkout:    svc,
		Reconciler:  reconciler,
		Verifier:    verifier,
		Idempotency: ts.idempotency,
		Metrics:     m,
		Logger:      logger,
	}, cfg)
	require.NoError(t, err)
	ts.handler = h.Routes()

	return ts
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Email: userID + "@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Audience:  jwt.ClaimStrings{auth.DefaultAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, userID string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tokenFor(t, userID))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

const validOrderBody = `{
	"items": [
		{"id_producto": 1, "quantity": 2, "precio": 5000, "nombre": "Camiseta", "imagen_url": "https://cdn.example/c.png"},
		{"id_producto": 2, "quantity": 1, "precio": 2500, "nombre": "Gorra"}
	],
	"direccion_envio": "Calle 10 # 5-20",
	"telefono_contacto": "+57 300 000 0000",
	"notas": null
}`

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPlaceOrder(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[placeOrderResponse](t, rec)
	assert.NotEmpty(t, resp.OrderID)
	assert.Equal(t, "cs_fake_"+resp.OrderID, resp.SessionID)
	assert.True(t, strings.HasPrefix(resp.URL, "https://shop.example/pago-exitoso.html"))

	order, err := ts.orders.Get(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, int64(12500), order.AmountMinor)
	assert.Equal(t, "user-1", order.UserID)
}

func TestPlaceOrder_Errors(t *testing.T) {
	cases := []struct {
		name    string
		userID  string
		auth    string
		body    string
		status  int
		message string
	}{
		{name: "no token", body: validOrderBody, status: http.StatusUnauthorized, message: msgNoToken},
		{name: "bad token", auth: "Bearer nope", body: validOrderBody, status: http.StatusUnauthorized, message: msgInvalidToken},
		{name: "empty cart", userID: "user-1", body: `{"items": [], "direccion_envio": "x", "telefono_contacto": "y"}`, status: http.StatusBadRequest, message: msgCartEmpty},
		{name: "missing items", userID: "user-1", body: `{"direccion_envio": "x", "telefono_contacto": "y"}`, status: http.StatusBadRequest, message: msgCartEmpty},
		{name: "missing phone", userID: "user-1", body: `{"items": [{"id_producto": 1, "quantity": 1, "precio": 5000}], "direccion_envio": "x"}`, status: http.StatusBadRequest, message: msgAddressAndPhone},
		{name: "schema violation", userID: "user-1", body: `{"items": [{"id_producto": "uno", "quantity": 1, "precio": 5000}]}`, status: http.StatusBadRequest, message: msgInvalidBody},
		{name: "not json", userID: "user-1", body: `{`, status: http.StatusBadRequest, message: msgInvalidBody},
		{name: "tampered price", userID: "user-1", body: `{"items": [{"id_producto": 1, "quantity": 1, "precio": 1}], "direccion_envio": "x", "telefono_contacto": "y"}`, status: http.StatusConflict},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t, Config{})
			headers := map[string]string{}
			if tc.auth != "" {
				headers["Authorization"] = tc.auth
			}

			rec := ts.do(t, http.MethodPost, "/api/orders", tc.userID, []byte(tc.body), headers)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.message != "" {
				assert.Equal(t, tc.message, decode[errorResponse](t, rec).Error)
			}
			assert.Zero(t, ts.gateway.Calls())
		})
	}
}

func TestPlaceOrder_GatewayFailure(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.gateway.CreateErr = errors.New("connection refused")

	rec := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	resp := decode[errorResponse](t, rec)
	assert.Equal(t, msgCreateOrder, resp.Error)
	require.NotEmpty(t, resp.OrderID)

	order, err := ts.orders.Get(context.Background(), resp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, order.Status)
}

func TestPlaceOrder_Idempotency(t *testing.T) {
	ts := newTestServer(t, Config{})
	key := map[string]string{idempotencyKeyHeader: "checkout-1"}

	first := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), key)
	require.Equal(t, http.StatusOK, first.Code)

	second := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), key)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotencyReplayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, ts.gateway.Calls())

	t.Run("same key other body", func(t *testing.T) {
		other := strings.Replace(validOrderBody, `"quantity": 2`, `"quantity": 3`, 1)
		rec := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(other), key)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("keys are scoped per user", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/orders", "user-2", []byte(validOrderBody), key)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get(idempotencyReplayedHeader))
		assert.Equal(t, 2, ts.gateway.Calls())
	})

	t.Run("in progress", func(t *testing.T) {
		_, err := ts.idempotency.CreateProcessing(context.Background(), "user-3:busy",
			requestHash(http.MethodPost, "/api/orders", mustCanonical(t, validOrderBody)), time.Now().Add(time.Hour))
		require.NoError(t, err)

		rec := ts.do(t, http.MethodPost, "/api/orders", "user-3", []byte(validOrderBody),
			map[string]string{idempotencyKeyHeader: "busy"})
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestPlaceOrder_IdempotencyRetriesServerFailures(t *testing.T) {
	ts := newTestServer(t, Config{})
	key := map[string]string{idempotencyKeyHeader: "retry-me"}

	ts.gateway.CreateErr = errors.New("stripe down")
	rec := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), key)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	ts.gateway.CreateErr = nil
	rec = ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), key)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Empty(t, rec.Header().Get(idempotencyReplayedHeader))

	// клиентская ошибка запоминается и воспроизводится
	bad := `{"items": [], "direccion_envio": "x", "telefono_contacto": "y"}`
	badKey := map[string]string{idempotencyKeyHeader: "bad"}
	first := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(bad), badKey)
	require.Equal(t, http.StatusBadRequest, first.Code)
	second := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(bad), badKey)
	require.Equal(t, http.StatusBadRequest, second.Code)
	assert.Equal(t, "true", second.Header().Get(idempotencyReplayedHeader))
}

func mustCanonical(t *testing.T, body string) []byte {
	t.Helper()
	var req placeOrderRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	out, err := json.Marshal(req)
	require.NoError(t, err)
	return out
}

func stripeEvent(eventID, orderID string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_fake_%s",
			"object": "checkout.session",
			"amount_total": %d,
			"currency": "cop",
			"payment_status": "paid",
			"payment_intent": "pi_%s",
			"metadata": {"id_pedido": %q}
		}}
	}`, eventID, orderID, amount, orderID, orderID))
}

func signed(payload []byte, secret string) map[string]string {
	header := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	}).Header
	return map[string]string{stripeSignatureHeader: header}
}

func TestStripeWebhook(t *testing.T) {
	ts := newTestServer(t, Config{})

	rec := ts.do(t, http.MethodPost, "/api/orders", "user-1", []byte(validOrderBody), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orderID := decode[placeOrderResponse](t, rec).OrderID

	payload := stripeEvent("evt_1", orderID, 12500)

	t.Run("bad signature", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/stripe-webhook", "", payload, signed(payload, "whsec_other"))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[errorResponse](t, rec).Error, "Webhook Error")
	})

	t.Run("applied", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/stripe-webhook", "", payload, signed(payload, testWebhookSecret))
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.Equal(t, webhookResponse{Received: true, Outcome: "applied"}, decode[webhookResponse](t, rec))
	})

	t.Run("redelivery", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, "/api/stripe-webhook", "", payload, signed(payload, testWebhookSecret))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "duplicate", decode[webhookResponse](t, rec).Outcome)
	})

	t.Run("unknown order is retried", func(t *testing.T) {
		other := stripeEvent("evt_2", "00000000-0000-0000-0000-000000000000", 12500)
		rec := ts.do(t, http.MethodPost, "/api/stripe-webhook", "", other, signed(other, testWebhookSecret))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("too large", func(t *testing.T) {
		big := bytes.Repeat([]byte("a"), defaultWebhookMaxBytes+1)
		rec := ts.do(t, http.MethodPost, "/api/stripe-webhook", "", big, signed(big, testWebhookSecret))
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	stock, _ := ts.catalog.Stock(1)
	assert.Equal(t, int64(8), stock)

	t.Run("order details show payment", func(t *testing.T) {
		rec := ts.do(t, http.MethodGet, "/api/user/orders/"+orderID, "user-1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)

		details := decode[orderDetailsResponse](t, rec)
		assert.Equal(t, "Pagado", details.Status)
		require.NotNil(t, details.Payment)
		assert.Equal(t, int64(12500), details.Payment.AmountMinor)
		assert.Equal(t, "Stripe", details.Payment.Method)
		assert.Equal(t, "Completado", details.Payment.Status)
		assert.NotEmpty(t, details.Timeline)
	})
}

func TestOrderQueries(t *testing.T) {
	ts := newTestServer(t, Config{})
	ts.profiles.SetRole("admin-1", domain.RoleAdmin)

	for _, user := range []string{"user-1", "user-1", "user-2"} {
		rec := ts.do(t, http.MethodPost, "/api/orders", user, []byte(validOrderBody), nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := ts.do(t, http.MethodGet, "/api/user/orders", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	orders := decode[[]orderResponse](t, rec)
	require.Len(t, orders, 2)
	assert.Equal(t, "Pendiente", orders[0].Status)
	assert.Len(t, orders[0].Lines, 2)
	assert.False(t, orders[0].CreatedAt.Before(orders[1].CreatedAt))

	rec = ts.do(t, http.MethodGet, "/api/user/orders?limit=1", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]orderResponse](t, rec), 1)

	rec = ts.do(t, http.MethodGet, "/api/user/orders?limit=abc", "user-1", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/user/orders/"+orders[0].ID, "user-2", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/admin/orders", "user-1", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, msgForbidden, decode[errorResponse](t, rec).Error)

	rec = ts.do(t, http.MethodGet, "/api/admin/orders", "admin-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]orderResponse](t, rec), 3)
}

func TestConfigAndFallbacks(t *testing.T) {
	ts := newTestServer(t, Config{SupabaseURL: "https://project.supabase.co", SupabaseAnonKey: "anon"})

	rec := ts.do(t, http.MethodGet, "/api/config", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, configResponse{SupabaseURL: "https://project.supabase.co", SupabaseAnonKey: "anon"}, decode[configResponse](t, rec))

	rec = ts.do(t, http.MethodGet, "/api/unknown", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/orders", "user-1", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimit(t *testing.T) {
	ts := newTestServer(t, Config{RateRPS: 1, RateBurst: 2})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, ts.do(t, http.MethodGet, "/api/config", "", nil, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	// webhook не ограничивается: шлюз повторяет доставки пачками
	payload := []byte(`{"id":"evt_x","object":"event","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)
	rec := ts.do(t, http.MethodPost, "/api/stripe-webhook", "", payload, signed(payload, testWebhookSecret))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIPRateLimiter_SweepsIdleClients(t *testing.T) {
	limiter := newIPRateLimiter(10, 1)
	now := time.Now()
	limiter.now = func() time.Time { return now }

	assert.True(t, limiter.allow("10.0.0.1"))
	assert.False(t, limiter.allow("10.0.0.1"))
	assert.True(t, limiter.allow("10.0.0.2"))

	now = now.Add(limiterIdleTTL + limiterSweepInterval)
	assert.True(t, limiter.allow("10.0.0.3"))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	assert.Len(t, limiter.clients, 1)

	assert.Nil(t, newIPRateLimiter(0, 10))
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrCartEmpty, http.StatusBadRequest},
		{domain.ErrUnauthenticated, http.StatusUnauthorized},
		{domain.ErrForbidden, http.StatusForbidden},
		{domain.ErrOrderNotFound, http.StatusNotFound},
		{domain.ErrPriceMismatch, http.StatusConflict},
		{domain.ErrIdempotencyHashMismatch, http.StatusUnprocessableEntity},
		{domain.ErrWebhookSignature, http.StatusBadRequest},
		{fmt.Errorf("%w: boom", domain.ErrGatewayUnavailable), http.StatusBadGateway},
		{fmt.Errorf("%w: %w", domain.ErrGatewayUnavailable, context.DeadlineExceeded), http.StatusGatewayTimeout},
		{fmt.Errorf("item 0: %w", domain.ErrAmountOverflow), http.StatusBadRequest},
		{domain.ErrPaymentRefConflict, http.StatusInternalServerError},
		{domain.ErrPaymentCurrencyMismatch, http.StatusInternalServerError},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForError(tc.err), tc.err.Error())
	}

	assert.Equal(t, msgInternal, messageForError(errors.New("pq: secret detail"), msgInternal))
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stripe/stripe-go/v76/webhook"
)

const (
	idempotencyHeader = "Idempotency-Key"
	signatureHeader   = "Stripe-Signature"
	maxResponseBytes  = 1 << 20

	// Коды шагов в отчёте, помимо HTTP-статусов неуспешных ответов.
	codeOK             = "ok"
	codeTransportError = "transport_error"
	codeBadResponse    = "bad_response"
)

// stepError описывает провал шага и код для отчёта.
type stepError struct {
	code string
	err  error
}

func (e *stepError) Error() string { return e.err.Error() }
func (e *stepError) Unwrap() error { return e.err }

func failStep(code string, err error) error {
	return &stepError{code: code, err: err}
}

// stepCode возвращает код шага для отчёта.
func stepCode(err error) string {
	var se *stepError
	switch {
	case err == nil:
		return codeOK
	case errors.As(err, &se):
		return se.code
	default:
		return codeTransportError
	}
}

// checkoutClient ходит в HTTP API от имени сгенерированных покупателей.
type checkoutClient struct {
	http          *http.Client
	baseURL       string
	jwtSecret     []byte
	webhookSecret string
}

// token выпускает JWT в формате Supabase для покупателя userID.
func (c *checkoutClient) token(userID string) (string, error) {
	now := time.Now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   userID,
		"email": userID + "@load.test",
		"aud":   "authenticated",
		"role":  "authenticated",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}).SignedString(c.jwtSecret)
}

func (c *checkoutClient) placeOrder(ctx context.Context, userID, key string, body []byte) (string, error) {
	token, err := c.token(userID)
	if err != nil {
		return "", failStep(codeBadResponse, fmt.Errorf("sign token: %w", err))
	}

	var resp struct {
		OrderID string `json:"order_id"`
	}
	err = c.do(ctx, http.MethodPost, "/api/orders", body, map[string]string{
		"Authorization":   "Bearer " + token,
		idempotencyHeader: key,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.OrderID == "" {
		return "", failStep(codeBadResponse, errors.New("place order response returned empty order id"))
	}
	return resp.OrderID, nil
}

// payOrder отправляет checkout.session.completed, подписанный секретом webhook.
func (c *checkoutClient) payOrder(ctx context.Context, eventID, orderID string, amount int64) error {
	payload, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":             "cs_load_" + orderID,
			"object":         "checkout.session",
			"amount_total":   amount,
			"payment_status": "paid",
			"metadata":       map[string]string{"id_pedido": orderID},
		}},
	})
	if err != nil {
		return failStep(codeBadResponse, err)
	}

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    c.webhookSecret,
		Timestamp: time.Now(),
	})
	return c.do(ctx, http.MethodPost, "/api/stripe-webhook", payload, map[string]string{signatureHeader: signed.Header}, nil)
}

// orderStatus ищет заказ в GET /api/user/orders и возвращает его статус.
func (c *checkoutClient) orderStatus(ctx context.Context, userID, orderID string) (string, error) {
	token, err := c.token(userID)
	if err != nil {
		return "", failStep(codeBadResponse, fmt.Errorf("sign token: %w", err))
	}

	var orders []struct {
		ID     string `json:"id_pedido"`
		Status string `json:"estado"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/user/orders", nil, map[string]string{"Authorization": "Bearer " + token}, &orders); err != nil {
		return "", err
	}
	for _, order := range orders {
		if order.ID == orderID {
			return order.Status, nil
		}
	}
	return "", failStep(codeBadResponse, fmt.Errorf("order %s is missing from user orders", orderID))
}

// do выполняет запрос и, если out не nil, разбирает JSON-ответ в out.
func (c *checkoutClient) do(ctx context.Context, method, path string, body []byte, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return failStep(codeTransportError, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return failStep(codeTransportError, err)
	}
	defer resp.Body.Close()

	code := strconv.Itoa(resp.StatusCode)
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return failStep(code, err)
	}
	if resp.StatusCode/100 != 2 {
		return failStep(code, fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return failStep(codeBadResponse, fmt.Errorf("%s %s: decode response: %w", method, path, err))
		}
	}
	return nil
}

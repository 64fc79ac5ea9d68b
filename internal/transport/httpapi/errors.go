package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	msgNoToken          = "No token provided. Unauthorized."
	msgInvalidToken     = "Invalid token. Unauthorized."
	msgForbidden        = "Access denied. Admin role required."
	msgCartEmpty        = "No hay items en el carrito"
	msgAddressAndPhone  = "La dirección y el teléfono son requeridos."
	msgCreateOrder      = "Error al crear el pedido"
	msgListOrders       = "Error al obtener el historial de pedidos"
	msgOrderNotFound    = "Pedido no encontrado"
	msgInternal         = "Error interno del servidor"
	msgInvalidBody      = "Cuerpo de la solicitud inválido"
	msgRateLimited      = "Demasiadas solicitudes, intenta más tarde"
	msgIdemProcessing   = "La solicitud con esta Idempotency-Key aún se está procesando"
	msgIdemHashMismatch = "La Idempotency-Key ya se usó con otra solicitud"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
	OrderID string `json:"order_id,omitempty"`
}

// statusForError задаёт единую таблицу соответствия доменных ошибок HTTP-статусам.
func statusForError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case domain.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrPriceMismatch),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrWebhookSignature),
		errors.Is(err, domain.ErrWebhookMetadata):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrGatewayUnavailable):
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// messageForError возвращает текст ошибки, который видит клиент.
// Для 5xx внутренние детали не раскрываются.
func messageForError(err error, fallback string) string {
	switch {
	case errors.Is(err, domain.ErrCartEmpty):
		return msgCartEmpty
	case errors.Is(err, domain.ErrShippingAddressRequired),
		errors.Is(err, domain.ErrContactPhoneRequired):
		return msgAddressAndPhone
	case errors.Is(err, domain.ErrUnauthenticated):
		return msgInvalidToken
	case errors.Is(err, domain.ErrForbidden):
		return msgForbidden
	case errors.Is(err, domain.ErrOrderNotFound):
		return msgOrderNotFound
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		return msgIdemProcessing
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		return msgIdemHashMismatch
	}
	if statusForError(err) < http.StatusInternalServerError {
		return err.Error()
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"` + msgInternal + `"}`)
	}
	writeRaw(w, status, body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, message string, details any) {
	writeJSON(w, status, errorResponse{Error: message, Details: details})
}

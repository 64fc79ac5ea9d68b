package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

type placeOrderItem struct {
	ProductID      int64  `json:"id_producto"`
	Qty            int32  `json:"quantity"`
	UnitPriceMinor int64  `json:"precio"`
	Name           string `json:"nombre"`
	ImageURL       string `json:"imagen_url"`
}

type placeOrderRequest struct {
	Items           []placeOrderItem `json:"items"`
	ShippingAddress string           `json:"direccion_envio"`
	ContactPhone    string           `json:"telefono_contacto"`
	Notes           string           `json:"notas"`
}

type placeOrderResponse struct {
	URL       string `json:"url"`
	OrderID   string `json:"order_id"`
	SessionID string `json:"session_id"`
}

type orderLineResponse struct {
	ID             string `json:"id_detalle"`
	ProductID      int64  `json:"id_producto"`
	Qty            int32  `json:"cantidad"`
	UnitPriceMinor int64  `json:"precio_unitario"`
}

type orderResponse struct {
	ID              string              `json:"id_pedido"`
	UserID          string              `json:"id_usuario"`
	ShippingAddress string              `json:"direccion_envio"`
	ContactPhone    string              `json:"telefono_contacto"`
	Notes           string              `json:"notas"`
	Status          string              `json:"estado"`
	Currency        string              `json:"moneda"`
	AmountMinor     int64               `json:"total"`
	CreatedAt       time.Time           `json:"fecha_pedido"`
	Lines           []orderLineResponse `json:"detalles"`
}

type paymentResponse struct {
	ID          string    `json:"id_pago"`
	AmountMinor int64     `json:"monto"`
	Method      string    `json:"metodo"`
	ExternalRef string    `json:"stripe_payment_id"`
	Status      string    `json:"estado_pago"`
	CreatedAt   time.Time `json:"fecha_pago"`
}

type timelineResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type orderDetailsResponse struct {
	orderResponse
	Payment  *paymentResponse   `json:"pago"`
	Timeline []timelineResponse `json:"timeline"`
}

func (h *Handler) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	principal, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, msgNoToken, nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, defaultBodyMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, msgInvalidBody, nil)
			return
		}
		writeError(w, http.StatusBadRequest, msgInvalidBody, nil)
		return
	}

	violations, err := validateSchema(placeOrderSchema, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody, err.Error())
		return
	}
	if len(violations) > 0 {
		writeError(w, http.StatusBadRequest, msgInvalidBody, violations)
		return
	}

	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, msgInvalidBody, err.Error())
		return
	}

	canonical, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return
	}

	h.respondIdempotent(w, r, principal.UserID, canonical, func(ctx context.Context) (int, any) {
		return h.placeOrder(ctx, principal, req)
	})
}

func (h *Handler) placeOrder(ctx context.Context, principal domain.Principal, req placeOrderRequest) (int, any) {
	entries := make([]domain.CartEntry, 0, len(req.Items))
	for _, item := range req.Items {
		entries = append(entries, domain.CartEntry{
			ProductID:      item.ProductID,
			Qty:            item.Qty,
			UnitPriceMinor: item.UnitPriceMinor,
			Name:           item.Name,
			ImageURL:       item.ImageURL,
		})
	}

	res, err := h.checkout.PlaceOrder(ctx, checkout.PlaceOrderInput{
		Principal:       principal,
		Cart:            domain.CartSnapshot{Entries: entries},
		ShippingAddress: req.ShippingAddress,
		ContactPhone:    req.ContactPhone,
		Notes:           req.Notes,
	})
	if err != nil {
		status := statusForError(err)
		resp := errorResponse{
			Error:   messageForError(err, msgCreateOrder),
			OrderID: res.Order.ID,
		}
		if errors.Is(err, domain.ErrGatewayUnavailable) {
			resp.Details = domain.ErrGatewayUnavailable.Error()
		}
		if status >= http.StatusInternalServerError {
			h.loggerFrom(ctx).WithError(err).WithField("order_id", res.Order.ID).Error("place order failed")
		}
		return status, resp
	}

	return http.StatusOK, placeOrderResponse{
		URL:       res.CheckoutURL,
		OrderID:   res.Order.ID,
		SessionID: res.SessionID,
	}
}

func (h *Handler) handleListUserOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, h.checkout.ListUserOrders)
}

func (h *Handler) handleListAllOrders(w http.ResponseWriter, r *http.Request) {
	h.listOrders(w, r, h.checkout.ListAllOrders)
}

func (h *Handler) listOrders(
	w http.ResponseWriter,
	r *http.Request,
	list func(context.Context, domain.Principal, int) ([]domain.Order, error),
) {
	principal, _ := auth.PrincipalFrom(r.Context())

	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "limit debe ser un entero positivo", nil)
		return
	}

	orders, err := list(r.Context(), principal, limit)
	if err != nil {
		h.writeServiceError(w, r, err, msgListOrders)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, order := range orders {
		resp = append(resp, toOrderResponse(order))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFrom(r.Context())

	details, err := h.checkout.GetOrder(r.Context(), principal, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeServiceError(w, r, err, msgListOrders)
		return
	}

	resp := orderDetailsResponse{
		orderResponse: toOrderResponse(details.Order),
		Timeline:      make([]timelineResponse, 0, len(details.Timeline)),
	}
	if p := details.Payment; p != nil {
		resp.Payment = &paymentResponse{
			ID:          p.ID,
			AmountMinor: p.AmountMinor,
			Method:      p.Method,
			ExternalRef: p.ExternalRef,
			Status:      p.Status.Label(),
			CreatedAt:   p.CreatedAt,
		}
	}
	for _, event := range details.Timeline {
		resp.Timeline = append(resp.Timeline, timelineResponse{
			Type:     event.Type,
			Reason:   event.Reason,
			Occurred: event.Occurred,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.loggerFrom(r.Context()).WithError(err).Error("request failed")
	}
	writeError(w, status, messageForError(err, fallback), nil)
}

func toOrderResponse(order domain.Order) orderResponse {
	lines := make([]orderLineResponse, 0, len(order.Lines))
	for _, line := range order.Lines {
		lines = append(lines, orderLineResponse{
			ID:             line.ID,
			ProductID:      line.ProductID,
			Qty:            line.Qty,
			UnitPriceMinor: line.UnitPriceMinor,
		})
	}
	return orderResponse{
		ID:              order.ID,
		UserID:          order.UserID,
		ShippingAddress: order.ShippingAddress,
		ContactPhone:    order.ContactPhone,
		Notes:           order.Notes,
		Status:          order.Status.Label(),
		Currency:        order.Currency,
		AmountMinor:     order.AmountMinor,
		CreatedAt:       order.CreatedAt,
		Lines:           lines,
	}
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("invalid limit")
	}
	return limit, nil
}

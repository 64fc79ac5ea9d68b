package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const stripeSignatureHeader = "Stripe-Signature"

type webhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome"`
}

// handleStripeWebhook отвечает 400 только на событие, которое не имеет
// смысла доставлять повторно. На любую другую ошибку отвечаем 500, и шлюз повторит.
func (h *Handler) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.WebhookMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Webhook Error: payload too large", nil)
			return
		}
		writeError(w, http.StatusBadRequest, "Webhook Error: "+err.Error(), nil)
		return
	}

	outcome, err := h.reconciler.HandleWebhook(r.Context(), body, r.Header.Get(stripeSignatureHeader))
	if err != nil {
		if errors.Is(err, domain.ErrWebhookSignature) || errors.Is(err, domain.ErrWebhookMetadata) {
			writeError(w, http.StatusBadRequest, "Webhook Error: "+err.Error(), nil)
			return
		}
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{Received: true, Outcome: string(outcome)})
}

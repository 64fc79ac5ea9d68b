package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	idempotencyKeyHeader      = "Idempotency-Key"
	idempotencyReplayedHeader = "Idempotent-Replayed"
	maxIdempotencyKeyLen      = 200
)

// respondIdempotent выполняет run не более одного раза на пару
// (пользователь, Idempotency-Key) и запоминает ответ. Повтор с тем же телом
// получает сохранённый ответ, с другим телом получает 422. Ответы 5xx можно
// повторить: запись возвращается в processing и run вызывается снова.
func (h *Handler) respondIdempotent(
	w http.ResponseWriter,
	r *http.Request,
	userID string,
	canonicalBody []byte,
	run func(context.Context) (int, any),
) {
	ctx := r.Context()
	key := strings.TrimSpace(r.Header.Get(idempotencyKeyHeader))
	if key == "" || h.idempotency == nil {
		status, payload := run(ctx)
		writeJSON(w, status, payload)
		return
	}
	if len(key) > maxIdempotencyKeyLen {
		writeError(w, http.StatusBadRequest, "Idempotency-Key demasiado larga", nil)
		return
	}

	logger := h.loggerFrom(ctx).WithField("idempotency_key", key)
	scopedKey := userID + ":" + key
	hash := requestHash(r.Method, r.URL.Path, canonicalBody)
	ttlAt := time.Now().UTC().Add(h.cfg.IdempotencyTTL)

	record, err := h.idempotency.CreateProcessing(ctx, scopedKey, hash, ttlAt)
	if errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) && record.Retryable() {
		record, err = h.idempotency.ReclaimFailed(ctx, scopedKey, hash, ttlAt)
	}
	if err != nil {
		replayIdempotent(w, logger, record, err)
		return
	}

	status, payload := run(ctx)
	body, err := json.Marshal(payload)
	if err != nil {
		logger.WithError(err).Error("failed to encode response")
		status = http.StatusInternalServerError
		body, _ = json.Marshal(errorResponse{Error: msgInternal})
	}

	if err := h.idempotency.Complete(context.WithoutCancel(ctx), scopedKey, status, body); err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}

	writeRaw(w, status, body)
}

func replayIdempotent(w http.ResponseWriter, logger *log.Entry, record domain.IdempotencyRecord, err error) {
	switch {
	case errors.Is(err, domain.ErrIdempotencyHashMismatch):
		writeError(w, http.StatusUnprocessableEntity, msgIdemHashMismatch, nil)
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists):
		switch {
		case record.HasResponse():
			w.Header().Set(idempotencyReplayedHeader, "true")
			writeRaw(w, record.HTTPStatus, record.ResponseBody)
		case record.Status == domain.IdempotencyStatusProcessing:
			writeError(w, http.StatusConflict, msgIdemProcessing, nil)
		default:
			logger.WithField("status", record.Status).Error("idempotency record has no stored response")
			writeError(w, http.StatusInternalServerError, msgInternal, nil)
		}
	default:
		logger.WithError(err).Error("failed to initialize idempotency record")
		writeError(w, http.StatusInternalServerError, msgInternal, nil)
	}
}

func requestHash(method, path string, body []byte) string {
	payload := make([]byte, 0, len(method)+len(path)+2+len(body))
	payload = append(payload, method...)
	payload = append(payload, ':')
	payload = append(payload, path...)
	payload = append(payload, ':')
	payload = append(payload, body...)
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

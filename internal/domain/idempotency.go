package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultIdempotencyTTL применяется, когда срок хранения ключа не задан.
const DefaultIdempotencyTTL = 24 * time.Hour

// IdempotencyStatus — этап обработки запроса с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed хранит ответ 4xx/5xx. Повторить можно только 5xx.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// ParseIdempotencyStatus разбирает статус из хранилища.
func ParseIdempotencyStatus(raw string) (IdempotencyStatus, error) {
	switch s := IdempotencyStatus(raw); s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return s, nil
	default:
		return "", fmt.Errorf("invalid idempotency status %q", raw)
	}
}

// IdempotencyRecord — сохранённый результат запроса. Key уже включает
// пользователя, поэтому одинаковые ключи разных покупателей не пересекаются.
type IdempotencyRecord struct {
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewIdempotencyRecord готовит запись в статусе processing.
func NewIdempotencyRecord(key, requestHash string, ttlAt, now time.Time) (IdempotencyRecord, error) {
	key = strings.TrimSpace(key)
	requestHash = strings.TrimSpace(requestHash)
	switch {
	case key == "":
		return IdempotencyRecord{}, ErrIdempotencyKeyRequired
	case requestHash == "":
		return IdempotencyRecord{}, ErrIdempotencyRequestHashRequired
	}
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	return IdempotencyRecord{
		Key:         key,
		RequestHash: requestHash,
		Status:      IdempotencyStatusProcessing,
		TTLAt:       ttlAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Conflict объясняет, почему новый запрос с тем же ключом не может
// начать обработку: тело отличается или ключ уже занят.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != strings.TrimSpace(requestHash) {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// Retryable — запрос упал на стороне сервера, и ключ можно занять снова.
func (r IdempotencyRecord) Retryable() bool {
	return r.Status == IdempotencyStatusFailed && r.HTTPStatus >= 500
}

// HasResponse сообщает, что ответ сохранён и его можно отдать повторно.
func (r IdempotencyRecord) HasResponse() bool {
	finished := r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
	return finished && r.HTTPStatus != 0 && len(r.ResponseBody) > 0
}

func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.TTLAt.After(now)
}

// Finish фиксирует ответ. Статус выбирается по коду: до 400 это done, иначе failed.
func (r *IdempotencyRecord) Finish(httpStatus int, body []byte, now time.Time) {
	r.Status = FinishedIdempotencyStatus(httpStatus)
	r.HTTPStatus = httpStatus
	r.ResponseBody = append([]byte(nil), body...)
	r.UpdatedAt = now
}

// Reopen возвращает запись в processing для повторной попытки.
func (r *IdempotencyRecord) Reopen(ttlAt, now time.Time) {
	if ttlAt.IsZero() {
		ttlAt = now.Add(DefaultIdempotencyTTL)
	}
	r.Status = IdempotencyStatusProcessing
	r.ResponseBody = nil
	r.HTTPStatus = 0
	r.TTLAt = ttlAt
	r.UpdatedAt = now
}

// FinishedIdempotencyStatus сопоставляет HTTP-код итоговому статусу.
func FinishedIdempotencyStatus(httpStatus int) IdempotencyStatus {
	if httpStatus < 400 {
		return IdempotencyStatusDone
	}
	return IdempotencyStatusFailed
}

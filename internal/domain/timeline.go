package domain

import (
	"errors"
	"strings"
	"time"
)

// Типы событий timeline заказа.
const (
	TimelineOrderCreated          = "order_created"
	TimelineCheckoutSessionOpened = "checkout_session_opened"
	TimelineCheckoutSessionFailed = "checkout_session_failed"
	TimelineOrderPaid             = "order_paid"
)

// TimelineEvent описывает событие в жизненном цикле заказа.
type TimelineEvent struct {
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}

// Prepare проверяет событие перед записью и проставляет время, если его нет.
func (e TimelineEvent) Prepare(now time.Time) (TimelineEvent, error) {
	e.OrderID = strings.TrimSpace(e.OrderID)
	e.Type = strings.TrimSpace(e.Type)
	switch {
	case e.OrderID == "":
		return TimelineEvent{}, errors.New("timeline event: order id is required")
	case e.Type == "":
		return TimelineEvent{}, errors.New("timeline event: type is required")
	}
	if e.Occurred.IsZero() {
		e.Occurred = now
	}
	e.Occurred = e.Occurred.UTC()
	return e, nil
}

// Before задаёт хронологический порядок timeline.
func (e TimelineEvent) Before(other TimelineEvent) bool {
	return e.Occurred.Before(other.Occurred)
}

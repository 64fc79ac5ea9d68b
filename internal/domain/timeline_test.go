package domain_test

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestTimelineEvent_Prepare(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	event, err := domain.TimelineEvent{OrderID: " order-1 ", Type: domain.TimelineOrderPaid}.Prepare(now)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if event.OrderID != "order-1" || !event.Occurred.Equal(now) {
		t.Fatalf("unexpected prepared event: %+v", event)
	}

	bogota := time.FixedZone("COT", -5*60*60)
	occurred := time.Date(2026, 3, 1, 7, 0, 0, 0, bogota)
	event, err = domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderPaid, Occurred: occurred}.Prepare(now)
	if err != nil {
		t.Fatalf("prepare with occurred: %v", err)
	}
	if event.Occurred.Location() != time.UTC || !event.Occurred.Equal(occurred) {
		t.Fatalf("occurred should be kept and converted to UTC, got %v", event.Occurred)
	}

	for name, invalid := range map[string]domain.TimelineEvent{
		"no order": {Type: domain.TimelineOrderPaid},
		"no type":  {OrderID: "order-1", Type: "  "},
	} {
		if _, err := invalid.Prepare(now); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

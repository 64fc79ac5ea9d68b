package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOrderRepository_PostgresCreateGetAndList(t *testing.T) {
	store := integrationStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order1, err := repo.Create(ctx, sampleOrder("user-1", now.Add(-2*time.Minute)))
	if err != nil {
		t.Fatalf("create order1: %v", err)
	}
	order2, err := repo.Create(ctx, sampleOrder("user-1", now.Add(-time.Minute)))
	if err != nil {
		t.Fatalf("create order2: %v", err)
	}
	if _, err := repo.Create(ctx, sampleOrder("user-2", now)); err != nil {
		t.Fatalf("create foreign order: %v", err)
	}
	if order1.ID == "" || order1.Lines[0].ID == "" {
		t.Fatalf("expected database-assigned ids, got %+v", order1)
	}

	got, err := repo.Get(ctx, order1.ID)
	if err != nil {
		t.Fatalf("get order1: %v", err)
	}
	if got.UserID != "user-1" || got.Status != domain.OrderStatusPending || got.AmountMinor != 12500 {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Lines) != 2 {
		t.Fatalf("unexpected lines count: %d", len(got.Lines))
	}

	listed, err := repo.ListByUser(ctx, "user-1", 1)
	if err != nil {
		t.Fatalf("list by user with limit: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order2.ID || len(listed[0].Lines) != 2 {
		t.Fatalf("unexpected list result with limit: %+v", listed)
	}

	all, err := repo.ListAll(ctx, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(all))
	}

	pending, err := NewOutboxRepository(store).PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull outbox: %v", err)
	}
	if len(pending) != 3 || pending[0].EventType != domain.EventTypeOrderCreated {
		t.Fatalf("expected one order.created per order, got %+v", pending)
	}

	events, err := NewTimelineRepository(store).List(ctx, order1.ID)
	if err != nil {
		t.Fatalf("list timeline: %v", err)
	}
	if len(events) != 1 || events[0].Type != domain.TimelineOrderCreated {
		t.Fatalf("unexpected timeline: %+v", events)
	}
}

func TestOrderRepository_PostgresCreateIsAtomic(t *testing.T) {
	store := integrationStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	broken := sampleOrder("user-atomic", time.Now().UTC())
	broken.Lines[1].Qty = 0 // нарушает CHECK (qty > 0)

	if _, err := repo.Create(ctx, broken); err == nil {
		t.Fatal("expected create to fail on invalid line")
	}

	orders, err := repo.ListByUser(ctx, "user-atomic", 0)
	if err != nil {
		t.Fatalf("list after failed create: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no partial order, got %+v", orders)
	}

	var lines int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM order_lines`).Scan(&lines); err != nil {
		t.Fatalf("count lines: %v", err)
	}
	if lines != 0 {
		t.Fatalf("expected no orphan lines, got %d", lines)
	}
}

func TestOrderRepository_PostgresNotFoundAndAttach(t *testing.T) {
	store := integrationStore(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	if _, err := repo.Get(ctx, "8d6f0f43-6a2c-4f1e-9d7e-000000000000"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := repo.Get(ctx, "not-a-uuid"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound for malformed id, got %v", err)
	}

	created, err := repo.Create(ctx, sampleOrder("user-1", time.Now().UTC()))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.AttachCheckoutSession(ctx, created.ID, "cs_test_123"); err != nil {
		t.Fatalf("attach session: %v", err)
	}
	got, err := repo.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get after attach: %v", err)
	}
	if got.CheckoutSessionID != "cs_test_123" {
		t.Fatalf("unexpected session id %q", got.CheckoutSessionID)
	}

	if err := repo.AttachCheckoutSession(ctx, "8d6f0f43-6a2c-4f1e-9d7e-000000000000", "cs"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on attach, got %v", err)
	}
}

func sampleOrder(userID string, createdAt time.Time) domain.Order {
	return domain.Order{
		UserID:          userID,
		ShippingAddress: "Calle 10 #5-20",
		ContactPhone:    "3001234567",
		Status:          domain.OrderStatusPending,
		Currency:        "cop",
		AmountMinor:     12500,
		Lines: []domain.OrderLine{
			{ProductID: 1, Qty: 2, UnitPriceMinor: 5000},
			{ProductID: 2, Qty: 1, UnitPriceMinor: 2500},
		},
		CreatedAt: createdAt,
	}
}

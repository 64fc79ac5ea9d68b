package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OrderRepository — простая in-memory реализация domain.OrderRepository.
// Вместе с заказом пишет order.created в outbox и запись timeline.
type OrderRepository struct {
	mu       sync.RWMutex
	items    map[string]domain.Order
	outbox   domain.OutboxRepository
	timeline domain.TimelineRepository
}

// NewOrderRepository возвращает in-memory репозиторий для локальной разработки и тестов.
// outbox и timeline могут быть nil.
func NewOrderRepository(outbox domain.OutboxRepository, timeline domain.TimelineRepository) *OrderRepository {
	return &OrderRepository{
		items:    make(map[string]domain.Order),
		outbox:   outbox,
		timeline: timeline,
	}
}

// Create сохраняет новый заказ и назначает идентификаторы заказу и позициям.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	now := time.Now().UTC()
	order.ID = uuid.NewString()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = order.CreatedAt
	if order.Status == "" {
		order.Status = domain.OrderStatusPending
	}
	order.Lines = cloneLines(order.Lines)
	for i := range order.Lines {
		order.Lines[i].ID = uuid.NewString()
		if order.Lines[i].CreatedAt.IsZero() {
			order.Lines[i].CreatedAt = order.CreatedAt
		}
	}

	msg, err := domain.NewOrderCreatedMessage(order)
	if err != nil {
		return domain.Order{}, err
	}

	r.mu.Lock()
	r.items[order.ID] = order
	r.mu.Unlock()

	if r.outbox != nil {
		if _, err := r.outbox.Enqueue(ctx, msg); err != nil {
			r.mu.Lock()
			delete(r.items, order.ID)
			r.mu.Unlock()
			return domain.Order{}, fmt.Errorf("enqueue order.created: %w", err)
		}
	}
	if r.timeline != nil {
		_ = r.timeline.Append(ctx, domain.TimelineEvent{
			OrderID:  order.ID,
			Type:     domain.TimelineOrderCreated,
			Occurred: order.CreatedAt,
		})
	}

	return cloneOrder(order), nil
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *OrderRepository) Get(_ context.Context, id string) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.items[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

// ListByUser возвращает заказы пользователя, ограничивая выборку limit (если >0).
func (r *OrderRepository) ListByUser(_ context.Context, userID string, limit int) ([]domain.Order, error) {
	return r.list(func(o domain.Order) bool { return o.UserID == userID }, limit), nil
}

// ListAll возвращает все заказы магазина.
func (r *OrderRepository) ListAll(_ context.Context, limit int) ([]domain.Order, error) {
	return r.list(func(domain.Order) bool { return true }, limit), nil
}

// AttachCheckoutSession запоминает идентификатор checkout сессии.
func (r *OrderRepository) AttachCheckoutSession(_ context.Context, orderID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	order.CheckoutSessionID = sessionID
	order.UpdatedAt = time.Now().UTC()
	r.items[orderID] = order
	return nil
}

// markPaid выполняет compare-and-set pending -> paid.
func (r *OrderRepository) markPaid(orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	order, ok := r.items[orderID]
	if !ok {
		return domain.ErrOrderNotFound
	}
	if err := order.MarkPaid(at); err != nil {
		return err
	}
	r.items[orderID] = order
	return nil
}

func (r *OrderRepository) list(match func(domain.Order) bool, limit int) []domain.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.Order, 0, len(r.items))
	for _, order := range r.items {
		if !match(order) {
			continue
		}
		result = append(result, cloneOrder(order))
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Lines = cloneLines(src.Lines)
	return dst
}

func cloneLines(src []domain.OrderLine) []domain.OrderLine {
	if src == nil {
		return nil
	}
	dst := make([]domain.OrderLine, len(src))
	copy(dst, src)
	return dst
}

var _ domain.OrderRepository = (*OrderRepository)(nil)

package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxFailed
)

type outboxRecord struct {
	msg          domain.OutboxMessage
	state        outboxState
	attempts     int
	createdAt    time.Time
	claimedUntil time.Time
}

// OutboxRepository — outbox в памяти. Выданные PullPending сообщения
// не выдаются повторно, пока не истечёт аренда.
type OutboxRepository struct {
	mu      sync.Mutex
	records map[string]*outboxRecord
	lease   time.Duration
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{
		records: make(map[string]*outboxRecord),
		lease:   domain.DefaultOutboxLease,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[msg.ID] = &outboxRecord{msg: msg, createdAt: r.now()}
	return msg, nil
}

// PullPending арендует до limit самых старых сообщений.
func (r *OutboxRepository) PullPending(_ context.Context, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 {
		limit = domain.DefaultOutboxBatch
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var claimed []domain.OutboxMessage
	for _, rec := range r.pendingLocked() {
		if len(claimed) == limit {
			break
		}
		if rec.claimedUntil.After(now) {
			continue
		}
		rec.claimedUntil = now.Add(r.lease)
		claimed = append(claimed, rec.msg)
	}
	return claimed, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pendingLocked()
	stats := domain.OutboxStats{PendingCount: len(pending)}
	if len(pending) > 0 {
		stats.OldestPendingAt = pending[0].createdAt
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.finish(id, outboxSent)
}

func (r *OutboxRepository) MarkFailed(_ context.Context, id string) error {
	return r.finish(id, outboxFailed)
}

// AllPending возвращает все неотправленные сообщения, включая арендованные.
func (r *OutboxRepository) AllPending() []domain.OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []domain.OutboxMessage
	for _, rec := range r.pendingLocked() {
		result = append(result, rec.msg)
	}
	return result
}

func (r *OutboxRepository) finish(id string, state outboxState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return domain.ErrOutboxPublish
	}
	rec.state = state
	rec.attempts++
	rec.claimedUntil = time.Time{}
	return nil
}

func (r *OutboxRepository) pendingLocked() []*outboxRecord {
	var pending []*outboxRecord
	for _, rec := range r.records {
		if rec.state == outboxPending {
			pending = append(pending, rec)
		}
	}
	slices.SortFunc(pending, func(a, b *outboxRecord) int {
		if c := a.createdAt.Compare(b.createdAt); c != 0 {
			return c
		}
		return cmp.Compare(a.msg.ID, b.msg.ID)
	})
	return pending
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)

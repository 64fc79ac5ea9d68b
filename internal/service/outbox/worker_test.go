package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func enqueuePaid(t *testing.T, repo *memory.OutboxRepository, orderID string) domain.OutboxMessage {
	t.Helper()
	msg, err := domain.NewOrderPaidMessage(domain.Payment{
		OrderID:     orderID,
		AmountMinor: 12500,
		Currency:    "cop",
		ExternalRef: "pi_" + orderID,
		CreatedAt:   time.Now().UTC(),
	})
	require.NoError(t, err)
	msg, err = repo.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	return msg
}

func TestWorker_ProcessOnce_MarkSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueuePaid(t, repo, "order-1")
	publisher := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
		WithMetrics(metrics.NewOutboxMetrics(prometheus.NewRegistry())),
	)

	sent := worker.ProcessOnce(context.Background())

	assert.Equal(t, 1, sent)
	assert.Equal(t, 1, publisher.calls())
	assert.Empty(t, repo.AllPending())
	assert.Equal(t, domain.EventTypeOrderPaid, publisher.published()[0].EventType)
}

func TestWorker_ProcessOnce_MarkFailedAndDLQAfterRetries(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	original := enqueuePaid(t, repo, "order-2")
	publisher := &stubPublisher{err: errors.New("broker unavailable")}
	dlqPublisher := &stubPublisher{}

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(3),
	)

	sent := worker.ProcessOnce(context.Background())

	assert.Zero(t, sent)
	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.AllPending())
	require.Equal(t, 1, dlqPublisher.calls())

	var letter DeadLetter
	require.NoError(t, json.Unmarshal(dlqPublisher.published()[0].Payload, &letter))
	assert.Equal(t, original.ID, letter.OutboxID)
	assert.Equal(t, "order-2", letter.AggregateID)
	assert.Contains(t, letter.PublishError, "broker unavailable")
	assert.JSONEq(t, string(original.Payload), string(letter.Payload))
	assert.Equal(t, original, letter.Message())
}

func TestWorker_ProcessOnce_SuccessAfterRetry(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueuePaid(t, repo, "order-3")
	publisher := &stubPublisher{
		sequenceErrors: []error{errors.New("attempt 1"), errors.New("attempt 2"), nil},
	}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Millisecond), WithMaxAttempts(3))

	assert.Equal(t, 1, worker.ProcessOnce(context.Background()))
	assert.Equal(t, 3, publisher.calls())
	assert.Empty(t, repo.AllPending())
}

func TestWorker_ProcessOnce_CancelledDuringBackoffKeepsPending(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueuePaid(t, repo, "order-4")
	publisher := &stubPublisher{err: errors.New("down")}

	worker := NewWorker(repo, publisher, WithRetryBaseDelay(time.Hour), WithMaxAttempts(3))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.Zero(t, worker.ProcessOnce(ctx))
	assert.Len(t, repo.AllPending(), 1)
}

func TestWorker_RetryBackoff(t *testing.T) {
	w := NewWorker(nil, nil, WithRetryBaseDelay(10*time.Millisecond))

	assert.Equal(t, 10*time.Millisecond, w.retryBackoff(1))
	assert.Equal(t, 20*time.Millisecond, w.retryBackoff(2))
	assert.Equal(t, 40*time.Millisecond, w.retryBackoff(3))
	assert.Equal(t, maxRetryDelay, w.retryBackoff(80))

	assert.Zero(t, NewWorker(nil, nil, WithRetryBaseDelay(-time.Second)).retryBackoff(3))
}

func TestWorker_Flush_ReportsBatch(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueuePaid(t, repo, "order-5")
	failing := enqueuePaid(t, repo, "order-6")

	publisher := &stubPublisher{failFor: map[string]bool{failing.ID: true}, err: errors.New("rejected")}
	dlqPublisher := &stubPublisher{}
	failedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	worker := NewWorker(repo, publisher,
		WithDLQPublisher(dlqPublisher),
		WithRetryBaseDelay(0),
		WithMaxAttempts(2),
		withClock(func() time.Time { return failedAt }),
	)

	res := worker.Flush(context.Background())
	assert.Equal(t, BatchResult{Pulled: 2, Sent: 1, Failed: 1, DeadLettered: 1}, res)

	var letter DeadLetter
	require.NoError(t, json.Unmarshal(dlqPublisher.published()[0].Payload, &letter))
	assert.Equal(t, failedAt, letter.DLQPublishedAt)
	assert.Contains(t, letter.PublishError, "2 attempts")

	assert.Equal(t, BatchResult{}, worker.Flush(context.Background()))
}

func TestWorker_Flush_DLQFailureStillMarksFailed(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueuePaid(t, repo, "order-7")

	worker := NewWorker(repo, &stubPublisher{err: errors.New("down")},
		WithDLQPublisher(&stubPublisher{err: errors.New("dlq down")}),
		WithRetryBaseDelay(0),
		WithMaxAttempts(1),
	)

	res := worker.Flush(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.DeadLettered)
	assert.Empty(t, repo.AllPending())
}

func TestWorker_Run_StopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(memory.NewOutboxRepository(), &stubPublisher{},
		WithPollInterval(5*time.Millisecond),
		WithRetryBaseDelay(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_Run_DisabledWithoutPublisher(t *testing.T) {
	worker := NewWorker(memory.NewOutboxRepository(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	failFor        map[string]bool
	sequenceErrors []error
	callCount      int
	messages       []domain.OutboxMessage
}

func (s *stubPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	if len(s.sequenceErrors) > 0 {
		err := s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
		if err == nil {
			s.messages = append(s.messages, msg)
		}
		return err
	}
	if s.failFor != nil && !s.failFor[msg.ID] {
		s.messages = append(s.messages, msg)
		return nil
	}
	if s.err == nil {
		s.messages = append(s.messages, msg)
	}
	return s.err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) published() []domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutboxMessage(nil), s.messages...)
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)

// Package outbox публикует события заказов из transactional outbox в брокер.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval   = time.Second
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 30 * time.Second
	publishTimeout        = 10 * time.Second
)

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDLQPublisher включает отправку в DLQ после исчерпания попыток.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.dlq = publisher }
}

func WithPollInterval(interval time.Duration) Option {
	return func(w *Worker) {
		if interval > 0 {
			w.pollInterval = interval
		}
	}
}

func WithBatchSize(batchSize int) Option {
	return func(w *Worker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(w *Worker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками. Дальше пауза
// удваивается, но не превышает maxRetryDelay. 0 отключает паузы.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(w *Worker) { w.retryBaseDelay = max(delay, 0) }
}

func withClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// BatchResult — итог одного прохода по outbox.
type BatchResult struct {
	Pulled       int
	Sent         int
	Failed       int
	DeadLettered int
}

// Worker публикует pending-сообщения outbox. Несколько воркеров могут
// работать параллельно: PullPending выдаёт сообщения под аренду.
type Worker struct {
	repo           domain.OutboxRepository
	publisher      domain.OutboxPublisher
	dlq            domain.OutboxPublisher
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
	now            func() time.Time
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	w := &Worker{
		repo:           repo,
		publisher:      publisher,
		logger:         log.WithField("component", "outbox-worker"),
		pollInterval:   defaultPollInterval,
		batchSize:      domain.DefaultOutboxBatch,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
		now:            time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(w)
		}
	}
	return w
}

// Run опрашивает outbox до отмены ctx. Если батч пришёл полным, следующий
// проход начинается сразу, без ожидания pollInterval.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next := w.pollInterval
		if res := w.Flush(ctx); res.Pulled >= w.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}

// ProcessOnce выполняет один проход и возвращает число опубликованных событий.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	return w.Flush(ctx).Sent
}

// Flush забирает батч pending-сообщений и публикует их по одному.
func (w *Worker) Flush(ctx context.Context) BatchResult {
	var res BatchResult
	if ctx.Err() != nil {
		return res
	}
	defer w.observeBacklog(ctx)

	events, err := w.repo.PullPending(ctx, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return res
	}
	res.Pulled = len(events)

	for _, event := range events {
		if ctx.Err() != nil {
			break
		}
		w.deliver(ctx, event, &res)
	}
	if res.Failed > 0 || res.Sent > 0 {
		w.logger.WithFields(log.Fields{
			"pulled":        res.Pulled,
			"sent":          res.Sent,
			"failed":        res.Failed,
			"dead_lettered": res.DeadLettered,
		}).Debug("outbox batch processed")
	}
	return res
}

// deliver публикует событие. При отмене ctx сообщение не помечается и
// вернётся в выдачу после истечения аренды.
func (w *Worker) deliver(ctx context.Context, event domain.OutboxMessage, res *BatchResult) {
	entry := w.logger.WithFields(log.Fields{
		"outbox_id":    event.ID,
		"event_type":   event.EventType,
		"aggregate_id": event.AggregateID,
	})

	publishErr := w.publish(ctx, event)
	if publishErr == nil {
		res.Sent++
		if err := w.repo.MarkSent(ctx, event.ID); err != nil {
			entry.WithError(err).Warn("failed to mark outbox as sent")
		}
		return
	}
	if ctx.Err() != nil {
		return
	}

	res.Failed++
	w.record("failed")
	entry.WithError(publishErr).Error("outbox publish failed after retries")

	switch dead, err := w.deadLetter(ctx, event, publishErr); {
	case err != nil:
		w.record("dlq_failed")
		entry.WithError(err).Warn("failed to publish to DLQ")
	case dead:
		res.DeadLettered++
	}
	if err := w.repo.MarkFailed(ctx, event.ID); err != nil {
		entry.WithError(err).Warn("failed to mark outbox as failed")
	}
}

// publish делает до maxAttempts попыток с экспоненциальной паузой.
func (w *Worker) publish(ctx context.Context, event domain.OutboxMessage) error {
	var errs []error
	for attempt := 1; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		err := w.publisher.Publish(attemptCtx, event)
		cancel()
		if err == nil {
			w.record("sent")
			return nil
		}
		w.record("retry_error")
		errs = append(errs, err)

		if attempt == w.maxAttempts {
			return fmt.Errorf("%w: %d attempts: %w", domain.ErrOutboxPublish, attempt, errors.Join(errs...))
		}
		if err := sleep(ctx, w.retryBackoff(attempt)); err != nil {
			return err
		}
	}
}

func (w *Worker) retryBackoff(attempt int) time.Duration {
	delay := w.retryBaseDelay
	for i := 1; i < attempt && delay > 0 && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	return min(delay, maxRetryDelay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// deadLetter отправляет событие в DLQ. false без ошибки означает, что DLQ не настроен.
func (w *Worker) deadLetter(ctx context.Context, event domain.OutboxMessage, cause error) (bool, error) {
	if w.dlq == nil {
		return false, nil
	}

	msg, err := newDeadLetter(event, cause, w.now()).envelope()
	if err != nil {
		return false, err
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := w.dlq.Publish(publishCtx, msg); err != nil {
		return false, fmt.Errorf("publish to dlq: %w", err)
	}
	w.record("dlq")
	return true, nil
}

func (w *Worker) observeBacklog(ctx context.Context) {
	if w.metrics == nil {
		return
	}

	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = w.now().Sub(stats.OldestPendingAt)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

func (w *Worker) record(result string) {
	if w.metrics != nil {
		w.metrics.RecordPublish(result)
	}
}

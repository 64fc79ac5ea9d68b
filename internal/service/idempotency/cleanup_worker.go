// Package idempotency обслуживает ключи идемпотентности POST /api/orders:
// фоновый воркер удаляет записи с истёкшим TTL.
package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	defaultMaxBatches       = 20
	// Между пачками DELETE не чаще пяти раз в секунду.
	defaultBatchRate = rate.Limit(5)
)

// Sweep — итог одного прохода очистки.
type Sweep struct {
	Deleted int
	Batches int
	// Truncated: проход упёрся в лимит пачек, остаток уйдёт в следующий цикл.
	Truncated bool
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.IdempotencyCleanupMetrics) CleanupOption {
	return func(w *CleanupWorker) { w.metrics = m }
}

func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

func WithBatchSize(batchSize int) CleanupOption {
	return func(w *CleanupWorker) {
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

// WithMaxBatches ограничивает число DELETE за один проход.
func WithMaxBatches(n int) CleanupOption {
	return func(w *CleanupWorker) {
		if n > 0 {
			w.maxBatches = n
		}
	}
}

// WithBatchRate задаёт темп удаления пачек. rate.Inf снимает ограничение.
func WithBatchRate(limit rate.Limit) CleanupOption {
	return func(w *CleanupWorker) {
		if limit > 0 {
			w.pacer = rate.NewLimiter(limit, 1)
		}
	}
}

func WithClock(now func() time.Time) CleanupOption {
	return func(w *CleanupWorker) {
		if now != nil {
			w.now = now
		}
	}
}

// CleanupWorker периодически удаляет просроченные ключи.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	metrics    *metrics.IdempotencyCleanupMetrics
	interval   time.Duration
	batchSize  int
	maxBatches int
	pacer      *rate.Limiter
	now        func() time.Time
}

func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:       repo,
		logger:     log.WithField("component", "idempotency-cleanup-worker"),
		interval:   defaultCleanupInterval,
		batchSize:  defaultCleanupBatchSize,
		maxBatches: defaultMaxBatches,
		pacer:      rate.NewLimiter(defaultBatchRate, 1),
		now:        time.Now,
	}
	for _, option := range options {
		if option != nil {
			option(w)
		}
	}
	return w
}

// Run делает проход сразу и затем раз в interval, пока ctx не отменён.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweepAndReport(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) sweepAndReport(ctx context.Context) {
	sweep, err := w.Sweep(ctx, w.now().UTC())
	entry := w.logger.WithFields(log.Fields{"deleted": sweep.Deleted, "batches": sweep.Batches})

	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		w.record("error", sweep.Deleted)
		entry.WithError(err).Warn("idempotency cleanup run failed")
		return
	}

	w.record("success", sweep.Deleted)
	if sweep.Truncated {
		entry.Info("idempotency cleanup hit batch limit, rest is left for the next run")
	} else if sweep.Deleted > 0 {
		entry.Info("idempotency cleanup completed")
	}
}

// Sweep удаляет записи с ttl <= before пачками по batchSize, пока пачка
// не окажется неполной или не кончится лимит пачек.
func (w *CleanupWorker) Sweep(ctx context.Context, before time.Time) (Sweep, error) {
	var sweep Sweep
	if before.IsZero() {
		before = w.now().UTC()
	}

	for sweep.Batches < w.maxBatches {
		if err := w.pacer.Wait(ctx); err != nil {
			return sweep, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return sweep, err
		}
		sweep.Batches++
		sweep.Deleted += deleted
		if deleted < w.batchSize {
			return sweep, nil
		}
	}
	sweep.Truncated = true
	return sweep, nil
}

func (w *CleanupWorker) record(result string, deleted int) {
	if w.metrics != nil {
		w.metrics.RecordRun(result, deleted)
	}
}

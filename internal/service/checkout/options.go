package checkout

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const tracerName = "storefront/checkout"

type options struct {
	logger  *log.Entry
	metrics *metrics.CheckoutMetrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option настраивает Service и Reconciler.
type Option func(*options)

// WithLogger задаёт логгер компонента.
func WithLogger(logger *log.Entry) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics включает Prometheus-метрики. Без опции метрики не пишутся.
func WithMetrics(m *metrics.CheckoutMetrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithTracer переопределяет tracer (по умолчанию глобальный провайдер otel).
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func buildOptions(component string, opts []Option) options {
	o := options{
		logger: log.WithField("component", component),
		tracer: otel.Tracer(tracerName),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// finishSpan закрывает span и отмечает ошибку, если она есть.
func finishSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// detach сохраняет значения ctx, но не его отмену: записи аудита
// после таймаута шлюза всё равно должны попасть в хранилище.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

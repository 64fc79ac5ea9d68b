package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Outcome — итог обработки одного webhook-события.
type Outcome string

const (
	// OutcomeApplied — платёж записан, заказ переведён в paid.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate — событие уже было применено раньше.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored — событие не подтверждает оплату.
	OutcomeIgnored Outcome = "ignored"

	outcomeRejected Outcome = "rejected"
	outcomeFailed   Outcome = "failed"
)

// Reconciler сверяет события платёжного шлюза с журналом платежей.
type Reconciler struct {
	gateway  domain.PaymentGateway
	payments domain.PaymentLedger
	opts     options
}

// NewReconciler создаёт обработчик webhook.
func NewReconciler(gateway domain.PaymentGateway, payments domain.PaymentLedger, opts ...Option) (*Reconciler, error) {
	if gateway == nil {
		return nil, errors.New("reconciler: payment gateway is required")
	}
	if payments == nil {
		return nil, errors.New("reconciler: payment ledger is required")
	}
	return &Reconciler{
		gateway:  gateway,
		payments: payments,
		opts:     buildOptions("webhook-reconciler", opts),
	}, nil
}

// HandleWebhook проверяет подпись, разбирает событие и применяет платёж.
// Ошибка с domain.ErrWebhookSignature или domain.ErrWebhookMetadata означает
// отказ без повторов; прочие ошибки шлюз должен доставить снова.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (outcome Outcome, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "checkout.HandleWebhook",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.Int("webhook.payload_bytes", len(payload))),
	)
	start := time.Now()
	var event domain.GatewayEvent
	defer func() {
		span.SetAttributes(attribute.String("webhook.outcome", string(outcome)))
		finishSpan(span, err)

		if r.opts.metrics != nil {
			r.opts.metrics.RecordWebhook(string(outcome), time.Since(start))
		}

		entry := r.opts.logger.WithFields(log.Fields{
			"outcome":    outcome,
			"event_id":   event.ID,
			"event_type": event.RawType,
			"order_id":   event.OrderID,
			"latency":    time.Since(start).String(),
		})
		switch {
		case err == nil:
			entry.Info("webhook processed")
		case errors.Is(err, domain.ErrWebhookSignature):
			entry.WithError(err).Warn("webhook rejected")
		default:
			entry.WithError(err).Error("webhook processing failed")
		}
	}()

	event, err = r.gateway.ParseWebhookEvent(payload, signature)
	if err != nil {
		if errors.Is(err, domain.ErrWebhookSignature) {
			return outcomeRejected, err
		}
		return outcomeFailed, err
	}
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.RawType),
	)

	if !event.Settled() {
		return OutcomeIgnored, nil
	}
	if event.OrderID == "" {
		return outcomeRejected, fmt.Errorf("event %s: %w", event.ID, domain.ErrWebhookMetadata)
	}
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	payment := domain.Payment{
		OrderID:           event.OrderID,
		AmountMinor:       event.AmountTotal,
		Currency:          event.Currency,
		Method:            domain.PaymentMethodStripe,
		ExternalRef:       event.PaymentRef,
		CheckoutSessionID: event.SessionID,
		Status:            domain.PaymentStatusCompleted,
		CreatedAt:         r.opts.now(),
	}
	if errs := payment.Validate(); len(errs) > 0 {
		return outcomeRejected, fmt.Errorf("event %s: %w", event.ID, errors.Join(errs...))
	}

	result, err := r.payments.ApplyPayment(ctx, payment)
	if err != nil {
		return outcomeFailed, fmt.Errorf("apply payment for order %s: %w", event.OrderID, err)
	}
	if result == domain.ApplyResultAlreadyApplied {
		return OutcomeDuplicate, nil
	}

	if r.opts.metrics != nil {
		r.opts.metrics.RecordOrderPaid()
	}
	return OutcomeApplied, nil
}

package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cimillas/order-lifecycle/internal/backoff"
	"github.com/cimillas/order-lifecycle/internal/clock"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
	"github.com/cimillas/order-lifecycle/internal/payment"
	"go.opentelemetry.io/otel/attribute"
)

type WebhookStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	// MarkOrderPaid moves the order from PENDING_PAYMENT to PAYMENT_CONFIRMED.
	// applied is false when the order exists but was not pending.
	MarkOrderPaid(ctx context.Context, orderID string, now time.Time) (order domain.Order, applied bool, err error)
	MarkPaymentSucceeded(ctx context.Context, orderID, providerPaymentID string, now time.Time) error
	GetCustomer(ctx context.Context, customerID string) (domain.Customer, error)
}

type WebhookVerifier interface {
	VerifyWebhook(payload []byte, header string, now time.Time) (payment.Event, error)
}

type WebhookOutcome string

const (
	WebhookConfirmed WebhookOutcome = "confirmed"
	WebhookDuplicate WebhookOutcome = "duplicate"
	WebhookIgnored   WebhookOutcome = "ignored"
)

type WebhookService struct {
	store      WebhookStore
	outbox     OutboxStager
	verifier   WebhookVerifier
	clock      clock.Clock
	storeRetry backoff.Policy
	metrics    *metrics.Metrics
}

func NewWebhookService(store WebhookStore, outbox OutboxStager, verifier WebhookVerifier, clk clock.Clock, storeRetry backoff.Policy, m *metrics.Metrics) *WebhookService {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &WebhookService{
		store:      store,
		outbox:     outbox,
		verifier:   verifier,
		clock:      clk,
		storeRetry: storeRetry,
		metrics:    m,
	}
}

// HandleWebhook applies a provider notification. Replays of an already applied
// payment succeed with WebhookDuplicate and stage nothing.
func (s *WebhookService) HandleWebhook(ctx context.Context, payload []byte, signature string) (outcome WebhookOutcome, err error) {
	ctx, span := tracer.Start(ctx, "webhook.handle")
	defer func() {
		s.metrics.WebhookTotal.WithLabelValues(webhookOutcomeLabel(outcome, err)).Inc()
		endSpan(span, err)
	}()

	event, err := s.verifier.VerifyWebhook(payload, signature, s.clock.Now())
	if err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("webhook.event_id", event.ID), attribute.String("webhook.type", event.Type))

	if event.Type != payment.EventPaymentSucceeded {
		return WebhookIgnored, nil
	}

	orderID := strings.TrimSpace(event.OrderID())
	if orderID == "" {
		return "", domain.NewValidationError("metadata.orderId", "required")
	}
	providerPaymentID := strings.TrimSpace(event.PaymentID())
	if providerPaymentID == "" {
		return "", domain.NewValidationError("data.object.id", "required")
	}
	span.SetAttributes(attribute.String("order.id", orderID))

	var staged []domain.OutboxEvent
	err = s.storeRetry.Do(ctx, isTransientStore, func(ctx context.Context) error {
		staged = staged[:0]
		outcome = ""
		return s.store.WithTx(ctx, func(txCtx context.Context) error {
			now := s.clock.Now()
			order, applied, err := s.store.MarkOrderPaid(txCtx, orderID, now)
			if err != nil {
				return err
			}
			if !applied {
				outcome = WebhookDuplicate
				return nil
			}

			if err := s.store.MarkPaymentSucceeded(txCtx, orderID, providerPaymentID, now); err != nil {
				return err
			}
			customer, err := s.store.GetCustomer(txCtx, order.CustomerID)
			if err != nil {
				return err
			}

			confirmed, err := confirmedOrderEvent(txCtx, order, now)
			if err != nil {
				return err
			}
			notify, err := notificationEvent(txCtx, order, customer, domain.EventTypePaymentConfirmation, now)
			if err != nil {
				return err
			}
			for _, evt := range []domain.OutboxEvent{confirmed, notify} {
				if _, err := s.outbox.Stage(txCtx, evt); err != nil {
					return err
				}
				staged = append(staged, evt)
			}
			outcome = WebhookConfirmed
			return nil
		})
	})
	if err != nil {
		return "", err
	}

	for _, evt := range staged {
		s.metrics.OutboxStaged.WithLabelValues(evt.Topic).Inc()
	}
	return outcome, nil
}

func webhookOutcomeLabel(outcome WebhookOutcome, err error) string {
	switch {
	case err == nil:
		return string(outcome)
	case errors.Is(err, domain.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrPaymentNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrValidation):
		return "rejected"
	default:
		return "error"
	}
}

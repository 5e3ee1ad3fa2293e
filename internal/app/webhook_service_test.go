package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/cimillas/order-lifecycle/internal/clock"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/payment"
)

const webhookSecret = "whsec_test"

type webhookFixture struct {
	svc     *WebhookService
	ledger  *fakeLedger
	orderID string
	intent  string
}

// newWebhookFixture runs a checkout first so the webhook acts on a real pending order.
func newWebhookFixture(t *testing.T) webhookFixture {
	t.Helper()
	checkout, ledger, _, _ := newCheckoutFixture(t)
	res, err := checkout.InitiateCheckout(context.Background(), scenarioCheckout())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	verifier := payment.NewClient(payment.Config{WebhookSecret: webhookSecret}, nil, nil)
	svc := NewWebhookService(ledger, ledger, verifier, clock.NewManual(testNow), testStoreRetry, nil)
	return webhookFixture{
		svc:     svc,
		ledger:  ledger,
		orderID: res.OrderID,
		intent:  ledger.paymentForOrder(res.OrderID).ProviderPaymentID,
	}
}

func webhookBody(eventType, paymentID, orderID string) []byte {
	return []byte(fmt.Sprintf(`{"id":"evt_1","type":%q,"data":{"object":{"id":%q,"metadata":{"orderId":%q}}}}`,
		eventType, paymentID, orderID))
}

func signed(body []byte) string {
	return payment.SignatureHeaderValue(body, webhookSecret, testNow.Unix())
}

func TestWebhookService_HandleWebhook(t *testing.T) {
	t.Parallel()

	t.Run("confirms order and stages two events", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, f.intent, f.orderID)

		outcome, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if outcome != WebhookConfirmed {
			t.Fatalf("expected confirmed, got %s", outcome)
		}

		order := f.ledger.orders[f.orderID]
		if order.Status != domain.OrderStatusPaymentConfirmed || order.Version != 2 {
			t.Fatalf("expected confirmed order at version 2, got %s v%d", order.Status, order.Version)
		}
		if p := f.ledger.paymentForOrder(f.orderID); p.Status != domain.PaymentStatusSucceeded {
			t.Fatalf("expected succeeded payment, got %s", p.Status)
		}

		events := f.ledger.stagedEvents()
		if len(events) != 3 {
			t.Fatalf("expected checkout event plus 2 webhook events, got %d", len(events))
		}
		if events[1].Topic != domain.TopicOrdersPaymentConfirmed || events[1].EventType != domain.EventTypeOrderPaid {
			t.Fatalf("unexpected second event %s/%s", events[1].Topic, events[1].EventType)
		}
		if events[2].Topic != domain.TopicNotificationsToSend || events[2].EventType != domain.EventTypePaymentConfirmation {
			t.Fatalf("unexpected third event %s/%s", events[2].Topic, events[2].EventType)
		}
		if events[1].Seq >= events[2].Seq {
			t.Fatalf("expected increasing sequence ids")
		}
	})

	t.Run("replays are idempotent", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, f.intent, f.orderID)

		if _, err := f.svc.HandleWebhook(context.Background(), body, signed(body)); err != nil {
			t.Fatalf("first delivery: %v", err)
		}
		orderAfterFirst := f.ledger.orders[f.orderID]
		paymentAfterFirst := f.ledger.paymentForOrder(f.orderID)
		eventsAfterFirst := len(f.ledger.stagedEvents())

		for i := 0; i < 5; i++ {
			outcome, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
			if err != nil {
				t.Fatalf("replay %d: %v", i, err)
			}
			if outcome != WebhookDuplicate {
				t.Fatalf("replay %d: expected duplicate, got %s", i, outcome)
			}
		}

		if got := f.ledger.orders[f.orderID]; got.Status != orderAfterFirst.Status || got.Version != orderAfterFirst.Version || !got.UpdatedAt.Equal(orderAfterFirst.UpdatedAt) {
			t.Fatalf("order changed on replay: %+v", got)
		}
		if f.ledger.paymentForOrder(f.orderID) != paymentAfterFirst {
			t.Fatalf("payment changed on replay")
		}
		if got := len(f.ledger.stagedEvents()); got != eventsAfterFirst {
			t.Fatalf("expected %d events after replays, got %d", eventsAfterFirst, got)
		}
	})

	t.Run("concurrent deliveries confirm once", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, f.intent, f.orderID)

		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			confirmed int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcome, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
				if err != nil {
					t.Errorf("delivery failed: %v", err)
					return
				}
				if outcome == WebhookConfirmed {
					mu.Lock()
					confirmed++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if confirmed != 1 {
			t.Fatalf("expected exactly one confirming delivery, got %d", confirmed)
		}
		if got := len(f.ledger.stagedEvents()); got != 3 {
			t.Fatalf("expected 3 events, got %d", got)
		}
	})

	t.Run("invalid signature touches nothing", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, f.intent, f.orderID)
		commits := f.ledger.commits

		_, err := f.svc.HandleWebhook(context.Background(), body, "t=1,v1=deadbeef")
		if !errors.Is(err, domain.ErrInvalidSignature) {
			t.Fatalf("expected ErrInvalidSignature, got %v", err)
		}
		if f.ledger.commits != commits {
			t.Fatalf("expected no transaction")
		}
		if f.ledger.orders[f.orderID].Status != domain.OrderStatusPendingPayment {
			t.Fatalf("expected order to stay pending")
		}
	})

	t.Run("other event types are acknowledged without changes", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody("payment_intent.created", f.intent, f.orderID)

		outcome, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if outcome != WebhookIgnored {
			t.Fatalf("expected ignored, got %s", outcome)
		}
		if got := len(f.ledger.stagedEvents()); got != 1 {
			t.Fatalf("expected only the checkout event, got %d", got)
		}
	})

	t.Run("unknown order is an error", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, f.intent, "missing-order")

		_, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
		if !errors.Is(err, domain.ErrOrderNotFound) {
			t.Fatalf("expected ErrOrderNotFound, got %v", err)
		}
	})

	t.Run("missing order metadata is rejected", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, f.intent, "")

		_, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
		if !errors.Is(err, domain.ErrValidation) {
			t.Fatalf("expected validation error, got %v", err)
		}
	})

	t.Run("unknown payment rolls back the order transition", func(t *testing.T) {
		f := newWebhookFixture(t)
		body := webhookBody(payment.EventPaymentSucceeded, "pi_other", f.orderID)

		_, err := f.svc.HandleWebhook(context.Background(), body, signed(body))
		if !errors.Is(err, domain.ErrPaymentNotFound) {
			t.Fatalf("expected ErrPaymentNotFound, got %v", err)
		}
		if f.ledger.orders[f.orderID].Status != domain.OrderStatusPendingPayment {
			t.Fatalf("expected order to stay pending after rollback")
		}
		if got := len(f.ledger.stagedEvents()); got != 1 {
			t.Fatalf("expected no new events, got %d", got)
		}
	})
}

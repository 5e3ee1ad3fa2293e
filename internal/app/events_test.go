package app

import (
	"context"
	"testing"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestFormatMinorUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount   int64
		currency string
		want     string
	}{
		{4200, "USD", "42.00"},
		{0, "USD", "0.00"},
		{5, "EUR", "0.05"},
		{123456, "usd", "1234.56"},
		{4200, "JPY", "4200"},
		{4200, "krw", "4200"},
		{4200, "KWD", "4.200"},
		{4200, "XYZ", "42.00"},
	}
	for _, tt := range tests {
		if got := formatMinorUnits(tt.amount, tt.currency); got != tt.want {
			t.Errorf("formatMinorUnits(%d, %s) = %s, want %s", tt.amount, tt.currency, got, tt.want)
		}
	}
}

func TestNewOutboxEventCarriesTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	evt, err := newOutboxEvent(ctx, "order-1", domain.TopicOrdersPaymentConfirmed, domain.EventTypeOrderPaid, map[string]string{"k": "v"}, testNow)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := evt.Headers["traceparent"]; got != "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01" {
		t.Fatalf("unexpected traceparent %q", got)
	}
	if evt.ID == "" || evt.Status != domain.OutboxStatusStaged || !evt.NextAttemptAt.Equal(testNow) {
		t.Fatalf("unexpected event %+v", evt)
	}
	if string(evt.Payload) != `{"k":"v"}` {
		t.Fatalf("unexpected payload %s", evt.Payload)
	}
}

func TestOrderQueryService_GetOrder(t *testing.T) {
	t.Parallel()

	checkout, ledger, _, _ := newCheckoutFixture(t)
	res, err := checkout.InitiateCheckout(context.Background(), scenarioCheckout())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	svc := NewOrderQueryService(ledger)

	view, err := svc.GetOrder(context.Background(), res.OrderID)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if view.Order.ID != res.OrderID || view.Payment == nil || view.Payment.Status != domain.PaymentStatusPending {
		t.Fatalf("unexpected view %+v", view)
	}

	if _, err := svc.GetOrder(context.Background(), "missing"); err != domain.ErrOrderNotFound {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

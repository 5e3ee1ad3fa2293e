package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type OutboxStager interface {
	// Stage records evt in the transaction carried by ctx.
	Stage(ctx context.Context, evt domain.OutboxEvent) (int64, error)
}

// newOutboxEvent builds an event for aggregateID. The caller's trace context travels
// in the headers so consumers can continue the trace.
func newOutboxEvent(ctx context.Context, aggregateID, topic, eventType string, payload any, now time.Time) (domain.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}

	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)

	return domain.OutboxEvent{
		ID:            newID(),
		AggregateID:   aggregateID,
		Topic:         topic,
		EventType:     eventType,
		Payload:       body,
		Headers:       headers,
		Status:        domain.OutboxStatusStaged,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

func notificationEvent(ctx context.Context, order domain.Order, customer domain.Customer, eventType string, now time.Time) (domain.OutboxEvent, error) {
	req := domain.NotificationRequest{
		EventType:      eventType,
		RecipientEmail: customer.Email,
		CustomerID:     customer.ID,
		OrderID:        order.ID,
		Data: domain.NotificationData{
			OrderNumber:  order.ID,
			CustomerName: customer.Name,
			TotalAmount:  formatMinorUnits(order.TotalAmountCents, order.Currency),
			Currency:     order.Currency,
		},
	}
	return newOutboxEvent(ctx, order.ID, domain.TopicNotificationsToSend, eventType, req, now)
}

func confirmedOrderEvent(ctx context.Context, order domain.Order, now time.Time) (domain.OutboxEvent, error) {
	payload := domain.ConfirmedOrder{
		ID:               order.ID,
		CustomerID:       order.CustomerID,
		Status:           order.Status,
		TotalAmountCents: order.TotalAmountCents,
		Currency:         order.Currency,
		Version:          order.Version,
		UpdatedAt:        order.UpdatedAt,
	}
	return newOutboxEvent(ctx, order.ID, domain.TopicOrdersPaymentConfirmed, domain.EventTypeOrderPaid, payload, now)
}

// minorUnitDigits lists ISO 4217 currencies whose minor unit is not 1/100.
var minorUnitDigits = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "UYI": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0,
	"XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
}

// formatMinorUnits renders an amount in minor units as a major-unit amount for
// currency: 4200 USD -> "42.00", 4200 JPY -> "4200", 4200 KWD -> "4.200".
func formatMinorUnits(amount int64, currency string) string {
	digits, ok := minorUnitDigits[strings.ToUpper(currency)]
	if !ok {
		digits = 2
	}
	return decimal.New(amount, -digits).StringFixed(digits)
}

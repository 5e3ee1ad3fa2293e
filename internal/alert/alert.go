// Package alert raises operational signals for conditions a human has to look at.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cimillas/order-lifecycle/internal/broker"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
)

const (
	KindDeliveryExhausted = "notification_delivery_exhausted"
	KindOutboxStuck       = "outbox_event_needs_attention"
)

type Alert struct {
	Kind       string            `json:"kind"`
	Subject    string            `json:"subject"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
	RaisedAt   time.Time         `json:"raisedAt"`
}

type Sink interface {
	Raise(ctx context.Context, a Alert) error
}

// LogSink writes alerts to the structured log and counts them.
type LogSink struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewLogSink(logger *slog.Logger, m *metrics.Metrics) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, metrics: m}
}

func (s *LogSink) Raise(_ context.Context, a Alert) error {
	attrs := []any{
		slog.String("alert_kind", a.Kind),
		slog.String("subject", a.Subject),
		slog.Time("raised_at", a.RaisedAt),
	}
	for k, v := range a.Attributes {
		attrs = append(attrs, slog.String(k, v))
	}
	s.logger.Error("ALERT: "+a.Message, attrs...)
	if s.metrics != nil {
		s.metrics.AlertsRaised.WithLabelValues(a.Kind).Inc()
	}
	return nil
}

// BrokerSink publishes alerts to the ops-alerts topic for paging integrations.
type BrokerSink struct {
	publisher broker.Publisher
	topic     string
}

func NewBrokerSink(pub broker.Publisher) *BrokerSink {
	return &BrokerSink{publisher: pub, topic: domain.TopicOperationalAlerts}
}

func (s *BrokerSink) Raise(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, broker.Message{
		Topic: s.topic,
		Key:   a.Subject,
		Value: body,
		Headers: map[string]string{
			broker.HeaderEventType: a.Kind,
		},
	})
}

// Fanout raises on every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range f {
		if err := s.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

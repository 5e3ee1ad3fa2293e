package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cimillas/order-lifecycle/internal/alert"
	"github.com/cimillas/order-lifecycle/internal/backoff"
	"github.com/cimillas/order-lifecycle/internal/broker"
	"github.com/cimillas/order-lifecycle/internal/clock"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
)

// NotificationStore persists delivery attempts. Every transition is conditional on
// the row still being PENDING with the attempt count the caller read, and reports
// whether it applied.
type NotificationStore interface {
	// Insert creates n unless a row with the same dedup key exists.
	Insert(ctx context.Context, n domain.Notification) (created bool, err error)
	MarkSent(ctx context.Context, id string, prevAttempts int, messageID string, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id string, prevAttempts int, lastErr string, next, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id string, prevAttempts int, lastErr string, now time.Time) (bool, error)
	// ClaimDue leases up to limit PENDING rows whose next attempt is due.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Notification, error)
}

type Mailer interface {
	Send(ctx context.Context, to, templateID string, templateData json.RawMessage) (string, error)
}

type NotificationConfig struct {
	Retry        backoff.Policy `mapstructure:"retry" yaml:"retry"`
	SendTimeout  time.Duration  `mapstructure:"send_timeout" yaml:"send_timeout"`
	Lease        time.Duration  `mapstructure:"lease" yaml:"lease"`
	SweepEvery   time.Duration  `mapstructure:"sweep_interval" yaml:"sweep_interval"`
	SweepBatch   int            `mapstructure:"sweep_batch" yaml:"sweep_batch"`
	ConsumerName string         `mapstructure:"consumer_group" yaml:"consumer_group"`
}

func (c NotificationConfig) withDefaults() NotificationConfig {
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = time.Minute
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 5 * time.Second
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 50
	}
	return c
}

type DispatchOutcome string

const (
	DispatchSent       DispatchOutcome = "sent"
	DispatchRetry      DispatchOutcome = "retry_scheduled"
	DispatchFailed     DispatchOutcome = "failed"
	DispatchDuplicate  DispatchOutcome = "duplicate"
	DispatchSuperseded DispatchOutcome = "superseded"
)

type NotificationService struct {
	store   NotificationStore
	mailer  Mailer
	alerts  alert.Sink
	clock   clock.Clock
	cfg     NotificationConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewNotificationService(store NotificationStore, mailer Mailer, alerts alert.Sink, clk clock.Clock, cfg NotificationConfig, logger *slog.Logger, m *metrics.Metrics) *NotificationService {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &NotificationService{
		store:   store,
		mailer:  mailer,
		alerts:  alerts,
		clock:   clk,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
	}
}

// Dispatch records req and makes the first delivery attempt. A request whose dedup key
// is already known is a no-op: the row is either terminal or owned by the sweeper.
// Delivery failures are recorded on the row, not returned; only store errors are.
func (s *NotificationService) Dispatch(ctx context.Context, req domain.NotificationRequest) (outcome DispatchOutcome, err error) {
	ctx, span := tracer.Start(ctx, "notification.dispatch")
	defer func() { endSpan(span, err) }()

	if err := validateNotificationRequest(req); err != nil {
		return "", err
	}
	data, err := json.Marshal(req.Data)
	if err != nil {
		return "", fmt.Errorf("encode template data: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", req.OrderID), attribute.String("notification.event_type", req.EventType))

	now := s.clock.Now()
	n := domain.Notification{
		ID:            newID(),
		DedupKey:      domain.NotificationDedupKey(req.OrderID, req.EventType),
		OrderID:       req.OrderID,
		CustomerID:    req.CustomerID,
		Channel:       domain.ChannelEmail,
		TemplateID:    req.EventType,
		Recipient:     req.RecipientEmail,
		TemplateData:  data,
		Status:        domain.NotificationStatusPending,
		NextAttemptAt: now.Add(s.cfg.Lease),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	created, err := s.store.Insert(ctx, n)
	if err != nil {
		return "", err
	}
	if !created {
		s.metrics.NotificationsTotal.WithLabelValues(string(DispatchDuplicate)).Inc()
		s.logger.Info("notification already recorded, skipping",
			slog.String("dedup_key", n.DedupKey),
		)
		return DispatchDuplicate, nil
	}
	return s.attempt(ctx, n)
}

// RetryDue runs one sweep over due PENDING notifications and returns how many were
// attempted.
func (s *NotificationService) RetryDue(ctx context.Context) (int, error) {
	due, err := s.store.ClaimDue(ctx, s.clock.Now(), s.cfg.Lease, s.cfg.SweepBatch)
	if err != nil {
		return 0, err
	}
	for _, n := range due {
		if _, err := s.attempt(ctx, n); err != nil {
			return 0, err
		}
	}
	return len(due), nil
}

// RunSweeper calls RetryDue on every tick until ctx is done.
func (s *NotificationService) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepEvery)
	defer ticker.Stop()
	for {
		if _, err := s.RetryDue(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("notification sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleMessage adapts Dispatch to a broker consumer. Malformed messages are logged
// and acknowledged; store errors are returned so the message is redelivered.
func (s *NotificationService) HandleMessage(ctx context.Context, msg broker.Message) error {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(msg.Headers))

	var req domain.NotificationRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		s.logger.Error("dropping malformed notification request",
			slog.String("event_id", msg.Headers[broker.HeaderEventID]),
			slog.Any("error", err),
		)
		return nil
	}
	if req.EventType == "" {
		req.EventType = msg.Headers[broker.HeaderEventType]
	}

	outcome, err := s.Dispatch(ctx, req)
	if errors.Is(err, domain.ErrValidation) {
		s.logger.Error("dropping invalid notification request",
			slog.String("order_id", req.OrderID),
			slog.Any("error", err),
		)
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Debug("notification dispatched",
		slog.String("order_id", req.OrderID),
		slog.String("event_type", req.EventType),
		slog.String("outcome", string(outcome)),
	)
	return nil
}

func (s *NotificationService) attempt(ctx context.Context, n domain.Notification) (DispatchOutcome, error) {
	logger := s.logger.With(
		slog.String("notification_id", n.ID),
		slog.String("dedup_key", n.DedupKey),
		slog.Int("attempt", n.Attempts+1),
	)

	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	messageID, sendErr := s.mailer.Send(sendCtx, n.Recipient, n.TemplateID, n.TemplateData)
	cancel()

	now := s.clock.Now()
	attempts := n.Attempts + 1

	if sendErr == nil {
		applied, err := s.store.MarkSent(ctx, n.ID, n.Attempts, messageID, now)
		if err != nil {
			return "", err
		}
		if !applied {
			return s.superseded(logger), nil
		}
		s.metrics.NotificationsTotal.WithLabelValues(string(DispatchSent)).Inc()
		logger.Info("notification sent", slog.String("provider_message_id", messageID))
		return DispatchSent, nil
	}

	lastErr := sendErr.Error()
	if errors.Is(sendErr, domain.ErrPermanentProvider) || s.cfg.Retry.Exhausted(attempts) {
		applied, err := s.store.MarkFailed(ctx, n.ID, n.Attempts, lastErr, now)
		if err != nil {
			return "", err
		}
		if !applied {
			return s.superseded(logger), nil
		}
		s.metrics.NotificationsTotal.WithLabelValues(string(DispatchFailed)).Inc()
		logger.Warn("notification failed permanently", slog.Any("error", sendErr))
		s.raiseExhausted(ctx, n, attempts, sendErr, now)
		return DispatchFailed, nil
	}

	next := now.Add(s.cfg.Retry.Delay(attempts))
	applied, err := s.store.ScheduleRetry(ctx, n.ID, n.Attempts, lastErr, next, now)
	if err != nil {
		return "", err
	}
	if !applied {
		return s.superseded(logger), nil
	}
	s.metrics.NotificationsTotal.WithLabelValues(string(DispatchRetry)).Inc()
	logger.Warn("notification attempt failed, retry scheduled",
		slog.Time("next_attempt_at", next),
		slog.Any("error", sendErr),
	)
	return DispatchRetry, nil
}

// superseded covers a lease that expired mid-send and was taken over by another worker.
func (s *NotificationService) superseded(logger *slog.Logger) DispatchOutcome {
	s.metrics.NotificationsTotal.WithLabelValues(string(DispatchSuperseded)).Inc()
	logger.Warn("notification changed during attempt, result discarded")
	return DispatchSuperseded
}

func (s *NotificationService) raiseExhausted(ctx context.Context, n domain.Notification, attempts int, cause error, now time.Time) {
	if s.alerts == nil {
		return
	}
	err := s.alerts.Raise(ctx, alert.Alert{
		Kind:    alert.KindDeliveryExhausted,
		Subject: n.DedupKey,
		Message: fmt.Sprintf("%s: %s notification for order %s gave up after %d attempts", domain.ErrDeliveryExhausted, n.TemplateID, n.OrderID, attempts),
		Attributes: map[string]string{
			"notification_id": n.ID,
			"order_id":        n.OrderID,
			"attempts":        strconv.Itoa(attempts),
			"last_error":      cause.Error(),
		},
		RaisedAt: now,
	})
	if err != nil {
		s.logger.Error("failed to raise alert", slog.String("dedup_key", n.DedupKey), slog.Any("error", err))
	}
}

func validateNotificationRequest(req domain.NotificationRequest) error {
	switch {
	case strings.TrimSpace(req.OrderID) == "":
		return domain.NewValidationError("orderId", "required")
	case strings.TrimSpace(req.CustomerID) == "":
		return domain.NewValidationError("customerId", "required")
	case strings.TrimSpace(req.EventType) == "":
		return domain.NewValidationError("eventType", "required")
	case !strings.Contains(req.RecipientEmail, "@"):
		return domain.NewValidationError("recipientEmail", "must be an email address")
	}
	return nil
}

// Package outbox moves staged events from the ledger to the message bus. An event is
// marked published only after the broker acknowledged it, so a crash at any point
// leads to redelivery, never to loss.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cimillas/order-lifecycle/internal/alert"
	"github.com/cimillas/order-lifecycle/internal/backoff"
	"github.com/cimillas/order-lifecycle/internal/broker"
	"github.com/cimillas/order-lifecycle/internal/clock"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/cimillas/order-lifecycle/internal/outbox")

// Lease is the right to be the only draining relay.
type Lease interface {
	// Check returns an error once the lease can no longer be proven held.
	Check(ctx context.Context) error
	Release()
}

type Store interface {
	// AcquireLease makes this process the only relay. It returns a nil Lease while
	// another relay holds it.
	AcquireLease(ctx context.Context) (Lease, error)
	// ClaimBatch returns due STAGED events ordered by seq, leaving out any event whose
	// aggregate has an earlier STAGED event that is not due yet.
	ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error)
	MarkPublished(ctx context.Context, seq int64, now time.Time) error
	MarkFailed(ctx context.Context, seq int64, attempts int, lastErr string, next time.Time, needsAttention bool) error
	PurgePublished(ctx context.Context, before time.Time) (int64, error)
	CountStaged(ctx context.Context) (int64, error)
}

type Config struct {
	PollInterval time.Duration  `mapstructure:"poll_interval" yaml:"poll_interval"`
	BatchSize    int            `mapstructure:"batch_size" yaml:"batch_size"`
	Concurrency  int            `mapstructure:"concurrency" yaml:"concurrency"`
	Retry        backoff.Policy `mapstructure:"retry" yaml:"retry"`
	Retention    time.Duration  `mapstructure:"retention" yaml:"retention"`
	PublishWait  time.Duration  `mapstructure:"publish_timeout" yaml:"publish_timeout"`
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 10
	}
	if c.PublishWait <= 0 {
		c.PublishWait = 10 * time.Second
	}
	return c
}

type Relay struct {
	store     Store
	publisher broker.Publisher
	alerts    alert.Sink
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	wake      chan struct{}
	lastPurge time.Time
	mu        sync.Mutex
}

func NewRelay(store Store, publisher broker.Publisher, alerts alert.Sink, clk clock.Clock, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		alerts:    alerts,
		clock:     clk,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		metrics:   m,
		wake:      make(chan struct{}, 1),
	}
}

// Wake asks the relay to drain now instead of at the next tick. Never blocks.
func (r *Relay) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run drains the outbox until ctx is done. Only the lease holder drains; other
// instances keep trying to take the lease on every tick. The lease is re-checked
// before every batch and given up as soon as it cannot be proven held, so two
// relays never drain at once.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	var lease Lease
	defer func() {
		if lease != nil {
			lease.Release()
		}
	}()

	for {
		if lease == nil {
			l, err := r.store.AcquireLease(ctx)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				r.logger.Error("acquire relay lease failed", slog.Any("error", err))
			case l != nil:
				lease = l
				r.logger.Info("relay lease acquired")
			}
		}

		if lease != nil {
			err := r.drainUntilEmpty(ctx, lease)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, errLeaseLost):
				r.logger.Warn("relay lease lost, re-electing", slog.Any("error", err))
				lease.Release()
				lease = nil
			default:
				r.logger.Error("outbox drain failed", slog.Any("error", err))
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-r.wake:
		}
	}
}

var errLeaseLost = errors.New("relay lease lost")

func (r *Relay) drainUntilEmpty(ctx context.Context, lease Lease) error {
	for {
		if err := lease.Check(ctx); err != nil {
			return fmt.Errorf("%w: %w", errLeaseLost, err)
		}
		n, err := r.DrainOnce(ctx)
		if err != nil {
			return err
		}
		if n < r.cfg.BatchSize {
			return r.housekeeping(ctx)
		}
	}
}

// DrainOnce publishes one batch and returns how many events were claimed.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	events, err := r.store.ClaimBatch(ctx, r.clock.Now(), r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim outbox batch: %w", err)
	}
	if len(events) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, group := range groupByAggregate(events) {
		g.Go(func() error {
			return r.publishGroup(gctx, group)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(events), nil
}

// publishGroup publishes one aggregate's events in order and stops at the first
// failure, so a later event never overtakes an earlier one.
func (r *Relay) publishGroup(ctx context.Context, events []domain.OutboxEvent) error {
	for _, evt := range events {
		ok, err := r.publish(ctx, evt)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	return nil
}

// publish returns false when the broker rejected the event and it was rescheduled.
// Only store errors are returned.
func (r *Relay) publish(ctx context.Context, evt domain.OutboxEvent) (bool, error) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(evt.Headers))
	ctx, span := tracer.Start(ctx, "outbox.publish")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("outbox.seq", evt.Seq),
		attribute.String("outbox.topic", evt.Topic),
		attribute.String("outbox.aggregate_id", evt.AggregateID),
	)

	pubCtx, cancel := context.WithTimeout(ctx, r.cfg.PublishWait)
	pubErr := r.publisher.Publish(pubCtx, toMessage(evt))
	cancel()

	now := r.clock.Now()
	if pubErr == nil {
		if err := r.store.MarkPublished(ctx, evt.Seq, now); err != nil {
			// The broker has it; it will be published again and consumers dedupe.
			return false, fmt.Errorf("mark event %d published: %w", evt.Seq, err)
		}
		r.metrics.OutboxPublished.WithLabelValues(evt.Topic).Inc()
		return true, nil
	}

	span.RecordError(pubErr)
	span.SetStatus(codes.Error, pubErr.Error())
	r.metrics.OutboxPublishErrors.WithLabelValues(evt.Topic).Inc()

	attempts := evt.Attempts + 1
	flag := r.cfg.Retry.Exhausted(attempts)
	next := now.Add(r.cfg.Retry.Delay(attempts))
	if err := r.store.MarkFailed(ctx, evt.Seq, attempts, pubErr.Error(), next, flag); err != nil {
		return false, fmt.Errorf("reschedule event %d: %w", evt.Seq, err)
	}

	logger := r.logger.With(
		slog.Int64("event_seq", evt.Seq),
		slog.String("topic", evt.Topic),
		slog.String("aggregate_id", evt.AggregateID),
		slog.Int("attempt", attempts),
	)
	if flag && !evt.NeedsAttention {
		r.metrics.OutboxFlagged.Inc()
		logger.Error("outbox event needs attention", slog.Any("error", pubErr))
		r.raiseStuck(ctx, evt, attempts, pubErr, now)
	} else {
		logger.Warn("outbox publish failed, retry scheduled",
			slog.Time("next_attempt_at", next),
			slog.Any("error", pubErr),
		)
	}
	return false, nil
}

func (r *Relay) raiseStuck(ctx context.Context, evt domain.OutboxEvent, attempts int, cause error, now time.Time) {
	if r.alerts == nil {
		return
	}
	err := r.alerts.Raise(ctx, alert.Alert{
		Kind:    alert.KindOutboxStuck,
		Subject: evt.ID,
		Message: fmt.Sprintf("outbox event %d (%s) for %s still unpublished after %d attempts", evt.Seq, evt.EventType, evt.AggregateID, attempts),
		Attributes: map[string]string{
			"topic":        evt.Topic,
			"aggregate_id": evt.AggregateID,
			"seq":          strconv.FormatInt(evt.Seq, 10),
			"last_error":   cause.Error(),
		},
		RaisedAt: now,
	})
	if err != nil {
		r.logger.Error("failed to raise alert", slog.Int64("event_seq", evt.Seq), slog.Any("error", err))
	}
}

// housekeeping refreshes the backlog gauge and purges old published rows at most once
// per retention/10.
func (r *Relay) housekeeping(ctx context.Context) error {
	staged, err := r.store.CountStaged(ctx)
	if err != nil {
		return fmt.Errorf("count staged events: %w", err)
	}
	r.metrics.OutboxBacklog.Set(float64(staged))

	if r.cfg.Retention <= 0 {
		return nil
	}
	now := r.clock.Now()
	r.mu.Lock()
	due := now.Sub(r.lastPurge) >= r.cfg.Retention/10
	if due {
		r.lastPurge = now
	}
	r.mu.Unlock()
	if !due {
		return nil
	}

	purged, err := r.store.PurgePublished(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		return fmt.Errorf("purge published events: %w", err)
	}
	if purged > 0 {
		r.logger.Info("purged published outbox events", slog.Int64("count", purged))
	}
	return nil
}

func toMessage(evt domain.OutboxEvent) broker.Message {
	headers := make(map[string]string, len(evt.Headers)+3)
	for k, v := range evt.Headers {
		headers[k] = v
	}
	headers[broker.HeaderEventID] = evt.ID
	headers[broker.HeaderEventType] = evt.EventType
	headers[broker.HeaderAggregateID] = evt.AggregateID
	return broker.Message{
		Topic:   evt.Topic,
		Key:     evt.AggregateID,
		Value:   evt.Payload,
		Headers: headers,
	}
}

// groupByAggregate keeps seq order inside each group and orders groups by their
// first event.
func groupByAggregate(events []domain.OutboxEvent) [][]domain.OutboxEvent {
	index := make(map[string]int)
	var groups [][]domain.OutboxEvent
	for _, evt := range events {
		i, ok := index[evt.AggregateID]
		if !ok {
			i = len(groups)
			index[evt.AggregateID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], evt)
	}
	return groups
}

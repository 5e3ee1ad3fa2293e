// Package broker adapts message buses to the at-least-once contract the outbox relay
// and the notification consumer rely on: Publish returns only after the broker
// acknowledged the message, and a consumer acknowledges a message only after its
// handler returned nil.
package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cimillas/order-lifecycle/internal/backoff"
)

const (
	HeaderEventID     = "event-id"
	HeaderEventType   = "event-type"
	HeaderAggregateID = "aggregate-id"
)

// Message is a broker-neutral envelope. Key selects the partition where the bus has one.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Handler processes one delivered message. Returning an error leaves the message
// unacknowledged so it is delivered again.
type Handler func(ctx context.Context, msg Message) error

type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
	Close() error
}

// redeliveryPolicy spaces out in-place retries of a failing handler.
var redeliveryPolicy = backoff.Policy{
	MaxAttempts: 1,
	BaseDelay:   200 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Jitter:      0.2,
}

// handleUntilDone retries handler on the same message until it succeeds or ctx ends,
// so later messages of the same partition never overtake it.
func handleUntilDone(ctx context.Context, logger *slog.Logger, handler Handler, msg Message) error {
	for attempt := 1; ; attempt++ {
		err := handler(ctx, msg)
		if err == nil {
			return nil
		}
		logger.Warn("message handler failed, redelivering",
			slog.String("topic", msg.Topic),
			slog.String("key", msg.Key),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
		t := time.NewTimer(redeliveryPolicy.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxListener turns outbox_staged notifications into relay wake-ups.
type OutboxListener struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewOutboxListener(pool *pgxpool.Pool, logger *slog.Logger) *OutboxListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxListener{pool: pool, logger: logger}
}

// Listen calls onNotify for every committed staging transaction until ctx is done.
// A dropped connection is re-established after a short pause; the relay's poll
// interval covers anything missed meanwhile.
func (l *OutboxListener) Listen(ctx context.Context, onNotify func()) error {
	for {
		err := l.listenOnce(ctx, onNotify)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("outbox listener disconnected, reconnecting", slog.Any("error", err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (l *OutboxListener) listenOnce(ctx context.Context, onNotify func()) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+OutboxChannel); err != nil {
		return fmt.Errorf("listen %s: %w", OutboxChannel, err)
	}
	// Catch up on anything staged before LISTEN took effect.
	onNotify()

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			// The session still has LISTEN active; drop it instead of returning it to the pool.
			_ = conn.Conn().Close(context.WithoutCancel(ctx))
			return err
		}
		onNotify()
	}
}

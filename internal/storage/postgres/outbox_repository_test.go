package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/outbox"
	"github.com/cimillas/order-lifecycle/internal/testutil"
	"github.com/google/uuid"
)

func newTestEvent(aggregateID string, now time.Time) domain.OutboxEvent {
	return domain.OutboxEvent{
		ID:            uuid.NewString(),
		AggregateID:   aggregateID,
		Topic:         domain.TopicNotificationsToSend,
		EventType:     domain.EventTypeOrderConfirmation,
		Payload:       json.RawMessage(`{"orderId":"` + aggregateID + `"}`),
		Headers:       map[string]string{"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"},
		Status:        domain.OutboxStatusStaged,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
}

func TestOutboxRepository(t *testing.T) {
	pool := testutil.NewTestPool(t)
	repo := NewOutboxRepository(pool)
	orders := NewOrderRepository(pool)
	testutil.ApplyMigrations(t, context.Background(), pool)

	now := time.Now().UTC().Truncate(time.Microsecond)

	stage := func(t *testing.T, ctx context.Context, evt domain.OutboxEvent) int64 {
		t.Helper()
		var seq int64
		err := orders.WithTx(ctx, func(txCtx context.Context) error {
			var err error
			seq, err = repo.Stage(txCtx, evt)
			return err
		})
		if err != nil {
			t.Fatalf("stage: %v", err)
		}
		return seq
	}

	t.Run("Stage requires a transaction", func(t *testing.T) {
		if _, err := repo.Stage(context.Background(), newTestEvent("a", now)); err == nil {
			t.Fatalf("expected error staging outside a transaction")
		}
	})

	t.Run("staged event is invisible until commit", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		err := orders.WithTx(ctx, func(txCtx context.Context) error {
			if _, err := repo.Stage(txCtx, newTestEvent("order-1", now)); err != nil {
				return err
			}
			batch, err := repo.ClaimBatch(ctx, now, 10)
			if err != nil {
				return err
			}
			if len(batch) != 0 {
				t.Errorf("expected uncommitted event to be invisible, got %d", len(batch))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("tx: %v", err)
		}

		batch, err := repo.ClaimBatch(ctx, now, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(batch) != 1 {
			t.Fatalf("expected committed event to be visible, got %d", len(batch))
		}
		evt := batch[0]
		if evt.Headers["traceparent"] == "" || string(evt.Payload) == "" || evt.Status != domain.OutboxStatusStaged {
			t.Fatalf("unexpected event %+v", evt)
		}
	})

	t.Run("ClaimBatch holds back events behind a parked predecessor", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		first := stage(t, ctx, newTestEvent("order-1", now))
		second := stage(t, ctx, newTestEvent("order-1", now))
		other := stage(t, ctx, newTestEvent("order-2", now))
		if !(first < second && second < other) {
			t.Fatalf("expected increasing seq, got %d %d %d", first, second, other)
		}

		if err := repo.MarkFailed(ctx, first, 1, "broker down", now.Add(time.Minute), false); err != nil {
			t.Fatalf("mark failed: %v", err)
		}

		batch, err := repo.ClaimBatch(ctx, now, 10)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if len(batch) != 1 || batch[0].Seq != other {
			t.Fatalf("expected only the other aggregate's event, got %+v", batch)
		}

		batch, err = repo.ClaimBatch(ctx, now.Add(2*time.Minute), 10)
		if err != nil {
			t.Fatalf("claim after backoff: %v", err)
		}
		if len(batch) != 3 || batch[0].Seq != first || batch[1].Seq != second {
			t.Fatalf("expected all events in seq order after backoff, got %d", len(batch))
		}
		if batch[0].Attempts != 1 || batch[0].LastError != "broker down" {
			t.Fatalf("expected failure bookkeeping, got %+v", batch[0])
		}
	})

	t.Run("MarkPublished, CountStaged and PurgePublished", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)

		a := stage(t, ctx, newTestEvent("order-1", now))
		stage(t, ctx, newTestEvent("order-2", now))

		if err := repo.MarkPublished(ctx, a, now); err != nil {
			t.Fatalf("mark published: %v", err)
		}
		staged, err := repo.CountStaged(ctx)
		if err != nil || staged != 1 {
			t.Fatalf("expected 1 staged, got %d (%v)", staged, err)
		}

		purged, err := repo.PurgePublished(ctx, now.Add(-time.Hour))
		if err != nil || purged != 0 {
			t.Fatalf("expected nothing old enough to purge, got %d (%v)", purged, err)
		}
		purged, err = repo.PurgePublished(ctx, now.Add(time.Second))
		if err != nil || purged != 1 {
			t.Fatalf("expected 1 purged, got %d (%v)", purged, err)
		}
		if n := testutil.CountRows(t, ctx, pool, `SELECT count(*) FROM outbox_events`); n != 1 {
			t.Fatalf("expected staged event to survive purge, got %d rows", n)
		}
	})

	t.Run("MarkFailed keeps the attention flag once set", func(t *testing.T) {
		ctx := context.Background()
		testutil.TruncateAll(t, ctx, pool)
		seq := stage(t, ctx, newTestEvent("order-1", now))

		if err := repo.MarkFailed(ctx, seq, 10, "still down", now, true); err != nil {
			t.Fatalf("flag: %v", err)
		}
		if err := repo.MarkFailed(ctx, seq, 11, "still down", now, false); err != nil {
			t.Fatalf("reschedule: %v", err)
		}
		batch, err := repo.ClaimBatch(ctx, now, 10)
		if err != nil || len(batch) != 1 {
			t.Fatalf("claim: %d (%v)", len(batch), err)
		}
		if !batch[0].NeedsAttention || batch[0].Attempts != 11 {
			t.Fatalf("expected flagged event with 11 attempts, got %+v", batch[0])
		}
	})

	t.Run("AcquireLease elects a single relay", func(t *testing.T) {
		ctx := context.Background()

		lease, err := repo.AcquireLease(ctx)
		if err != nil || lease == nil {
			t.Fatalf("expected first lease, got lease=%v err=%v", lease, err)
		}
		if err := lease.Check(ctx); err != nil {
			t.Fatalf("expected held lease to check, got %v", err)
		}
		second, err := repo.AcquireLease(ctx)
		if err != nil || second != nil {
			t.Fatalf("expected second lease to be refused, got lease=%v err=%v", second, err)
		}
		lease.Release()

		third, err := repo.AcquireLease(ctx)
		if err != nil || third == nil {
			t.Fatalf("expected lease after release, got lease=%v err=%v", third, err)
		}
		third.Release()
	})

	t.Run("lease check fails once the lock session is gone", func(t *testing.T) {
		ctx := context.Background()

		lease, err := repo.AcquireLease(ctx)
		if err != nil || lease == nil {
			t.Fatalf("expected lease, got lease=%v err=%v", lease, err)
		}
		held := lease.(*relayLease)
		var pid int32
		if err := held.conn.QueryRow(ctx, `SELECT pg_backend_pid()`).Scan(&pid); err != nil {
			t.Fatalf("backend pid: %v", err)
		}
		if _, err := pool.Exec(ctx, `SELECT pg_terminate_backend($1)`, pid); err != nil {
			t.Fatalf("terminate lease session: %v", err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for lease.Check(ctx) == nil {
			if time.Now().After(deadline) {
				t.Fatalf("expected lease check to fail after the session was terminated")
			}
			time.Sleep(20 * time.Millisecond)
		}
		lease.Release()

		var next outbox.Lease
		for next == nil {
			next, err = repo.AcquireLease(ctx)
			if err != nil {
				t.Fatalf("acquire after termination: %v", err)
			}
			if next == nil && time.Now().After(deadline) {
				t.Fatalf("expected the lock to be free for a standby")
			}
			time.Sleep(20 * time.Millisecond)
		}
		next.Release()
	})

	t.Run("listener wakes on commit only", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		testutil.TruncateAll(t, ctx, pool)

		wakes := make(chan struct{}, 16)
		listener := NewOutboxListener(pool, nil)
		listenCtx, stop := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() {
			done <- listener.Listen(listenCtx, func() { wakes <- struct{}{} })
		}()

		// Initial catch-up wake-up once LISTEN is active.
		select {
		case <-wakes:
		case <-ctx.Done():
			t.Fatalf("listener never started")
		}

		_ = orders.WithTx(ctx, func(txCtx context.Context) error {
			if _, err := repo.Stage(txCtx, newTestEvent("rolled-back", now)); err != nil {
				return err
			}
			return context.Canceled
		})
		select {
		case <-wakes:
			t.Fatalf("expected no wake-up for a rolled back transaction")
		case <-time.After(200 * time.Millisecond):
		}

		stage(t, ctx, newTestEvent("committed", now))
		select {
		case <-wakes:
		case <-ctx.Done():
			t.Fatalf("expected wake-up after commit")
		}

		stop()
		<-done
	})
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/outbox"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OutboxChannel is notified, on commit, by every transaction that stages an event.
const OutboxChannel = "outbox_staged"

// relayLockID keys the session advisory lock that elects the single active relay.
const relayLockID int64 = 4_242_001

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Stage writes evt in the transaction carried by ctx and returns its sequence id.
// Staging outside a transaction is refused: the event would no longer share the
// fate of the state change it describes.
func (r *OutboxRepository) Stage(ctx context.Context, evt domain.OutboxEvent) (int64, error) {
	tx := txFromContext(ctx)
	if tx == nil {
		return 0, errors.New("stage outbox event: no transaction in context")
	}

	headers := evt.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	const stmt = `
INSERT INTO outbox_events (id, aggregate_id, topic, event_type, payload, headers, status, next_attempt_at, created_at)
VALUES ($1, $2, $3, $4, $5, $6, 'STAGED', $7, $8)
RETURNING seq`

	var seq int64
	err := tx.QueryRow(ctx, stmt,
		evt.ID, evt.AggregateID, evt.Topic, evt.EventType, string(evt.Payload), headers, evt.NextAttemptAt, evt.CreatedAt,
	).Scan(&seq)
	if err != nil {
		return 0, classify(fmt.Errorf("stage outbox event: %w", err))
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, OutboxChannel, evt.AggregateID); err != nil {
		return 0, classify(fmt.Errorf("notify outbox: %w", err))
	}
	return seq, nil
}

// ClaimBatch returns due STAGED events in seq order. An event is held back while an
// earlier STAGED event of the same aggregate is waiting for its retry.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	const query = `
SELECT e.seq, e.id, e.aggregate_id, e.topic, e.event_type, e.payload, e.headers, e.status,
       e.attempts, e.needs_attention, e.last_error, e.next_attempt_at, e.created_at, e.published_at
FROM outbox_events e
WHERE e.status = 'STAGED'
  AND e.next_attempt_at <= $1
  AND NOT EXISTS (
    SELECT 1 FROM outbox_events p
    WHERE p.aggregate_id = e.aggregate_id
      AND p.status = 'STAGED'
      AND p.seq < e.seq
      AND p.next_attempt_at > $1
  )
ORDER BY e.seq
LIMIT $2`

	rows, err := connFrom(ctx, r.pool).Query(ctx, query, now, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("claim outbox batch: %w", err))
	}
	events, err := pgx.CollectRows(rows, scanOutboxEvent)
	if err != nil {
		return nil, classify(fmt.Errorf("scan outbox batch: %w", err))
	}
	return events, nil
}

func scanOutboxEvent(row pgx.CollectableRow) (domain.OutboxEvent, error) {
	var (
		evt     domain.OutboxEvent
		status  string
		payload []byte
	)
	err := row.Scan(&evt.Seq, &evt.ID, &evt.AggregateID, &evt.Topic, &evt.EventType, &payload, &evt.Headers, &status,
		&evt.Attempts, &evt.NeedsAttention, &evt.LastError, &evt.NextAttemptAt, &evt.CreatedAt, &evt.PublishedAt)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	evt.Payload = payload
	evt.Status = domain.OutboxStatus(status)
	return evt, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, seq int64, now time.Time) error {
	const stmt = `
UPDATE outbox_events
SET status = 'PUBLISHED', published_at = $2, last_error = ''
WHERE seq = $1 AND status = 'STAGED'`

	if _, err := connFrom(ctx, r.pool).Exec(ctx, stmt, seq, now); err != nil {
		return classify(fmt.Errorf("mark outbox event published: %w", err))
	}
	return nil
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, seq int64, attempts int, lastErr string, next time.Time, needsAttention bool) error {
	const stmt = `
UPDATE outbox_events
SET attempts = $2, last_error = $3, next_attempt_at = $4, needs_attention = needs_attention OR $5
WHERE seq = $1 AND status = 'STAGED'`

	if _, err := connFrom(ctx, r.pool).Exec(ctx, stmt, seq, attempts, lastErr, next, needsAttention); err != nil {
		return classify(fmt.Errorf("mark outbox event failed: %w", err))
	}
	return nil
}

func (r *OutboxRepository) PurgePublished(ctx context.Context, before time.Time) (int64, error) {
	tag, err := connFrom(ctx, r.pool).Exec(ctx,
		`DELETE FROM outbox_events WHERE status = 'PUBLISHED' AND published_at < $1`, before)
	if err != nil {
		return 0, classify(fmt.Errorf("purge outbox events: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepository) CountStaged(ctx context.Context) (int64, error) {
	var n int64
	err := connFrom(ctx, r.pool).QueryRow(ctx, `SELECT count(*) FROM outbox_events WHERE status = 'STAGED'`).Scan(&n)
	if err != nil {
		return 0, classify(fmt.Errorf("count staged outbox events: %w", err))
	}
	return n, nil
}

// AcquireLease takes the relay advisory lock on a dedicated connection. The lock is
// held until Release is called or the connection drops. A nil lease means another
// session holds the lock.
func (r *OutboxRepository) AcquireLease(ctx context.Context) (outbox.Lease, error) {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, classify(fmt.Errorf("acquire lease connection: %w", err))
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, relayLockID).Scan(&ok); err != nil {
		conn.Release()
		return nil, classify(fmt.Errorf("try relay lock: %w", err))
	}
	if !ok {
		conn.Release()
		return nil, nil
	}
	return &relayLease{conn: conn}, nil
}

const leaseCheckTimeout = 2 * time.Second

type relayLease struct {
	conn *pgxpool.Conn
}

// Check asks the server, on the session that took the lock, whether the lock is still
// granted to it. A dropped connection fails the query.
func (l *relayLease) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, leaseCheckTimeout)
	defer cancel()

	var held bool
	err := l.conn.QueryRow(ctx, `
SELECT EXISTS (
	SELECT 1 FROM pg_locks
	WHERE locktype = 'advisory'
	  AND pid = pg_backend_pid()
	  AND granted
	  AND objsubid = 1
	  AND ((classid::bigint << 32) | objid::bigint) = $1
)`, relayLockID).Scan(&held)
	if err != nil {
		return classify(fmt.Errorf("check relay lock: %w", err))
	}
	if !held {
		return errors.New("relay lock no longer held by this session")
	}
	return nil
}

func (l *relayLease) Release() {
	if l.conn.Conn().IsClosed() {
		l.conn.Release()
		return
	}
	_, _ = l.conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, relayLockID)
	l.conn.Release()
}

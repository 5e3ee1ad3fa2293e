package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

const notificationColumns = `id, dedup_key, order_id, customer_id, channel, template_id, recipient, template_data,
       status, attempts, provider_message_id, last_error, next_attempt_at, created_at, updated_at`

func (r *NotificationRepository) Insert(ctx context.Context, n domain.Notification) (bool, error) {
	const stmt = `
INSERT INTO notifications (id, dedup_key, order_id, customer_id, channel, template_id, recipient, template_data,
                           status, attempts, next_attempt_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (dedup_key) DO NOTHING`

	if _, err := uuid.Parse(n.OrderID); err != nil {
		return false, domain.NewValidationError("orderId", "must be a UUID")
	}
	if _, err := uuid.Parse(n.CustomerID); err != nil {
		return false, domain.NewValidationError("customerId", "must be a UUID")
	}

	data := string(n.TemplateData)
	if data == "" {
		data = "{}"
	}
	tag, err := connFrom(ctx, r.pool).Exec(ctx, stmt,
		n.ID, n.DedupKey, n.OrderID, n.CustomerID, n.Channel, n.TemplateID, n.Recipient, data,
		n.Status, n.Attempts, n.NextAttemptAt, n.CreatedAt, n.UpdatedAt,
	)
	if err != nil {
		return false, classify(fmt.Errorf("insert notification: %w", err))
	}
	return tag.RowsAffected() == 1, nil
}

func (r *NotificationRepository) MarkSent(ctx context.Context, id string, prevAttempts int, messageID string, now time.Time) (bool, error) {
	const stmt = `
UPDATE notifications
SET status = 'SENT', attempts = $2 + 1, provider_message_id = $3, last_error = '', updated_at = $4
WHERE id = $1 AND status = 'PENDING' AND attempts = $2`

	return r.transition(ctx, "mark notification sent", stmt, id, prevAttempts, messageID, now)
}

func (r *NotificationRepository) ScheduleRetry(ctx context.Context, id string, prevAttempts int, lastErr string, next, now time.Time) (bool, error) {
	const stmt = `
UPDATE notifications
SET attempts = $2 + 1, last_error = $3, next_attempt_at = $4, updated_at = $5
WHERE id = $1 AND status = 'PENDING' AND attempts = $2`

	return r.transition(ctx, "schedule notification retry", stmt, id, prevAttempts, lastErr, next, now)
}

func (r *NotificationRepository) MarkFailed(ctx context.Context, id string, prevAttempts int, lastErr string, now time.Time) (bool, error) {
	const stmt = `
UPDATE notifications
SET status = 'FAILED', attempts = $2 + 1, last_error = $3, updated_at = $4
WHERE id = $1 AND status = 'PENDING' AND attempts = $2`

	return r.transition(ctx, "mark notification failed", stmt, id, prevAttempts, lastErr, now)
}

func (r *NotificationRepository) transition(ctx context.Context, op, stmt string, args ...any) (bool, error) {
	tag, err := connFrom(ctx, r.pool).Exec(ctx, stmt, args...)
	if err != nil {
		return false, classify(fmt.Errorf("%s: %w", op, err))
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue leases due PENDING rows by pushing their next attempt past the lease. Rows
// locked by a concurrent sweeper are skipped rather than waited on.
func (r *NotificationRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.Notification, error) {
	const stmt = `
UPDATE notifications n
SET next_attempt_at = $2
FROM (
  SELECT id FROM notifications
  WHERE status = 'PENDING' AND next_attempt_at <= $1
  ORDER BY next_attempt_at
  LIMIT $3
  FOR UPDATE SKIP LOCKED
) due
WHERE n.id = due.id
RETURNING n.id, n.dedup_key, n.order_id, n.customer_id, n.channel, n.template_id, n.recipient, n.template_data,
          n.status, n.attempts, n.provider_message_id, n.last_error, n.next_attempt_at, n.created_at, n.updated_at`

	rows, err := connFrom(ctx, r.pool).Query(ctx, stmt, now, now.Add(lease), limit)
	if err != nil {
		return nil, classify(fmt.Errorf("claim due notifications: %w", err))
	}
	claimed, err := pgx.CollectRows(rows, scanNotification)
	if err != nil {
		return nil, classify(fmt.Errorf("scan due notifications: %w", err))
	}
	return claimed, nil
}

func (r *NotificationRepository) GetByDedupKey(ctx context.Context, dedupKey string) (domain.Notification, error) {
	rows, err := connFrom(ctx, r.pool).Query(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE dedup_key = $1`, dedupKey)
	if err != nil {
		return domain.Notification{}, classify(fmt.Errorf("get notification: %w", err))
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanNotification)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("get notification %s: %w", dedupKey, err)
	}
	return n, nil
}

func scanNotification(row pgx.CollectableRow) (domain.Notification, error) {
	var (
		n      domain.Notification
		status string
		data   []byte
	)
	err := row.Scan(&n.ID, &n.DedupKey, &n.OrderID, &n.CustomerID, &n.Channel, &n.TemplateID, &n.Recipient, &data,
		&status, &n.Attempts, &n.ProviderMessageID, &n.LastError, &n.NextAttemptAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return domain.Notification{}, err
	}
	n.TemplateData = data
	n.Status = domain.NotificationStatus(status)
	return n, nil
}

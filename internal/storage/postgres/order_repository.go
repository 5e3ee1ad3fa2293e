package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrderRepository owns customers, orders, their line items and payments.
type OrderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

const orderColumns = `id, customer_id, shipping_address, total_amount_cents, currency, status, version, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(&o.ID, &o.CustomerID, &o.ShippingAddress, &o.TotalAmountCents, &o.Currency, &status, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	return o, nil
}

func (r *OrderRepository) GetCustomer(ctx context.Context, customerID string) (domain.Customer, error) {
	const query = `SELECT id, email, name FROM customers WHERE id = $1`

	var c domain.Customer
	err := connFrom(ctx, r.pool).QueryRow(ctx, query, customerID).Scan(&c.ID, &c.Email, &c.Name)
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.Customer{}, domain.ErrCustomerNotFound
		}
		return domain.Customer{}, classify(fmt.Errorf("get customer: %w", err))
	}
	return c, nil
}

// CreateOrder inserts the order and its line items. It must run inside WithTx.
func (r *OrderRepository) CreateOrder(ctx context.Context, order domain.Order) error {
	tx := txFromContext(ctx)
	if tx == nil {
		return errors.New("create order: no transaction in context")
	}

	const stmt = `
INSERT INTO orders (id, customer_id, shipping_address, total_amount_cents, currency, status, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := tx.Exec(ctx, stmt,
		order.ID, order.CustomerID, order.ShippingAddress, order.TotalAmountCents,
		order.Currency, order.Status, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrCustomerNotFound
		}
		return classify(fmt.Errorf("create order: %w", err))
	}

	const itemStmt = `
INSERT INTO order_items (order_id, line_no, product_sku, quantity, price_at_purchase_cents)
VALUES ($1, $2, $3, $4, $5)`

	batch := &pgx.Batch{}
	for i, item := range order.Items {
		batch.Queue(itemStmt, order.ID, i+1, item.SKU, item.Quantity, item.PriceAtPurchase)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return classify(fmt.Errorf("create order items: %w", err))
	}
	return nil
}

func (r *OrderRepository) CreatePayment(ctx context.Context, p domain.Payment) error {
	const stmt = `
INSERT INTO payments (id, order_id, payment_provider, provider_payment_id, amount_cents, status, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := connFrom(ctx, r.pool).Exec(ctx, stmt,
		p.ID, p.OrderID, p.Provider, p.ProviderPaymentID, p.AmountCents, p.Status, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: provider payment %s already recorded", domain.ErrPaymentConflict, p.ProviderPaymentID)
		}
		return classify(fmt.Errorf("create payment: %w", err))
	}
	return nil
}

// MarkOrderPaid confirms a PENDING_PAYMENT order. The status predicate is the
// idempotency guard: a concurrent or replayed confirmation waits on the row lock,
// re-evaluates the predicate and updates nothing.
func (r *OrderRepository) MarkOrderPaid(ctx context.Context, orderID string, now time.Time) (domain.Order, bool, error) {
	const stmt = `
UPDATE orders
SET status = 'PAYMENT_CONFIRMED', version = version + 1, updated_at = $2
WHERE id = $1 AND status = 'PENDING_PAYMENT'
RETURNING ` + orderColumns

	c := connFrom(ctx, r.pool)
	order, err := scanOrder(c.QueryRow(ctx, stmt, orderID, now))
	if err == nil {
		return order, true, nil
	}
	if isInvalidUUID(err) {
		return domain.Order{}, false, domain.ErrOrderNotFound
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, false, classify(fmt.Errorf("mark order paid: %w", err))
	}

	order, err = scanOrder(c.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, false, domain.ErrOrderNotFound
		}
		return domain.Order{}, false, classify(fmt.Errorf("get order: %w", err))
	}
	return order, false, nil
}

func (r *OrderRepository) MarkPaymentSucceeded(ctx context.Context, orderID, providerPaymentID string, now time.Time) error {
	const stmt = `
UPDATE payments
SET status = 'SUCCEEDED', updated_at = $3
WHERE order_id = $1 AND provider_payment_id = $2`

	tag, err := connFrom(ctx, r.pool).Exec(ctx, stmt, orderID, providerPaymentID, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrPaymentConflict
		}
		if isInvalidUUID(err) {
			return domain.ErrPaymentNotFound
		}
		return classify(fmt.Errorf("mark payment succeeded: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPaymentNotFound
	}
	return nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	c := connFrom(ctx, r.pool)
	order, err := scanOrder(c.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, classify(fmt.Errorf("get order: %w", err))
	}

	const itemsQuery = `
SELECT product_sku, quantity, price_at_purchase_cents
FROM order_items
WHERE order_id = $1
ORDER BY line_no`

	rows, err := c.Query(ctx, itemsQuery, orderID)
	if err != nil {
		return domain.Order{}, classify(fmt.Errorf("get order items: %w", err))
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.LineItem, error) {
		item := domain.LineItem{OrderID: orderID}
		err := row.Scan(&item.SKU, &item.Quantity, &item.PriceAtPurchase)
		return item, err
	})
	if err != nil {
		return domain.Order{}, classify(fmt.Errorf("scan order items: %w", err))
	}
	order.Items = items
	return order, nil
}

// GetPaymentByOrder returns the most recent payment of the order.
func (r *OrderRepository) GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error) {
	const query = `
SELECT id, order_id, payment_provider, provider_payment_id, amount_cents, status, created_at, updated_at
FROM payments
WHERE order_id = $1
ORDER BY created_at DESC
LIMIT 1`

	var p domain.Payment
	var status string
	err := connFrom(ctx, r.pool).QueryRow(ctx, query, orderID).
		Scan(&p.ID, &p.OrderID, &p.Provider, &p.ProviderPaymentID, &p.AmountCents, &status, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isInvalidUUID(err) || errors.Is(err, pgx.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, classify(fmt.Errorf("get payment: %w", err))
	}
	p.Status = domain.PaymentStatus(status)
	return p, nil
}

package domain

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusSucceeded PaymentStatus = "SUCCEEDED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
)

// Payment links an order to the provider's payment intent.
// At most one payment per order may be SUCCEEDED.
type Payment struct {
	ID                string
	OrderID           string
	Provider          string
	ProviderPaymentID string
	AmountCents       int64
	Status            PaymentStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

package domain

import "time"

type OrderStatus string

const (
	OrderStatusPendingPayment   OrderStatus = "PENDING_PAYMENT"
	OrderStatusPaymentConfirmed OrderStatus = "PAYMENT_CONFIRMED"
	OrderStatusCancelled        OrderStatus = "CANCELLED"
)

// Address is the shipping destination captured at checkout.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// Order is the header row of a purchase. Status only moves forward; rows are never deleted.
type Order struct {
	ID               string
	CustomerID       string
	ShippingAddress  Address
	TotalAmountCents int64
	Currency         string
	Status           OrderStatus
	Version          int64
	Items            []LineItem
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// LineItem is immutable once written with its order.
type LineItem struct {
	OrderID         string
	SKU             string
	Quantity        int
	PriceAtPurchase int64
}

func (i LineItem) Subtotal() int64 {
	return int64(i.Quantity) * i.PriceAtPurchase
}

// Customer is the resolvable buyer referenced by an order.
type Customer struct {
	ID    string
	Email string
	Name  string
}

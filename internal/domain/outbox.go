package domain

import (
	"encoding/json"
	"time"
)

const (
	TopicNotificationsToSend     = "notifications-to-send"
	TopicOrdersPaymentConfirmed  = "orders-payment-confirmed"
	TopicOperationalAlerts       = "ops-alerts"
	EventTypeOrderConfirmation   = "ORDER_CONFIRMATION"
	EventTypePaymentConfirmation = "PAYMENT_CONFIRMATION"
	EventTypeOrderPaid           = "ORDER_PAYMENT_CONFIRMED"
)

type OutboxStatus string

const (
	OutboxStatusStaged    OutboxStatus = "STAGED"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
)

// OutboxEvent is a message staged in the same transaction as the state change it describes.
// Seq is assigned by the store and orders events for publishing.
type OutboxEvent struct {
	Seq            int64
	ID             string
	AggregateID    string
	Topic          string
	EventType      string
	Payload        json.RawMessage
	Headers        map[string]string
	Status         OutboxStatus
	Attempts       int
	NeedsAttention bool
	LastError      string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	PublishedAt    *time.Time
}

// NotificationRequest is the payload of a notifications-to-send message.
type NotificationRequest struct {
	EventType      string           `json:"eventType"`
	RecipientEmail string           `json:"recipientEmail"`
	CustomerID     string           `json:"customerId"`
	OrderID        string           `json:"orderId"`
	Data           NotificationData `json:"data"`
}

// NotificationData is handed to the email template as-is.
type NotificationData struct {
	OrderNumber  string `json:"orderNumber"`
	CustomerName string `json:"customerName"`
	TotalAmount  string `json:"totalAmount"`
	Currency     string `json:"currency"`
}

// ConfirmedOrder is the payload of an orders-payment-confirmed message.
type ConfirmedOrder struct {
	ID               string      `json:"id"`
	CustomerID       string      `json:"customerId"`
	Status           OrderStatus `json:"status"`
	TotalAmountCents int64       `json:"totalAmountCents"`
	Currency         string      `json:"currency"`
	Version          int64       `json:"version"`
	UpdatedAt        time.Time   `json:"updatedAt"`
}

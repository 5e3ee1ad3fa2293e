package domain

import (
	"encoding/json"
	"time"
)

type NotificationStatus string

const (
	NotificationStatusPending NotificationStatus = "PENDING"
	NotificationStatusSent    NotificationStatus = "SENT"
	NotificationStatusFailed  NotificationStatus = "FAILED"
)

const ChannelEmail = "EMAIL"

// Notification records every attempt to deliver one notification request.
type Notification struct {
	ID                string
	DedupKey          string
	OrderID           string
	CustomerID        string
	Channel           string
	TemplateID        string
	Recipient         string
	TemplateData      json.RawMessage
	Status            NotificationStatus
	Attempts          int
	ProviderMessageID string
	LastError         string
	NextAttemptAt     time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Terminal reports whether no further attempts will be made.
func (n Notification) Terminal() bool {
	return n.Status == NotificationStatusSent || n.Status == NotificationStatusFailed
}

// NotificationDedupKey identifies one logical notification per order and event type.
func NotificationDedupKey(orderID, eventType string) string {
	return orderID + ":" + eventType
}

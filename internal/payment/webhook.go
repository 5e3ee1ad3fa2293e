package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
)

const (
	SignatureHeader = "Stripe-Signature"

	EventPaymentSucceeded = "payment_intent.succeeded"
)

// Event is the subset of a provider webhook the order lifecycle reads.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func (e Event) OrderID() string {
	return e.Data.Object.Metadata["orderId"]
}

func (e Event) PaymentID() string {
	return e.Data.Object.ID
}

// VerifyWebhook checks the signature header against payload and decodes the event.
// The header has the form t=<unix seconds>,v1=<hex hmac>; several v1 entries may be
// present while the secret is being rolled.
func (c *Client) VerifyWebhook(payload []byte, header string, now time.Time) (Event, error) {
	if err := verifySignature(payload, header, c.cfg.WebhookSecret, c.cfg.WebhookTolerance, now); err != nil {
		return Event{}, err
	}
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, domain.NewValidationError("payload", "malformed webhook body")
	}
	if event.Type == "" {
		return Event{}, domain.NewValidationError("type", "missing")
	}
	return event, nil
}

func verifySignature(payload []byte, header, secret string, tolerance time.Duration, now time.Time) error {
	if secret == "" || header == "" {
		return domain.ErrInvalidSignature
	}

	var (
		timestamp  string
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			timestamp = value
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return domain.ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	age := now.Sub(time.Unix(ts, 0))
	if age < 0 {
		age = -age
	}
	if tolerance > 0 && age > tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", domain.ErrInvalidSignature)
	}

	expected := Sign(payload, secret, ts)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return domain.ErrInvalidSignature
}

// Sign computes the v1 signature for payload at unix time ts.
func Sign(payload []byte, secret string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue builds a header value as the provider sends it.
func SignatureHeaderValue(payload []byte, secret string, ts int64) string {
	return "t=" + strconv.FormatInt(ts, 10) + ",v1=" + Sign(payload, secret, ts)
}

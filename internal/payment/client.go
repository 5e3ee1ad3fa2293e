// Package payment talks to the payment provider: creating payment intents at checkout
// and verifying the signed webhooks the provider sends back.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cimillas/order-lifecycle/internal/backoff"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
)

const providerName = "stripe"

type Config struct {
	BaseURL          string         `mapstructure:"base_url" yaml:"base_url"`
	APIKey           string         `mapstructure:"api_key" yaml:"api_key"`
	WebhookSecret    string         `mapstructure:"webhook_secret" yaml:"webhook_secret"`
	WebhookTolerance time.Duration  `mapstructure:"webhook_tolerance" yaml:"webhook_tolerance"`
	Timeout          time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	Retry            backoff.Policy `mapstructure:"retry" yaml:"retry"`
}

// Intent is the provider-side payment the customer completes in the browser.
type Intent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type IntentRequest struct {
	AmountCents    int64
	Currency       string
	Metadata       map[string]string
	IdempotencyKey string
}

type Client struct {
	cfg     Config
	http    *http.Client
	metrics *metrics.Metrics
}

func NewClient(cfg Config, httpClient *http.Client, m *metrics.Metrics) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.WebhookTolerance <= 0 {
		cfg.WebhookTolerance = 5 * time.Minute
	}
	return &Client{cfg: cfg, http: httpClient, metrics: m}
}

func (c *Client) Provider() string {
	return providerName
}

// CreateIntent creates a payment intent. Transient failures are retried with the same
// idempotency key, so the provider never creates a second intent for one order.
func (c *Client) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	var intent Intent
	err := c.cfg.Retry.Do(ctx, domain.IsTransient, func(ctx context.Context) error {
		var err error
		intent, err = c.createIntentOnce(ctx, req)
		return err
	})
	return intent, err
}

func (c *Client) createIntentOnce(ctx context.Context, req IntentRequest) (Intent, error) {
	body, err := json.Marshal(struct {
		Amount   int64             `json:"amount"`
		Currency string            `json:"currency"`
		Metadata map[string]string `json:"metadata,omitempty"`
	}{
		Amount:   req.AmountCents,
		Currency: strings.ToLower(req.Currency),
		Metadata: req.Metadata,
	})
	if err != nil {
		return Intent{}, fmt.Errorf("encode intent request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/payment_intents", bytes.NewReader(body))
	if err != nil {
		return Intent{}, fmt.Errorf("build intent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if c.metrics != nil {
		c.metrics.ProviderCallDuration.WithLabelValues(providerName, "create_intent").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return Intent{}, fmt.Errorf("%w: create intent: %w", domain.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return Intent{}, fmt.Errorf("create intent: %w", err)
	}

	var intent Intent
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return Intent{}, fmt.Errorf("%w: decode intent: %w", domain.ErrTransientProvider, err)
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return Intent{}, fmt.Errorf("%w: intent response missing id or client secret", domain.ErrPermanentProvider)
	}
	return intent, nil
}

// statusError classifies a non-2xx provider response.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	msg := strings.TrimSpace(string(detail))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %s: %s", domain.ErrTransientProvider, strconv.Itoa(resp.StatusCode), msg)
	}
	return fmt.Errorf("%w: status %s: %s", domain.ErrPermanentProvider, strconv.Itoa(resp.StatusCode), msg)
}

// IsProviderError reports whether err came from the provider rather than from the caller.
func IsProviderError(err error) bool {
	return errors.Is(err, domain.ErrTransientProvider) || errors.Is(err, domain.ErrPermanentProvider)
}

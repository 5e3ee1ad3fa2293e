// Package email sends templated transactional email through the provider's HTTP API.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
)

const providerName = "email"

type Config struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	From    string        `mapstructure:"from" yaml:"from"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
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
	return &Client{cfg: cfg, http: httpClient, metrics: m}
}

type sendRequest struct {
	From         string          `json:"from,omitempty"`
	To           string          `json:"to"`
	TemplateID   string          `json:"templateId"`
	TemplateData json.RawMessage `json:"templateData"`
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// Send makes a single delivery attempt and returns the provider's message id.
// Errors wrap domain.ErrTransientProvider or domain.ErrPermanentProvider; retrying is
// left to the caller, which persists its attempt count.
func (c *Client) Send(ctx context.Context, to, templateID string, templateData json.RawMessage) (string, error) {
	if len(templateData) == 0 {
		templateData = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(sendRequest{
		From:         c.cfg.From,
		To:           to,
		TemplateID:   templateID,
		TemplateData: templateData,
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode email: %w", domain.ErrPermanentProvider, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.BaseURL, "/")+"/v1/send", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build email request: %w", domain.ErrPermanentProvider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	if c.metrics != nil {
		c.metrics.ProviderCallDuration.WithLabelValues(providerName, "send").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return "", fmt.Errorf("%w: send email: %w", domain.ErrTransientProvider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		class := domain.ErrPermanentProvider
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			class = domain.ErrTransientProvider
		}
		return "", fmt.Errorf("%w: send email: status %d: %s", class, resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	// A 2xx means the provider accepted the email. An unreadable body only loses the
	// message id; reporting a failure would make the caller send it again.
	var out sendResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil
	}
	return out.MessageID, nil
}

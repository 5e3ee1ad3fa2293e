package email

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cimillas/order-lifecycle/internal/domain"
)

func TestSend(t *testing.T) {
	var got sendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/send" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"messageId":"msg-1"}`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, From: "orders@example.com", Timeout: time.Second}, srv.Client(), nil)
	id, err := client.Send(context.Background(), "ada@example.com", "ORDER_CONFIRMATION", json.RawMessage(`{"orderNumber":"o-1"}`))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if id != "msg-1" {
		t.Fatalf("expected msg-1, got %q", id)
	}
	if got.To != "ada@example.com" || got.TemplateID != "ORDER_CONFIRMATION" || got.From != "orders@example.com" {
		t.Fatalf("unexpected request %+v", got)
	}
	if string(got.TemplateData) != `{"orderNumber":"o-1"}` {
		t.Fatalf("unexpected template data %s", got.TemplateData)
	}
}

func TestSendAcceptedWithUnreadableBodyCountsAsSent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`<html>queued</html>`))
	}))
	defer srv.Close()

	client := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, srv.Client(), nil)
	id, err := client.Send(context.Background(), "ada@example.com", "ORDER_CONFIRMATION", nil)
	if err != nil {
		t.Fatalf("expected accepted email to count as sent, got %v", err)
	}
	if id != "" {
		t.Fatalf("expected empty message id, got %q", id)
	}
}

func TestSendErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "unavailable", status: http.StatusServiceUnavailable, want: domain.ErrTransientProvider},
		{name: "throttled", status: http.StatusTooManyRequests, want: domain.ErrTransientProvider},
		{name: "bad recipient", status: http.StatusUnprocessableEntity, want: domain.ErrPermanentProvider},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "failed", tt.status)
			}))
			defer srv.Close()

			client := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, srv.Client(), nil)
			_, err := client.Send(context.Background(), "x@example.com", "T", nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

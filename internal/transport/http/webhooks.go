package http

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/cimillas/order-lifecycle/internal/app"
	"github.com/cimillas/order-lifecycle/internal/payment"
)

const maxWebhookBody = 1 << 20

// PaymentWebhookHandler is the minimal interface needed to apply provider webhooks.
type PaymentWebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (app.WebhookOutcome, error)
}

type webhookResponse struct {
	Received bool `json:"received"`
}

// HandlePaymentWebhook returns an HTTP handler for POST /webhooks/payment. The raw
// body is passed through untouched because the signature covers its exact bytes.
// A 5xx makes the provider redeliver, which the service absorbs idempotently.
func HandlePaymentWebhook(svc PaymentWebhookHandler, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
		if err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		outcome, err := svc.HandleWebhook(r.Context(), payload, r.Header.Get(payment.SignatureHeader))
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		logger.Debug("payment webhook processed", slog.String("outcome", string(outcome)))
		writeJSON(w, http.StatusOK, webhookResponse{Received: true})
	}
}

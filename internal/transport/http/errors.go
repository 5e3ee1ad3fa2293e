package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/payment"
)

const (
	codeMethodNotAllowed   = "method_not_allowed"
	codeNotFound           = "not_found"
	codeInvalidRequestBody = "invalid_request_body"
	codeValidationFailed   = "validation_failed"
	codeInvalidSignature   = "invalid_signature"
	codeCustomerNotFound   = "customer_not_found"
	codeOrderNotFound      = "order_not_found"
	codePaymentNotFound    = "payment_not_found"
	codePaymentConflict    = "payment_conflict"
	codeProviderError      = "payment_provider_error"
	codeInternalError      = "internal_error"
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{
		Error: msg,
		Code:  code,
	})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps domain errors to responses. Anything unrecognised is logged
// and reported as a generic 500 so internal detail never reaches the caller.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, codeValidationFailed, verr.Error())
	case errors.Is(err, domain.ErrInvalidSignature):
		writeError(w, http.StatusBadRequest, codeInvalidSignature, "invalid signature")
	case errors.Is(err, domain.ErrCustomerNotFound):
		writeError(w, http.StatusUnprocessableEntity, codeCustomerNotFound, "customer not found")
	case errors.Is(err, domain.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, codeOrderNotFound, "order not found")
	case errors.Is(err, domain.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, codePaymentNotFound, "payment not found")
	case errors.Is(err, domain.ErrPaymentConflict):
		writeError(w, http.StatusConflict, codePaymentConflict, "order already has a succeeded payment")
	case payment.IsProviderError(err):
		logger.Error("payment provider error",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusBadGateway, codeProviderError, "payment provider unavailable")
	default:
		logger.Error("request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, codeInternalError, "internal error")
	}
}

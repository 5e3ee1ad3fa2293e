package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/cimillas/order-lifecycle/internal/app"
	"github.com/cimillas/order-lifecycle/internal/domain"
)

const maxCheckoutBody = 1 << 20

// CheckoutInitiator is the minimal interface needed to start a checkout.
type CheckoutInitiator interface {
	InitiateCheckout(ctx context.Context, in app.CheckoutInput) (app.CheckoutResult, error)
}

type checkoutItem struct {
	SKU          string `json:"sku"`
	Quantity     int    `json:"quantity"`
	PriceInCents int64  `json:"priceInCents"`
	Currency     string `json:"currency,omitempty"`
}

type checkoutRequest struct {
	CustomerID      string         `json:"customerId"`
	Items           []checkoutItem `json:"items"`
	ShippingAddress domain.Address `json:"shippingAddress"`
	Currency        string         `json:"currency"`
}

type checkoutResponse struct {
	OrderID      string `json:"orderId"`
	ClientSecret string `json:"clientSecret"`
}

// HandleCheckout returns an HTTP handler for POST /checkout.
func HandleCheckout(svc CheckoutInitiator, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		var req checkoutRequest
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, codeInvalidRequestBody, "invalid request body")
			return
		}

		items := make([]app.CartItem, len(req.Items))
		for i, item := range req.Items {
			items[i] = app.CartItem{
				SKU:          item.SKU,
				Quantity:     item.Quantity,
				PriceInCents: item.PriceInCents,
				Currency:     item.Currency,
			}
		}

		res, err := svc.InitiateCheckout(r.Context(), app.CheckoutInput{
			CustomerID:      req.CustomerID,
			Items:           items,
			ShippingAddress: req.ShippingAddress,
			Currency:        req.Currency,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, checkoutResponse{
			OrderID:      res.OrderID,
			ClientSecret: res.ClientSecret,
		})
	}
}

package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cimillas/order-lifecycle/internal/app"
	"github.com/cimillas/order-lifecycle/internal/domain"
)

// OrderGetter is the minimal interface needed to read an order.
type OrderGetter interface {
	GetOrder(ctx context.Context, orderID string) (app.OrderView, error)
}

type orderItemResponse struct {
	SKU          string `json:"sku"`
	Quantity     int    `json:"quantity"`
	PriceInCents int64  `json:"priceInCents"`
}

type paymentResponse struct {
	Provider          string `json:"provider"`
	ProviderPaymentID string `json:"providerPaymentId"`
	Status            string `json:"status"`
	AmountCents       int64  `json:"amountCents"`
}

type orderResponse struct {
	ID               string              `json:"id"`
	CustomerID       string              `json:"customerId"`
	Status           string              `json:"status"`
	Version          int64               `json:"version"`
	TotalAmountCents int64               `json:"totalAmountCents"`
	Currency         string              `json:"currency"`
	ShippingAddress  domain.Address      `json:"shippingAddress"`
	Items            []orderItemResponse `json:"items"`
	Payment          *paymentResponse    `json:"payment,omitempty"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// HandleGetOrder returns an HTTP handler for GET /orders/{id}.
func HandleGetOrder(svc OrderGetter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed")
			return
		}

		orderID := r.PathValue("id")
		if orderID == "" {
			writeError(w, http.StatusNotFound, codeNotFound, "not found")
			return
		}

		view, err := svc.GetOrder(r.Context(), orderID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		o := view.Order
		resp := orderResponse{
			ID:               o.ID,
			CustomerID:       o.CustomerID,
			Status:           string(o.Status),
			Version:          o.Version,
			TotalAmountCents: o.TotalAmountCents,
			Currency:         o.Currency,
			ShippingAddress:  o.ShippingAddress,
			Items:            make([]orderItemResponse, 0, len(o.Items)),
			CreatedAt:        o.CreatedAt,
			UpdatedAt:        o.UpdatedAt,
		}
		for _, item := range o.Items {
			resp.Items = append(resp.Items, orderItemResponse{
				SKU:          item.SKU,
				Quantity:     item.Quantity,
				PriceInCents: item.PriceAtPurchase,
			})
		}
		if p := view.Payment; p != nil {
			resp.Payment = &paymentResponse{
				Provider:          p.Provider,
				ProviderPaymentID: p.ProviderPaymentID,
				Status:            string(p.Status),
				AmountCents:       p.AmountCents,
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

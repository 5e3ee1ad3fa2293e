package http

import (
	"log/slog"
	"net/http"
)

type RouterDeps struct {
	Checkout CheckoutInitiator
	Webhooks PaymentWebhookHandler
	Orders   OrderGetter
	DB       Pinger
	Metrics  http.Handler
	CORS     CORSConfig
	Logger   *slog.Logger
}

// NewRouter wires the public API. Middleware order, outermost first: recovery,
// request logging, CORS.
func NewRouter(deps RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	if deps.DB != nil {
		mux.Handle("/ready", ReadyHandler(deps.DB))
	}
	if deps.Metrics != nil {
		mux.Handle("/metrics", deps.Metrics)
	}
	mux.Handle("/checkout", HandleCheckout(deps.Checkout, logger))
	mux.Handle("/webhooks/payment", HandlePaymentWebhook(deps.Webhooks, logger))
	mux.Handle("/orders/{id}", HandleGetOrder(deps.Orders, logger))
	mux.Handle("/", NotFoundHandler())

	return Recovery(RequestLogger(CORS(deps.CORS, mux), logger), logger)
}

// NotFoundHandler returns a JSON 404 response for unknown routes.
func NotFoundHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "not found")
	})
}

package app

import (
	"context"
	"errors"
	"strings"

	"github.com/cimillas/order-lifecycle/internal/backoff"
	"github.com/cimillas/order-lifecycle/internal/clock"
	"github.com/cimillas/order-lifecycle/internal/domain"
	"github.com/cimillas/order-lifecycle/internal/metrics"
	"github.com/cimillas/order-lifecycle/internal/payment"
	"go.opentelemetry.io/otel/attribute"
)

type CheckoutStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetCustomer(ctx context.Context, customerID string) (domain.Customer, error)
	CreateOrder(ctx context.Context, order domain.Order) error
	CreatePayment(ctx context.Context, p domain.Payment) error
}

type PaymentProvider interface {
	Provider() string
	CreateIntent(ctx context.Context, req payment.IntentRequest) (payment.Intent, error)
}

type CheckoutService struct {
	store      CheckoutStore
	outbox     OutboxStager
	pricer     Pricer
	payments   PaymentProvider
	clock      clock.Clock
	storeRetry backoff.Policy
	metrics    *metrics.Metrics
}

func NewCheckoutService(store CheckoutStore, outbox OutboxStager, pricer Pricer, payments PaymentProvider, clk clock.Clock, storeRetry backoff.Policy, m *metrics.Metrics) *CheckoutService {
	if pricer == nil {
		pricer = CartPricer{}
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &CheckoutService{
		store:      store,
		outbox:     outbox,
		pricer:     pricer,
		payments:   payments,
		clock:      clk,
		storeRetry: storeRetry,
		metrics:    m,
	}
}

type CheckoutInput struct {
	CustomerID      string
	Items           []CartItem
	ShippingAddress domain.Address
	Currency        string
}

type CheckoutResult struct {
	OrderID      string
	ClientSecret string
}

// InitiateCheckout opens an order awaiting payment. The order, its line items, the
// pending payment and the ORDER_CONFIRMATION notification commit together or not at
// all; the client secret is only returned once they have.
func (s *CheckoutService) InitiateCheckout(ctx context.Context, in CheckoutInput) (res CheckoutResult, err error) {
	ctx, span := tracer.Start(ctx, "checkout.initiate")
	defer func() {
		s.metrics.CheckoutTotal.WithLabelValues(checkoutResultLabel(err)).Inc()
		endSpan(span, err)
	}()

	customerID := strings.TrimSpace(in.CustomerID)
	if customerID == "" {
		return CheckoutResult{}, domain.NewValidationError("customerId", "required")
	}
	if err := validateAddress(in.ShippingAddress); err != nil {
		return CheckoutResult{}, err
	}
	quote, err := s.pricer.Price(in.Items, in.Currency)
	if err != nil {
		return CheckoutResult{}, err
	}

	// The id is fixed before the first attempt so retries reuse the same
	// provider idempotency key and get the same intent back.
	orderID := newID()
	span.SetAttributes(attribute.String("order.id", orderID))

	var staged []domain.OutboxEvent
	err = s.storeRetry.Do(ctx, isTransientStore, func(ctx context.Context) error {
		staged = staged[:0]
		return s.store.WithTx(ctx, func(txCtx context.Context) error {
			customer, err := s.store.GetCustomer(txCtx, customerID)
			if err != nil {
				return err
			}

			now := s.clock.Now()
			order := domain.Order{
				ID:               orderID,
				CustomerID:       customer.ID,
				ShippingAddress:  in.ShippingAddress,
				TotalAmountCents: quote.TotalCents,
				Currency:         quote.Currency,
				Status:           domain.OrderStatusPendingPayment,
				Version:          1,
				Items:            withOrderID(quote.Items, orderID),
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := s.store.CreateOrder(txCtx, order); err != nil {
				return err
			}

			intent, err := s.payments.CreateIntent(txCtx, payment.IntentRequest{
				AmountCents:    order.TotalAmountCents,
				Currency:       order.Currency,
				Metadata:       map[string]string{"orderId": order.ID, "customerId": customer.ID},
				IdempotencyKey: "checkout-" + order.ID,
			})
			if err != nil {
				return err
			}

			if err := s.store.CreatePayment(txCtx, domain.Payment{
				ID:                newID(),
				OrderID:           order.ID,
				Provider:          s.payments.Provider(),
				ProviderPaymentID: intent.ID,
				AmountCents:       order.TotalAmountCents,
				Status:            domain.PaymentStatusPending,
				CreatedAt:         now,
				UpdatedAt:         now,
			}); err != nil {
				return err
			}

			evt, err := notificationEvent(txCtx, order, customer, domain.EventTypeOrderConfirmation, now)
			if err != nil {
				return err
			}
			if _, err := s.outbox.Stage(txCtx, evt); err != nil {
				return err
			}
			staged = append(staged, evt)

			res = CheckoutResult{OrderID: order.ID, ClientSecret: intent.ClientSecret}
			return nil
		})
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	for _, evt := range staged {
		s.metrics.OutboxStaged.WithLabelValues(evt.Topic).Inc()
	}
	return res, nil
}

func withOrderID(items []domain.LineItem, orderID string) []domain.LineItem {
	out := make([]domain.LineItem, len(items))
	for i, item := range items {
		item.OrderID = orderID
		out[i] = item
	}
	return out
}

func isTransientStore(err error) bool {
	return errors.Is(err, domain.ErrTransientStore)
}

func checkoutResultLabel(err error) string {
	switch {
	case err == nil:
		return "created"
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrCustomerNotFound):
		return "rejected"
	case errors.Is(err, domain.ErrPermanentProvider), errors.Is(err, domain.ErrTransientProvider):
		return "provider_error"
	default:
		return "error"
	}
}

package app

import (
	"math"
	"strings"

	"github.com/cimillas/order-lifecycle/internal/domain"
)

const defaultCurrency = "USD"

type CartItem struct {
	SKU          string
	Quantity     int
	PriceInCents int64
	Currency     string
}

type Quote struct {
	Items      []domain.LineItem
	TotalCents int64
	Currency   string
}

// Pricer turns a cart into priced line items and a total.
type Pricer interface {
	Price(items []CartItem, currency string) (Quote, error)
}

// CartPricer trusts the prices carried by the cart and only validates them.
type CartPricer struct{}

func (CartPricer) Price(items []CartItem, currency string) (Quote, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = defaultCurrency
	}
	if len(currency) != 3 {
		return Quote{}, domain.NewValidationError("currency", "must be a 3-letter ISO code")
	}
	if len(items) == 0 {
		return Quote{}, domain.NewValidationError("items", "cart is empty")
	}

	quote := Quote{Currency: currency, Items: make([]domain.LineItem, 0, len(items))}
	for _, item := range items {
		sku := strings.TrimSpace(item.SKU)
		if sku == "" {
			return Quote{}, domain.NewValidationError("items.sku", "required")
		}
		if item.Quantity <= 0 {
			return Quote{}, domain.NewValidationError("items.quantity", "must be positive")
		}
		if item.PriceInCents < 0 {
			return Quote{}, domain.NewValidationError("items.priceInCents", "must not be negative")
		}
		if item.Currency != "" && !strings.EqualFold(item.Currency, currency) {
			return Quote{}, domain.NewValidationError("items.currency", "cart mixes currencies")
		}
		if item.PriceInCents > (math.MaxInt64-quote.TotalCents)/int64(item.Quantity) {
			return Quote{}, domain.NewValidationError("items", "total overflows")
		}
		line := domain.LineItem{SKU: sku, Quantity: item.Quantity, PriceAtPurchase: item.PriceInCents}
		quote.Items = append(quote.Items, line)
		quote.TotalCents += line.Subtotal()
	}
	return quote, nil
}

func validateAddress(a domain.Address) error {
	switch {
	case strings.TrimSpace(a.Line1) == "":
		return domain.NewValidationError("shippingAddress.line1", "required")
	case strings.TrimSpace(a.City) == "":
		return domain.NewValidationError("shippingAddress.city", "required")
	case strings.TrimSpace(a.PostalCode) == "":
		return domain.NewValidationError("shippingAddress.postalCode", "required")
	case strings.TrimSpace(a.Country) == "":
		return domain.NewValidationError("shippingAddress.country", "required")
	}
	return nil
}

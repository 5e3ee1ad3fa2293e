package app

import (
	"context"
	"errors"

	"github.com/cimillas/order-lifecycle/internal/domain"
)

type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	GetPaymentByOrder(ctx context.Context, orderID string) (domain.Payment, error)
}

type OrderView struct {
	Order   domain.Order
	Payment *domain.Payment
}

type OrderQueryService struct {
	reader OrderReader
}

func NewOrderQueryService(reader OrderReader) *OrderQueryService {
	return &OrderQueryService{reader: reader}
}

func (s *OrderQueryService) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	order, err := s.reader.GetOrder(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	view := OrderView{Order: order}

	p, err := s.reader.GetPaymentByOrder(ctx, orderID)
	switch {
	case err == nil:
		view.Payment = &p
	case errors.Is(err, domain.ErrPaymentNotFound):
	default:
		return OrderView{}, err
	}
	return view, nil
}

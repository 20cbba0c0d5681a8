package application

import (
	"context"

	"github.com/dmehra2102/marketplace-payments/internal/order/domain"
)

type OrderRepository interface {
	Get(ctx context.Context, id string) (domain.Order, error)
	// Save writes o only while the stored status and payment status still
	// equal from's; otherwise it returns domain.ErrConflict.
	Save(ctx context.Context, o, from domain.Order) error
}

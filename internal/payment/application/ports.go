package application

import (
	"context"
	"time"

	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	orderdom "github.com/dmehra2102/marketplace-payments/internal/order/domain"
	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
	userdom "github.com/dmehra2102/marketplace-payments/internal/user/domain"
)

type PaymentRepository interface {
	Create(ctx context.Context, p domain.Payment) error
	// Get returns the payment with its attempts log, or an error wrapping domain.ErrNotFound.
	Get(ctx context.Context, reference string) (domain.Payment, error)
	FindByProviderTransaction(ctx context.Context, provider, transactionID string) (domain.Payment, error)
	// Apply performs t as a single compare-and-set and reports whether the status changed.
	Apply(ctx context.Context, t domain.Transition) (bool, error)
	AppendAttempt(ctx context.Context, reference string, a domain.Attempt) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error)
	// Purge deletes the payment only while it is still non-terminal and expired before cutoff.
	Purge(ctx context.Context, reference string, cutoff time.Time) (bool, error)
}

type OrderReader interface {
	Get(ctx context.Context, id string) (orderdom.Order, error)
}

type UserReader interface {
	Get(ctx context.Context, id string) (userdom.User, error)
}

type OrderLinker interface {
	PaymentCompleted(ctx context.Context, orderID string) error
	PaymentFailed(ctx context.Context, orderID string) error
	PaymentRefunded(ctx context.Context, orderID string) error
}

type Gateways interface {
	ForMethod(m domain.Method) (gateway.Client, bool)
	ForProvider(p gateway.Provider) (gateway.Client, bool)
}

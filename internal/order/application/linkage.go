package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmehra2102/marketplace-payments/internal/order/domain"
)

const saveRetries = 3

// Linkage is the only writer of an order's payment-driven fields.
type Linkage struct {
	log   *slog.Logger
	repo  OrderRepository
	clock func() time.Time
}

func NewLinkage(log *slog.Logger, repo OrderRepository) *Linkage {
	return &Linkage{log: log, repo: repo, clock: time.Now}
}

// PaymentCompleted marks the order paid and confirms it unless fulfilment has
// already moved past confirmed or the order was cancelled.
func (l *Linkage) PaymentCompleted(ctx context.Context, orderID string) error {
	return l.update(ctx, orderID, func(o *domain.Order) bool {
		changed := false
		if o.PaymentStatus != domain.PaymentPaid && o.PaymentStatus != domain.PaymentRefunded {
			o.PaymentStatus = domain.PaymentPaid
			changed = true
		}
		if o.Status.Before(domain.StatusConfirmed) {
			o.Status = domain.StatusConfirmed
			changed = true
		}
		if changed && o.Status == domain.StatusCancelled {
			l.log.Warn("payment completed for cancelled order", "order_id", orderID)
		}
		return changed
	})
}

// PaymentFailed leaves the order as it is; cancelling unpaid orders is an expiry-policy decision.
func (l *Linkage) PaymentFailed(ctx context.Context, orderID string) error {
	l.log.Info("payment failed, order left unchanged", "order_id", orderID)
	return nil
}

func (l *Linkage) PaymentRefunded(ctx context.Context, orderID string) error {
	return l.update(ctx, orderID, func(o *domain.Order) bool {
		if o.PaymentStatus == domain.PaymentRefunded {
			return false
		}
		o.PaymentStatus = domain.PaymentRefunded
		return true
	})
}

// update re-reads and re-applies mutate when the order changed between the
// read and the guarded write.
func (l *Linkage) update(ctx context.Context, orderID string, mutate func(*domain.Order) bool) error {
	for i := 0; ; i++ {
		from, err := l.repo.Get(ctx, orderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", orderID, err)
		}
		o := from
		if !mutate(&o) {
			return nil
		}
		o.UpdatedAt = l.clock().UTC()
		err = l.repo.Save(ctx, o, from)
		if errors.Is(err, domain.ErrConflict) && i+1 < saveRetries {
			l.log.Debug("order changed during linkage, retrying", "order_id", orderID)
			continue
		}
		if err != nil {
			return fmt.Errorf("save order %s: %w", orderID, err)
		}
		l.log.Info("order payment state updated", "order_id", o.ID, "status", o.Status, "payment_status", o.PaymentStatus)
		return nil
	}
}

package postgres

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/marketplace-payments/internal/order/domain"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type Repository struct {
	log *slog.Logger
	db  DB
}

func NewRepository(log *slog.Logger, db DB) *Repository {
	return &Repository{log: log, db: db}
}

func (r *Repository) Get(ctx context.Context, id string) (domain.Order, error) {
	var o domain.Order
	err := r.db.QueryRow(ctx, `SELECT id, buyer_id, seller_id, total_amount, currency, status, payment_status, created_at, updated_at FROM orders WHERE id=$1`, id).
		Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.Total, &o.Currency, &o.Status, &o.PaymentStatus, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// Save writes the payment-driven fields; other order columns belong to the order routes.
// The row is only touched while its status pair still matches from.
func (r *Repository) Save(ctx context.Context, o, from domain.Order) error {
	ct, err := r.db.Exec(ctx, `UPDATE orders SET status=$2, payment_status=$3, updated_at=$4
		WHERE id=$1 AND status=$5 AND payment_status=$6`,
		o.ID, o.Status, o.PaymentStatus, o.UpdatedAt, from.Status, from.PaymentStatus)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

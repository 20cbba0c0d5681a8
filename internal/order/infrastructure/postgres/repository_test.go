package postgres

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/marketplace-payments/internal/order/domain"
)

func TestRepositoryGet(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewRepository(slog.New(slog.NewTextHandler(io.Discard, nil)), mock)

	created := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`FROM orders WHERE id=$1`)).
		WithArgs("ord-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "buyer_id", "seller_id", "total_amount", "currency", "status", "payment_status", "created_at", "updated_at"}).
			AddRow("ord-1", "usr-1", "usr-2", "60000", "XOF", domain.StatusPending, domain.PaymentPending, created, created))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM orders WHERE id=$1`)).
		WithArgs("ord-404").
		WillReturnError(pgx.ErrNoRows)

	o, err := repo.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "usr-1", o.BuyerID)
	assert.Equal(t, "60000", o.Total.String())
	assert.Equal(t, domain.StatusPending, o.Status)
	assert.Equal(t, domain.PaymentPending, o.PaymentStatus)

	_, err = repo.Get(context.Background(), "ord-404")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySave(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	repo := NewRepository(slog.New(slog.NewTextHandler(io.Discard, nil)), mock)

	now := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)
	from := domain.Order{ID: "ord-1", Status: domain.StatusPending, PaymentStatus: domain.PaymentPending}
	o := domain.Order{ID: "ord-1", Status: domain.StatusConfirmed, PaymentStatus: domain.PaymentPaid, UpdatedAt: now}
	mock.ExpectExec(regexp.QuoteMeta(`WHERE id=$1 AND status=$5 AND payment_status=$6`)).
		WithArgs("ord-1", domain.StatusConfirmed, domain.PaymentPaid, now, domain.StatusPending, domain.PaymentPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE orders SET status=$2, payment_status=$3, updated_at=$4`)).
		WithArgs("ord-1", domain.StatusConfirmed, domain.PaymentPaid, now, domain.StatusPending, domain.PaymentPending).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, repo.Save(context.Background(), o, from))
	// shipped in the meantime: the guarded update touches nothing
	assert.ErrorIs(t, repo.Save(context.Background(), o, from), domain.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

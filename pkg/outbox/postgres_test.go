package outbox

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendDefaultsHeaders(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO outbox`)).
		WithArgs("payment", "pay_1", "PaymentCompleted", []byte(`{}`), map[string]string{}, "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = Append(context.Background(), mock, Message{AggregateType: "payment", AggregateID: "pay_1", Type: "PaymentCompleted", Payload: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLockBatch(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(discard(), mock)

	created := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`FOR UPDATE SKIP LOCKED`)).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows([]string{"id", "aggregate_type", "aggregate_id", "type", "payload", "headers", "traceparent", "created_at"}).
			AddRow(int64(7), "payment", "pay_1", "PaymentCompleted", []byte(`{}`), map[string]string{}, "", created))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox SET status='in_progress'`)).
		WithArgs("relay-1", "5s", []int64{7}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	events, err := store.LockBatch(context.Background(), "relay-1", 10, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].ID)
	assert.Equal(t, "pay_1", events[0].AggregateID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSentRequiresRows(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	store := NewPostgresStore(discard(), mock)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox SET status='sent'`)).
		WithArgs([]int64{1, 2}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.Error(t, store.MarkSent(context.Background(), []int64{1, 2}))
	require.NoError(t, mock.ExpectationsWereMet())
}

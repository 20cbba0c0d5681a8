package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
	"github.com/dmehra2102/marketplace-payments/pkg/outbox"
	"github.com/dmehra2102/marketplace-payments/pkg/tracing"
)

// DB is the subset of *pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Repository struct {
	log *slog.Logger
	db  DB
}

func NewRepository(log *slog.Logger, db DB) *Repository {
	return &Repository{log: log, db: db}
}

const paymentColumns = `reference, order_id, user_id, amount, currency, method, method_details, status,
	provider, provider_transaction_id, provider_response, platform_fee, gateway_fee, fee_total,
	settlement, refund, failure_reason, created_at, updated_at, completed_at, failed_at, cancelled_at, expires_at`

func (r *Repository) Create(ctx context.Context, p domain.Payment) error {
	details, err := json.Marshal(p.MethodDetails)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		p.Reference, p.OrderID, p.UserID, p.Amount, string(p.Currency), string(p.Method), details, string(p.Status),
		p.Provider, p.ProviderTransactionID, nullJSON(p.ProviderResponse), p.Fees.PlatformFee, p.Fees.GatewayFee, p.Fees.Total,
		marshalOptional(p.Settlement), marshalOptional(p.Refund), p.FailureReason, p.CreatedAt, p.UpdatedAt,
		p.CompletedAt, p.FailedAt, p.CancelledAt, p.ExpiresAt)
	return err
}

func (r *Repository) Get(ctx context.Context, reference string) (domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE reference=$1`, reference))
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Attempts, err = r.attempts(ctx, reference); err != nil {
		return domain.Payment{}, err
	}
	return p, nil
}

func (r *Repository) FindByProviderTransaction(ctx context.Context, provider, transactionID string) (domain.Payment, error) {
	p, err := scanPayment(r.db.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE provider=$1 AND provider_transaction_id=$2`, provider, transactionID))
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Attempts, err = r.attempts(ctx, p.Reference); err != nil {
		return domain.Payment{}, err
	}
	return p, nil
}

// Apply runs the status compare-and-set, the attempt insert and, when the
// status changed, the outbox insert in one transaction.
func (r *Repository) Apply(ctx context.Context, t domain.Transition) (bool, error) {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	ct, err := tx.Exec(ctx, `
		UPDATE payments SET
			status = $2::text,
			updated_at = $3,
			provider = CASE WHEN $4::text = '' THEN provider ELSE $4::text END,
			provider_transaction_id = CASE WHEN provider_transaction_id = '' THEN $5::text ELSE provider_transaction_id END,
			provider_response = COALESCE($6::jsonb, provider_response),
			failure_reason = CASE WHEN $7::text = '' THEN failure_reason ELSE $7::text END,
			settlement = COALESCE($8::jsonb, settlement),
			refund = COALESCE($9::jsonb, refund),
			completed_at = CASE WHEN $2::text = 'completed' THEN $3 ELSE completed_at END,
			failed_at = CASE WHEN $2::text = 'failed' THEN $3 ELSE failed_at END,
			cancelled_at = CASE WHEN $2::text = 'cancelled' THEN $3 ELSE cancelled_at END
		WHERE reference = $1 AND status = ANY($10)`,
		t.Reference, string(t.To), t.At, t.Provider, t.ProviderTransactionID, nullJSON(t.ProviderResponse),
		t.FailureReason, marshalOptional(t.Settlement), marshalOptional(t.Refund), statusStrings(t.From))
	if err != nil {
		return false, fmt.Errorf("update payment: %w", err)
	}
	applied := ct.RowsAffected() == 1

	if t.Attempt != nil {
		if err := insertAttempt(ctx, tx, t.Reference, *t.Attempt); err != nil {
			return false, err
		}
	}
	if applied && t.Event != nil {
		err := outbox.Append(ctx, tx, outbox.Message{
			AggregateType: "payment",
			AggregateID:   t.Reference,
			Type:          t.Event.Type,
			Payload:       t.Event.Payload,
			Headers:       t.Event.Headers,
			Traceparent:   tracing.Traceparent(ctx),
		})
		if err != nil {
			return false, fmt.Errorf("append outbox: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return applied, nil
}

func (r *Repository) AppendAttempt(ctx context.Context, reference string, a domain.Attempt) error {
	return insertAttempt(ctx, r.db, reference, a)
}

// ListExpired returns non-terminal payments past expiry, oldest first, without attempts.
func (r *Repository) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `SELECT `+paymentColumns+` FROM payments
		WHERE status IN ('pending','processing') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Purge deletes an abandoned payment and, by cascade, its attempts.
func (r *Repository) Purge(ctx context.Context, reference string, cutoff time.Time) (bool, error) {
	ct, err := r.db.Exec(ctx, `DELETE FROM payments WHERE reference=$1 AND status IN ('pending','processing') AND expires_at < $2`, reference, cutoff)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAttempt(ctx context.Context, db execer, reference string, a domain.Attempt) error {
	_, err := db.Exec(ctx, `INSERT INTO payment_attempts (reference, at, status, error, payload, source) VALUES ($1,$2,$3,$4,$5,$6)`,
		reference, a.At, string(a.Status), a.Error, nullJSON(a.Payload), string(a.Source))
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

func (r *Repository) attempts(ctx context.Context, reference string) ([]domain.Attempt, error) {
	rows, err := r.db.Query(ctx, `SELECT at, status, error, payload, source FROM payment_attempts WHERE reference=$1 ORDER BY id`, reference)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Attempt
	for rows.Next() {
		var a domain.Attempt
		var status, source string
		var payload []byte
		if err := rows.Scan(&a.At, &status, &a.Error, &payload, &source); err != nil {
			return nil, err
		}
		a.Status = domain.Status(status)
		a.Source = domain.AttemptSource(source)
		a.Payload = payload
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p                                  domain.Payment
		currency, method, status           string
		details, response, settle, refund []byte
	)
	err := row.Scan(&p.Reference, &p.OrderID, &p.UserID, &p.Amount, &currency, &method, &details, &status,
		&p.Provider, &p.ProviderTransactionID, &response, &p.Fees.PlatformFee, &p.Fees.GatewayFee, &p.Fees.Total,
		&settle, &refund, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt, &p.FailedAt, &p.CancelledAt, &p.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Payment{}, err
	}
	p.Currency = domain.Currency(currency)
	p.Method = domain.Method(method)
	p.Status = domain.Status(status)
	p.ProviderResponse = response
	if len(details) > 0 {
		if err := json.Unmarshal(details, &p.MethodDetails); err != nil {
			return domain.Payment{}, fmt.Errorf("decode method details: %w", err)
		}
	}
	if len(settle) > 0 {
		p.Settlement = &domain.Settlement{}
		if err := json.Unmarshal(settle, p.Settlement); err != nil {
			return domain.Payment{}, fmt.Errorf("decode settlement: %w", err)
		}
	}
	if len(refund) > 0 {
		p.Refund = &domain.Refund{}
		if err := json.Unmarshal(refund, p.Refund); err != nil {
			return domain.Payment{}, fmt.Errorf("decode refund: %w", err)
		}
	}
	return p, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func marshalOptional[T any](v *T) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func statusStrings(ss []domain.Status) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	return out
}

package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

const DefaultPaymentTTL = 30 * time.Minute

// FeeSchedule holds fractional rates, e.g. 0.05 for five percent.
type FeeSchedule struct {
	PlatformRate decimal.Decimal
	GatewayRates map[domain.Method]decimal.Decimal
}

func (f FeeSchedule) For(amount decimal.Decimal, c domain.Currency, m domain.Method) domain.Fees {
	platform := domain.RoundMinor(amount.Mul(f.PlatformRate), c)
	gw := domain.RoundMinor(amount.Mul(f.GatewayRates[m]), c)
	return domain.Fees{PlatformFee: platform, GatewayFee: gw, Total: platform.Add(gw)}
}

type CreateInput struct {
	OrderID       string
	UserID        string
	Amount        decimal.Decimal
	Currency      domain.Currency
	Method        domain.Method
	MethodDetails domain.MethodDetails
}

type Correlation struct {
	Provider              string
	ProviderTransactionID string
	Raw                   json.RawMessage
}

// Ledger is the single writer of payment status.
type Ledger struct {
	log    *slog.Logger
	repo   PaymentRepository
	fees   FeeSchedule
	ttl    time.Duration
	clock  func() time.Time
	newRef func() string
}

type LedgerOption func(*Ledger)

func WithFees(f FeeSchedule) LedgerOption { return func(l *Ledger) { l.fees = f } }

func WithTTL(d time.Duration) LedgerOption {
	return func(l *Ledger) {
		if d > 0 {
			l.ttl = d
		}
	}
}

func WithLedgerClock(clock func() time.Time) LedgerOption {
	return func(l *Ledger) { l.clock = clock }
}

func WithReferences(gen func() string) LedgerOption {
	return func(l *Ledger) { l.newRef = gen }
}

func NewLedger(log *slog.Logger, repo PaymentRepository, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		log:    log,
		repo:   repo,
		fees:   FeeSchedule{PlatformRate: decimal.Zero},
		ttl:    DefaultPaymentTTL,
		clock:  time.Now,
		newRef: domain.NewReference,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) now() time.Time { return l.clock().UTC() }

func (l *Ledger) Create(ctx context.Context, in CreateInput) (domain.Payment, error) {
	if strings.TrimSpace(in.OrderID) == "" {
		return domain.Payment{}, &domain.ValidationError{Field: "orderId", Reason: "is required"}
	}
	if strings.TrimSpace(in.UserID) == "" {
		return domain.Payment{}, &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	if !in.Method.Valid() {
		return domain.Payment{}, &domain.ValidationError{Field: "method", Reason: "unsupported method " + string(in.Method)}
	}
	if err := domain.ValidateAmount(in.Amount, in.Currency); err != nil {
		return domain.Payment{}, err
	}

	now := l.now()
	p := domain.Payment{
		Reference:     l.newRef(),
		OrderID:       in.OrderID,
		UserID:        in.UserID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Method:        in.Method,
		MethodDetails: in.MethodDetails,
		Status:        domain.StatusPending,
		Fees:          l.fees.For(in.Amount, in.Currency, in.Method),
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(l.ttl),
	}
	if err := l.repo.Create(ctx, p); err != nil {
		return domain.Payment{}, fmt.Errorf("create payment: %w", err)
	}
	l.log.Info("payment created", "reference", p.Reference, "order_id", p.OrderID, "method", p.Method, "amount", p.Amount.String(), "currency", p.Currency)
	return p, nil
}

func (l *Ledger) MarkProcessing(ctx context.Context, p domain.Payment, c Correlation) (domain.Payment, bool, error) {
	now := l.now()
	return l.apply(ctx, p, domain.Transition{
		To:                    domain.StatusProcessing,
		At:                    now,
		Provider:              c.Provider,
		ProviderTransactionID: c.ProviderTransactionID,
		ProviderResponse:      c.Raw,
		Attempt:               &domain.Attempt{At: now, Status: domain.StatusProcessing, Payload: c.Raw, Source: domain.SourceInitiate},
	})
}

// MarkCompleted is idempotent: a completed payment keeps its CompletedAt and only gains an attempt entry.
func (l *Ledger) MarkCompleted(ctx context.Context, p domain.Payment, providerTxID string, raw json.RawMessage, src domain.AttemptSource) (domain.Payment, bool, error) {
	now := l.now()
	payload, _ := json.Marshal(domain.PaymentCompleted{
		Reference:             p.Reference,
		OrderID:               p.OrderID,
		Amount:                p.Amount.String(),
		Currency:              p.Currency,
		Method:                p.Method,
		ProviderTransactionID: firstNonEmpty(p.ProviderTransactionID, providerTxID),
		CompletedAt:           now,
	})
	return l.apply(ctx, p, domain.Transition{
		To:                    domain.StatusCompleted,
		At:                    now,
		ProviderTransactionID: providerTxID,
		ProviderResponse:      raw,
		Settlement:            &domain.Settlement{Status: domain.SettlementPending, Amount: p.Amount.Sub(p.Fees.Total)},
		Attempt:               &domain.Attempt{At: now, Status: domain.StatusCompleted, Payload: raw, Source: src},
		Event:                 &domain.Event{Type: domain.EventPaymentCompleted, Payload: payload},
	})
}

func (l *Ledger) MarkFailed(ctx context.Context, p domain.Payment, msg string, raw json.RawMessage, src domain.AttemptSource) (domain.Payment, bool, error) {
	now := l.now()
	payload, _ := json.Marshal(domain.PaymentFailed{Reference: p.Reference, OrderID: p.OrderID, Reason: msg, FailedAt: now})
	return l.apply(ctx, p, domain.Transition{
		To:               domain.StatusFailed,
		At:               now,
		ProviderResponse: raw,
		FailureReason:    msg,
		Attempt:          &domain.Attempt{At: now, Status: domain.StatusFailed, Error: msg, Payload: raw, Source: src},
		Event:            &domain.Event{Type: domain.EventPaymentFailed, Payload: payload},
	})
}

func (l *Ledger) Cancel(ctx context.Context, p domain.Payment, reason string) (domain.Payment, bool, error) {
	now := l.now()
	payload, _ := json.Marshal(domain.PaymentCancelled{Reference: p.Reference, OrderID: p.OrderID, Reason: reason})
	return l.apply(ctx, p, domain.Transition{
		To:            domain.StatusCancelled,
		At:            now,
		FailureReason: reason,
		Attempt:       &domain.Attempt{At: now, Status: domain.StatusCancelled, Error: reason, Source: domain.SourceManual},
		Event:         &domain.Event{Type: domain.EventPaymentCancelled, Payload: payload},
	})
}

// Refund moves a completed payment to refunded. A zero amount refunds in full.
func (l *Ledger) Refund(ctx context.Context, p domain.Payment, amount decimal.Decimal, reason string) (domain.Payment, bool, error) {
	if amount.IsZero() {
		amount = p.Amount
	}
	if amount.IsNegative() || amount.GreaterThan(p.Amount) {
		return p, false, &domain.ValidationError{Field: "amount", Reason: "refund must be between 0 and the paid amount"}
	}
	if err := domain.ValidateAmount(amount, p.Currency); err != nil {
		return p, false, err
	}
	now := l.now()
	refund := &domain.Refund{Amount: amount, Reason: reason, RefundedAt: now, RefundID: "rf_" + strings.ReplaceAll(uuid.NewString(), "-", "")}
	payload, _ := json.Marshal(domain.PaymentRefunded{Reference: p.Reference, OrderID: p.OrderID, Amount: amount.String(), RefundID: refund.RefundID, Reason: reason})
	return l.apply(ctx, p, domain.Transition{
		To:      domain.StatusRefunded,
		At:      now,
		Refund:  refund,
		Attempt: &domain.Attempt{At: now, Status: domain.StatusRefunded, Error: reason, Source: domain.SourceManual},
		Event:   &domain.Event{Type: domain.EventPaymentRefunded, Payload: payload},
	})
}

// RecordAttempt appends to the attempts log regardless of the payment's status.
func (l *Ledger) RecordAttempt(ctx context.Context, p domain.Payment, status domain.Status, msg string, raw json.RawMessage, src domain.AttemptSource) error {
	a := domain.Attempt{At: l.now(), Status: status, Error: msg, Payload: raw, Source: src}
	if err := l.repo.AppendAttempt(ctx, p.Reference, a); err != nil {
		return fmt.Errorf("record attempt %s: %w", p.Reference, err)
	}
	return nil
}

// apply runs the CAS and re-reads the stored payment. A lost CAS whose stored
// status already equals the target is a no-op; any other lost CAS is an
// InvalidTransitionError. The attempt is logged either way.
func (l *Ledger) apply(ctx context.Context, p domain.Payment, t domain.Transition) (domain.Payment, bool, error) {
	t.Reference = p.Reference
	t.From = domain.AllowedFrom(t.To)

	applied, err := l.repo.Apply(ctx, t)
	if err != nil {
		return p, false, fmt.Errorf("apply %s to %s: %w", t.To, p.Reference, err)
	}
	cur, err := l.repo.Get(ctx, p.Reference)
	if err != nil {
		return p, applied, fmt.Errorf("reload %s: %w", p.Reference, err)
	}
	if applied {
		l.log.Info("payment transitioned", "reference", p.Reference, "from", p.Status, "to", t.To)
		return cur, true, nil
	}
	if cur.Status == t.To {
		l.log.Debug("payment transition already applied", "reference", p.Reference, "status", cur.Status)
		return cur, false, nil
	}
	err = &domain.InvalidTransitionError{Reference: p.Reference, From: cur.Status, To: t.To}
	l.log.Warn("payment transition rejected", "reference", p.Reference, "err", err)
	return cur, false, err
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

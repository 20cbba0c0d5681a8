package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	orderdom "github.com/dmehra2102/marketplace-payments/internal/order/domain"
	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
	userdom "github.com/dmehra2102/marketplace-payments/internal/user/domain"
)

type InitiateRequest struct {
	OrderID       string
	UserID        string
	Method        domain.Method
	MethodDetails domain.MethodDetails
	// Amount and Currency are optional; when set they must match the order.
	Amount   *decimal.Decimal
	Currency string
}

type InitiateResult struct {
	Payment               domain.Payment
	ProviderTransactionID string
	RedirectURL           string
	Instructions          string
}

type PollResult struct {
	Payment       domain.Payment
	GatewayStatus gateway.Status
	GatewayNative string
	Raw           json.RawMessage
}

type SweepReport struct {
	Scanned int `json:"scanned"`
	Polled  int `json:"polled"`
	Purged  int `json:"purged"`
}

// observation is one gateway verdict about a payment, from any trigger source.
type observation struct {
	Status                gateway.Status
	Native                string
	Message               string
	ProviderTransactionID string
	Raw                   json.RawMessage
	Source                domain.AttemptSource
}

// Reconciler drives payments to convergence from client polling, provider
// webhooks and the expiry sweep. The first terminal status stored wins.
type Reconciler struct {
	log        *slog.Logger
	ledger     *Ledger
	payments   PaymentRepository
	orders     OrderReader
	users      UserReader
	linker     OrderLinker
	gateways   Gateways
	tracer     trace.Tracer
	clock      func() time.Time
	retention  time.Duration
	sweepBatch int
}

type ReconcilerOption func(*Reconciler)

func WithClock(clock func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.clock = clock }
}

// WithRetention sets how long past expiry an abandoned payment is kept before purge.
func WithRetention(d time.Duration) ReconcilerOption {
	return func(r *Reconciler) { r.retention = d }
}

func WithSweepBatch(n int) ReconcilerOption {
	return func(r *Reconciler) {
		if n > 0 {
			r.sweepBatch = n
		}
	}
}

func NewReconciler(log *slog.Logger, ledger *Ledger, payments PaymentRepository, orders OrderReader, users UserReader, linker OrderLinker, gateways Gateways, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		log:        log,
		ledger:     ledger,
		payments:   payments,
		orders:     orders,
		users:      users,
		linker:     linker,
		gateways:   gateways,
		tracer:     otel.Tracer("payment-reconciler"),
		clock:      time.Now,
		retention:  24 * time.Hour,
		sweepBatch: 100,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Reconciler) InitiatePayment(ctx context.Context, req InitiateRequest) (InitiateResult, error) {
	ctx, span := r.tracer.Start(ctx, "InitiatePayment", trace.WithAttributes(
		attribute.String("order.id", req.OrderID),
		attribute.String("payment.method", string(req.Method)),
	))
	defer span.End()

	if !req.Method.Valid() {
		return InitiateResult{}, &domain.ValidationError{Field: "method", Reason: "unsupported method " + string(req.Method)}
	}
	client, ok := r.gateways.ForMethod(req.Method)
	if !ok {
		return InitiateResult{}, &domain.ValidationError{Field: "method", Reason: string(req.Method) + " has no payment gateway configured"}
	}
	if req.Method.MobileMoney() && strings.TrimSpace(req.MethodDetails.PhoneNumber) == "" {
		return InitiateResult{}, &domain.ValidationError{Field: "phoneNumber", Reason: "is required for mobile money"}
	}

	user, err := r.users.Get(ctx, req.UserID)
	if errors.Is(err, userdom.ErrNotFound) {
		return InitiateResult{}, &domain.NotFoundError{Kind: "user", ID: req.UserID}
	}
	if err != nil {
		return InitiateResult{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return InitiateResult{}, &domain.ValidationError{Field: "userId", Reason: "account is not active"}
	}

	order, err := r.orders.Get(ctx, req.OrderID)
	if errors.Is(err, orderdom.ErrNotFound) {
		return InitiateResult{}, &domain.NotFoundError{Kind: "order", ID: req.OrderID}
	}
	if err != nil {
		return InitiateResult{}, fmt.Errorf("load order: %w", err)
	}
	amount, currency, err := payableAmount(order, user, req)
	if err != nil {
		return InitiateResult{}, err
	}

	p, err := r.ledger.Create(ctx, CreateInput{
		OrderID:       order.ID,
		UserID:        user.ID,
		Amount:        amount,
		Currency:      currency,
		Method:        req.Method,
		MethodDetails: req.MethodDetails,
	})
	if err != nil {
		return InitiateResult{}, err
	}
	span.SetAttributes(attribute.String("payment.reference", p.Reference))

	res, err := client.Initiate(ctx, gateway.Request{
		Amount:       p.Amount,
		Currency:     p.Currency,
		PayerAddress: req.MethodDetails.PhoneNumber,
		Reference:    p.Reference,
		ReturnURL:    req.MethodDetails.ReturnURL,
	})
	if err != nil {
		span.RecordError(err)
		raw := errorPayload(err)
		if gateway.IsTemporary(err) {
			// unknown outcome: keep the payment pending so a retry is safe
			if aerr := r.ledger.RecordAttempt(ctx, p, domain.StatusPending, err.Error(), raw, domain.SourceInitiate); aerr != nil {
				r.log.Error("record initiation attempt failed", "reference", p.Reference, "err", aerr)
			}
			r.log.Warn("gateway initiation outcome unknown", "reference", p.Reference, "err", err)
			return InitiateResult{Payment: p}, fmt.Errorf("initiate payment %s: %w", p.Reference, err)
		}
		failed, _, ferr := r.ledger.MarkFailed(ctx, p, err.Error(), raw, domain.SourceInitiate)
		if ferr != nil {
			r.log.Error("mark failed after initiation error", "reference", p.Reference, "err", ferr)
		} else {
			p = failed
		}
		r.log.Warn("gateway initiation rejected", "reference", p.Reference, "err", err)
		return InitiateResult{Payment: p}, fmt.Errorf("initiate payment %s: %w", p.Reference, err)
	}

	processing, _, err := r.ledger.MarkProcessing(ctx, p, Correlation{
		Provider:              string(client.Provider()),
		ProviderTransactionID: res.ProviderTransactionID,
		Raw:                   res.Raw,
	})
	switch {
	case err == nil:
		p = processing
	case domain.IsInvalidTransition(err) && processing.Status.Terminal():
		// a webhook settled the payment before the initiation call returned
		p = processing
	default:
		return InitiateResult{Payment: p}, err
	}

	return InitiateResult{
		Payment:               p,
		ProviderTransactionID: res.ProviderTransactionID,
		RedirectURL:           res.RedirectURL,
		Instructions:          res.Instructions,
	}, nil
}

func payableAmount(o orderdom.Order, u userdom.User, req InitiateRequest) (decimal.Decimal, domain.Currency, error) {
	if o.BuyerID != u.ID {
		return decimal.Zero, "", &domain.ValidationError{Field: "orderId", Reason: "does not belong to the requesting user"}
	}
	if o.SellerID == u.ID {
		return decimal.Zero, "", &domain.ValidationError{Field: "orderId", Reason: "cannot pay for your own listing"}
	}
	if o.PaymentStatus == orderdom.PaymentPaid {
		return decimal.Zero, "", &domain.ValidationError{Field: "orderId", Reason: "order is already paid"}
	}
	if !o.Payable() {
		return decimal.Zero, "", &domain.ValidationError{Field: "orderId", Reason: "order is not payable"}
	}

	currency, err := domain.ParseCurrency(o.Currency)
	if err != nil {
		return decimal.Zero, "", err
	}
	if req.Currency != "" {
		c, err := domain.ParseCurrency(req.Currency)
		if err != nil {
			return decimal.Zero, "", err
		}
		if c != currency {
			return decimal.Zero, "", &domain.ValidationError{Field: "currency", Reason: "does not match the order currency " + string(currency)}
		}
	}
	amount := o.Total
	if req.Amount != nil && !req.Amount.Equal(o.Total) {
		return decimal.Zero, "", &domain.ValidationError{Field: "amount", Reason: "does not match the order total " + o.Total.String()}
	}
	return amount, currency, nil
}

// PollStatus asks the gateway for a non-terminal payment's status and applies
// the answer. Terminal payments are returned as stored, after re-running the
// order linkage for completed ones.
func (r *Reconciler) PollStatus(ctx context.Context, reference string) (PollResult, error) {
	ctx, span := r.tracer.Start(ctx, "PollStatus", trace.WithAttributes(attribute.String("payment.reference", reference)))
	defer span.End()

	p, err := r.payments.Get(ctx, reference)
	if err != nil {
		return PollResult{}, notFound(err, reference)
	}
	return r.poll(ctx, p, domain.SourcePoll)
}

func (r *Reconciler) poll(ctx context.Context, p domain.Payment, src domain.AttemptSource) (PollResult, error) {
	if p.Status.Terminal() {
		if p.Status == domain.StatusCompleted {
			if err := r.linker.PaymentCompleted(ctx, p.OrderID); err != nil {
				r.log.Error("order linkage repair failed", "reference", p.Reference, "order_id", p.OrderID, "err", err)
			}
		}
		return PollResult{Payment: p}, nil
	}
	if p.ProviderTransactionID == "" {
		return PollResult{Payment: p, GatewayStatus: gateway.StatusPending}, nil
	}
	client, ok := r.gateways.ForProvider(gateway.Provider(p.Provider))
	if !ok {
		return PollResult{}, fmt.Errorf("payment %s: no gateway for provider %q", p.Reference, p.Provider)
	}

	st, err := client.CheckStatus(ctx, p.ProviderTransactionID)
	if err != nil {
		// transport failure: outcome unknown, leave the payment as it is
		r.log.Warn("gateway status check failed", "reference", p.Reference, "err", err)
		return PollResult{Payment: p}, fmt.Errorf("check status %s: %w", p.Reference, err)
	}

	updated, err := r.apply(ctx, p, observation{
		Status: st.Status,
		Native: st.Native,
		Raw:    st.Raw,
		Source: src,
	})
	res := PollResult{Payment: updated, GatewayStatus: st.Status, GatewayNative: st.Native, Raw: st.Raw}
	if errors.Is(err, errLinkage) {
		r.log.Error("order linkage failed after poll", "reference", p.Reference, "err", err)
		return res, nil
	}
	return res, err
}

// HandleWebhook applies a provider notification. Notifications for unknown
// payments are logged and acknowledged.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider gateway.Provider, payload []byte) error {
	ctx, span := r.tracer.Start(ctx, "HandleWebhook", trace.WithAttributes(attribute.String("gateway.provider", string(provider))))
	defer span.End()

	client, ok := r.gateways.ForProvider(provider)
	if !ok {
		return &domain.NotFoundError{Kind: "provider", ID: string(provider)}
	}
	ev, err := client.ParseWebhook(payload)
	if err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}

	p, err := r.lookup(ctx, provider, ev)
	if errors.Is(err, domain.ErrNotFound) {
		r.log.Warn("webhook for unknown payment ignored", "provider", provider, "reference", ev.Reference, "provider_tx", ev.ProviderTransactionID, "status", ev.Native)
		return nil
	}
	if err != nil {
		return err
	}
	span.SetAttributes(attribute.String("payment.reference", p.Reference))

	obs := observation{
		Status:                ev.Status,
		Native:                ev.Native,
		Message:               ev.Message,
		ProviderTransactionID: ev.ProviderTransactionID,
		Raw:                   ev.Raw,
		Source:                domain.SourceWebhook,
	}
	// Signed deliveries are verified before they get here. A terminal payment
	// can only gain an attempt entry, so its notifications need no check.
	if _, signed := client.(gateway.Verifier); !signed && !p.Status.Terminal() {
		if obs, err = r.confirm(ctx, client, p, ev); err != nil {
			return err
		}
	}
	_, err = r.apply(ctx, p, obs)
	return err
}

// confirm replaces the status claimed by an unsigned notification with the
// gateway's own answer for the stored transaction. The notification body
// stays the attempt payload.
func (r *Reconciler) confirm(ctx context.Context, client gateway.Client, p domain.Payment, ev gateway.WebhookEvent) (observation, error) {
	obs := observation{
		Status:  gateway.StatusPending,
		Native:  ev.Native,
		Message: ev.Message,
		Raw:     ev.Raw,
		Source:  domain.SourceWebhook,
	}
	if p.ProviderTransactionID == "" {
		r.log.Warn("unsigned webhook for uncorrelated payment not applied", "reference", p.Reference, "claimed", ev.Native)
		obs.Message = "notification reported " + ev.Native + ", no transaction to confirm"
		return obs, nil
	}

	st, err := client.CheckStatus(ctx, p.ProviderTransactionID)
	if err != nil {
		obs.Message = "notification reported " + ev.Native + ", confirmation failed: " + err.Error()
		if aerr := r.ledger.RecordAttempt(ctx, p, p.Status, obs.Message, obs.Raw, obs.Source); aerr != nil {
			r.log.Error("record webhook attempt failed", "reference", p.Reference, "err", aerr)
		}
		return obs, fmt.Errorf("confirm webhook %s: %w", p.Reference, err)
	}
	if st.Status != ev.Status {
		r.log.Warn("webhook status not confirmed by gateway", "reference", p.Reference, "claimed", ev.Native, "gateway", st.Native)
		obs.Message = fmt.Sprintf("notification reported %s, gateway reports %s", ev.Native, st.Native)
	}
	obs.Native = st.Native
	if st.Status != gateway.StatusNotFound {
		obs.Status = st.Status
	}
	return obs, nil
}

func (r *Reconciler) lookup(ctx context.Context, provider gateway.Provider, ev gateway.WebhookEvent) (domain.Payment, error) {
	if ev.Reference != "" {
		p, err := r.payments.Get(ctx, ev.Reference)
		if err == nil || !errors.Is(err, domain.ErrNotFound) {
			return p, err
		}
	}
	if ev.ProviderTransactionID != "" {
		return r.payments.FindByProviderTransaction(ctx, string(provider), ev.ProviderTransactionID)
	}
	return domain.Payment{}, domain.ErrNotFound
}

var errLinkage = errors.New("order linkage")

// apply routes an observation through the ledger. Contradictions of a stored
// terminal status end up in the attempts log only.
func (r *Reconciler) apply(ctx context.Context, p domain.Payment, obs observation) (domain.Payment, error) {
	switch obs.Status {
	case gateway.StatusSucceeded:
		updated, applied, err := r.ledger.MarkCompleted(ctx, p, obs.ProviderTransactionID, obs.Raw, obs.Source)
		if domain.IsInvalidTransition(err) {
			r.log.Warn("late success observation ignored", "reference", p.Reference, "stored", updated.Status, "source", obs.Source)
			return updated, nil
		}
		if err != nil {
			return p, err
		}
		if applied || updated.Status == domain.StatusCompleted {
			if err := r.linker.PaymentCompleted(ctx, updated.OrderID); err != nil {
				return updated, fmt.Errorf("%w: %w", errLinkage, err)
			}
		}
		return updated, nil

	case gateway.StatusFailed:
		msg := obs.Message
		if msg == "" {
			msg = "provider reported " + obs.Native
		}
		updated, applied, err := r.ledger.MarkFailed(ctx, p, msg, obs.Raw, obs.Source)
		if domain.IsInvalidTransition(err) {
			r.log.Warn("late failure observation ignored", "reference", p.Reference, "stored", updated.Status, "source", obs.Source)
			return updated, nil
		}
		if err != nil {
			return p, err
		}
		if applied {
			if err := r.linker.PaymentFailed(ctx, updated.OrderID); err != nil {
				return updated, fmt.Errorf("%w: %w", errLinkage, err)
			}
		}
		return updated, nil

	case gateway.StatusPending:
		if obs.Source == domain.SourceWebhook {
			if err := r.ledger.RecordAttempt(ctx, p, p.Status, obs.Message, obs.Raw, obs.Source); err != nil {
				return p, err
			}
		}
	}
	return p, nil
}

func (r *Reconciler) Get(ctx context.Context, reference string) (domain.Payment, error) {
	p, err := r.payments.Get(ctx, reference)
	if err != nil {
		return domain.Payment{}, notFound(err, reference)
	}
	return p, nil
}

// Cancel abandons a pending or processing payment owned by userID.
func (r *Reconciler) Cancel(ctx context.Context, reference, userID, reason string) (domain.Payment, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Payment{}, &domain.ValidationError{Field: "userId", Reason: "is required"}
	}
	p, err := r.payments.Get(ctx, reference)
	if err != nil {
		return domain.Payment{}, notFound(err, reference)
	}
	if p.UserID != userID {
		return domain.Payment{}, &domain.ValidationError{Field: "reference", Reason: "does not belong to the requesting user"}
	}
	if reason == "" {
		reason = "cancelled by user"
	}
	updated, _, err := r.ledger.Cancel(ctx, p, reason)
	return updated, err
}

func (r *Reconciler) Refund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (domain.Payment, error) {
	p, err := r.payments.Get(ctx, reference)
	if err != nil {
		return domain.Payment{}, notFound(err, reference)
	}
	updated, applied, err := r.ledger.Refund(ctx, p, amount, reason)
	if err != nil {
		return updated, err
	}
	if applied {
		if err := r.linker.PaymentRefunded(ctx, updated.OrderID); err != nil {
			return updated, fmt.Errorf("%w: %w", errLinkage, err)
		}
	}
	return updated, nil
}

// SweepExpired polls expired processing payments once and purges abandoned
// ones past the retention window. It never fails a payment on its own.
func (r *Reconciler) SweepExpired(ctx context.Context) (SweepReport, error) {
	ctx, span := r.tracer.Start(ctx, "SweepExpired")
	defer span.End()

	now := r.clock().UTC()
	expired, err := r.payments.ListExpired(ctx, now, r.sweepBatch)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list expired: %w", err)
	}

	rep := SweepReport{Scanned: len(expired)}
	for _, p := range expired {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		if p.Status == domain.StatusProcessing && p.ProviderTransactionID != "" {
			rep.Polled++
			res, err := r.poll(ctx, p, domain.SourceSweep)
			if err != nil {
				r.log.Warn("sweep poll failed", "reference", p.Reference, "err", err)
				continue
			}
			p = res.Payment
		}
		if p.Status.Terminal() {
			continue
		}
		cutoff := now.Add(-r.retention)
		if !p.ExpiresAt.Before(cutoff) {
			continue
		}
		purged, err := r.payments.Purge(ctx, p.Reference, cutoff)
		if err != nil {
			r.log.Error("purge expired payment failed", "reference", p.Reference, "err", err)
			continue
		}
		if purged {
			rep.Purged++
			r.log.Info("expired payment purged", "reference", p.Reference, "status", p.Status, "expired_at", p.ExpiresAt)
		}
	}
	return rep, nil
}

func notFound(err error, reference string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return &domain.NotFoundError{Kind: "payment", ID: reference}
	}
	return err
}

func errorPayload(err error) json.RawMessage {
	body := map[string]any{"error": err.Error()}
	var ge *gateway.Error
	if errors.As(err, &ge) {
		body["provider"] = ge.Provider
		body["op"] = ge.Op
		if ge.StatusCode != 0 {
			body["httpStatus"] = ge.StatusCode
		}
	}
	raw, _ := json.Marshal(body)
	return raw
}

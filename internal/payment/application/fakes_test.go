package application

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	orderdom "github.com/dmehra2102/marketplace-payments/internal/order/domain"
	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
	userdom "github.com/dmehra2102/marketplace-payments/internal/user/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memPayments mirrors the SQL compare-and-set of the postgres repository.
type memPayments struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	events   []domain.Event
	applyErr error
}

func newMemPayments() *memPayments {
	return &memPayments{payments: map[string]domain.Payment{}}
}

func (m *memPayments) Create(ctx context.Context, p domain.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.Reference]; ok {
		return fmt.Errorf("duplicate reference %s", p.Reference)
	}
	m.payments[p.Reference] = p
	return nil
}

func (m *memPayments) Get(ctx context.Context, reference string) (domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok {
		return domain.Payment{}, domain.ErrNotFound
	}
	p.Attempts = append([]domain.Attempt(nil), p.Attempts...)
	return p, nil
}

func (m *memPayments) FindByProviderTransaction(ctx context.Context, provider, txID string) (domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.Provider == provider && p.ProviderTransactionID == txID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.ErrNotFound
}

func (m *memPayments) Apply(ctx context.Context, t domain.Transition) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return false, m.applyErr
	}
	p, ok := m.payments[t.Reference]
	if !ok {
		return false, nil
	}
	applied := false
	for _, s := range t.From {
		if p.Status == s {
			applied = true
		}
	}
	if applied {
		p.Status = t.To
		p.UpdatedAt = t.At
		if t.Provider != "" {
			p.Provider = t.Provider
		}
		if p.ProviderTransactionID == "" {
			p.ProviderTransactionID = t.ProviderTransactionID
		}
		if len(t.ProviderResponse) > 0 {
			p.ProviderResponse = t.ProviderResponse
		}
		if t.FailureReason != "" {
			p.FailureReason = t.FailureReason
		}
		if t.Settlement != nil {
			p.Settlement = t.Settlement
		}
		if t.Refund != nil {
			p.Refund = t.Refund
		}
		at := t.At
		switch t.To {
		case domain.StatusCompleted:
			p.CompletedAt = &at
		case domain.StatusFailed:
			p.FailedAt = &at
		case domain.StatusCancelled:
			p.CancelledAt = &at
		}
		if t.Event != nil {
			m.events = append(m.events, *t.Event)
		}
	}
	if t.Attempt != nil {
		p.Attempts = append(p.Attempts, *t.Attempt)
	}
	m.payments[t.Reference] = p
	return applied, nil
}

func (m *memPayments) AppendAttempt(ctx context.Context, reference string, a domain.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok {
		return domain.ErrNotFound
	}
	p.Attempts = append(p.Attempts, a)
	m.payments[reference] = p
	return nil
}

func (m *memPayments) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Payment
	for _, p := range m.payments {
		if !p.Status.Terminal() && p.ExpiresAt.Before(now) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayments) Purge(ctx context.Context, reference string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[reference]
	if !ok || p.Status.Terminal() || !p.ExpiresAt.Before(cutoff) {
		return false, nil
	}
	delete(m.payments, reference)
	return true, nil
}

func (m *memPayments) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e.Type)
	}
	return out
}

// memOrders serves both the order reader and the linkage repository.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]orderdom.Order
	saves  int
	getErr error
}

func newMemOrders(orders ...orderdom.Order) *memOrders {
	m := &memOrders{orders: map[string]orderdom.Order{}}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memOrders) Get(ctx context.Context, id string) (orderdom.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return orderdom.Order{}, m.getErr
	}
	o, ok := m.orders[id]
	if !ok {
		return orderdom.Order{}, orderdom.ErrNotFound
	}
	return o, nil
}

func (m *memOrders) Save(ctx context.Context, o, from orderdom.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.orders[o.ID]
	if !ok || cur.Status != from.Status || cur.PaymentStatus != from.PaymentStatus {
		return orderdom.ErrConflict
	}
	m.orders[o.ID] = o
	m.saves++
	return nil
}

func (m *memOrders) order(id string) orderdom.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

type memUsers map[string]userdom.User

func (m memUsers) Get(ctx context.Context, id string) (userdom.User, error) {
	u, ok := m[id]
	if !ok {
		return userdom.User{}, userdom.ErrNotFound
	}
	return u, nil
}

// fakeGateway returns canned answers and counts calls.
type fakeGateway struct {
	mu          sync.Mutex
	provider    gateway.Provider
	initiateErr error
	result      gateway.Result
	status      gateway.StatusResult
	statusErr   error
	initiated   []gateway.Request
	checks      int
	// duringCheck runs inside CheckStatus after the answer is chosen.
	duringCheck func()
}

func (g *fakeGateway) Provider() gateway.Provider { return g.provider }

func (g *fakeGateway) Authenticate(ctx context.Context) (gateway.Token, error) {
	return gateway.Token{AccessToken: "tok"}, nil
}

func (g *fakeGateway) Initiate(ctx context.Context, r gateway.Request) (gateway.Result, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.initiated = append(g.initiated, r)
	if g.initiateErr != nil {
		return gateway.Result{}, g.initiateErr
	}
	return g.result, nil
}

func (g *fakeGateway) CheckStatus(ctx context.Context, id string) (gateway.StatusResult, error) {
	g.mu.Lock()
	g.checks++
	st, err, hook := g.status, g.statusErr, g.duringCheck
	g.duringCheck = nil
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	return st, err
}

func (g *fakeGateway) setStatus(st gateway.StatusResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = st
}

// signedGateway is a fakeGateway whose deliveries carry a verified signature.
type signedGateway struct {
	*fakeGateway
}

func (signedGateway) VerifyWebhook(http.Header, []byte) error { return nil }

type fakeNotification struct {
	Reference string `json:"reference"`
	TxID      string `json:"txid"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

func (g *fakeGateway) ParseWebhook(payload []byte) (gateway.WebhookEvent, error) {
	var n fakeNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return gateway.WebhookEvent{}, err
	}
	return gateway.WebhookEvent{
		Reference:             n.Reference,
		ProviderTransactionID: n.TxID,
		Status:                gateway.MapStatus(n.Status),
		Native:                n.Status,
		Message:               n.Message,
		Raw:                   payload,
	}, nil
}

func (g *fakeGateway) checkCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checks
}

func notification(ref, txID, status string) []byte {
	b, _ := json.Marshal(fakeNotification{Reference: ref, TxID: txID, Status: status})
	return b
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// Package gateway normalizes the card processor and the mobile-money operators
// behind one provider-neutral Client.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

type Provider string

const (
	ProviderCard        Provider = "card"
	ProviderOrangeMoney Provider = "orange_money"
	ProviderMTNMoMo     Provider = "mtn_momo"
)

// Status is the neutral status vocabulary.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusNotFound  Status = "not_found"
)

type Token struct {
	AccessToken string
	Type        string
	ExpiresAt   time.Time
}

type Request struct {
	Amount       decimal.Decimal
	Currency     domain.Currency
	PayerAddress string
	Reference    string
	ReturnURL    string
}

type Result struct {
	ProviderTransactionID string
	RedirectURL           string
	Instructions          string
	Raw                   json.RawMessage
}

type StatusResult struct {
	Status Status
	Native string
	Raw    json.RawMessage
}

type WebhookEvent struct {
	EventID               string
	Reference             string
	ProviderTransactionID string
	Status                Status
	Native                string
	Message               string
	Raw                   json.RawMessage
}

type Client interface {
	Provider() Provider
	// Authenticate fetches a fresh credential on every call.
	Authenticate(ctx context.Context) (Token, error)
	Initiate(ctx context.Context, req Request) (Result, error)
	CheckStatus(ctx context.Context, providerTransactionID string) (StatusResult, error)
	ParseWebhook(payload []byte) (WebhookEvent, error)
}

// Verifier is implemented by providers that sign their webhook deliveries.
type Verifier interface {
	VerifyWebhook(header http.Header, payload []byte) error
}

var (
	ErrAuth       = errors.New("gateway auth error")
	ErrInitiation = errors.New("gateway initiation error")
	ErrStatus     = errors.New("gateway status error")
	ErrWebhook    = errors.New("gateway webhook error")
	ErrSignature  = errors.New("webhook signature invalid")
)

// Error carries the failing provider call. Kind is one of the Err* sentinels.
type Error struct {
	Kind       error
	Provider   Provider
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Kind, e.Provider, e.Op)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Body != "" {
		msg += ": " + e.Body
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// Temporary reports an unknown outcome: transport failures, 5xx, 429 and an
// accepted (2xx) reply whose body could not be read.
func (e *Error) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return e.Err != nil
	case e.StatusCode >= 200 && e.StatusCode < 300:
		return e.Err != nil
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// IsTemporary reports whether err is a gateway error whose outcome is unknown.
// Auth failures count as temporary: the payment request never reached the provider.
func IsTemporary(err error) bool {
	var ge *Error
	if !errors.As(err, &ge) {
		return false
	}
	return ge.Kind == ErrAuth || ge.Temporary()
}

// MapStatus maps a provider's native status string to the neutral vocabulary.
// Only explicit declines map to failed; intermediate card intent states such
// as requires_payment_method are still pending.
func MapStatus(native string) Status {
	switch strings.ToLower(strings.TrimSpace(native)) {
	case "successful", "success", "succeeded", "completed", "paid":
		return StatusSucceeded
	case "failed", "failure", "rejected", "expired", "canceled", "cancelled",
		"payment_failed", "declined", "timeout":
		return StatusFailed
	case "not_found":
		return StatusNotFound
	}
	return StatusPending
}

// Registry resolves clients by payment method and by provider name.
type Registry struct {
	byMethod   map[domain.Method]Client
	byProvider map[Provider]Client
}

func NewRegistry() *Registry {
	return &Registry{
		byMethod:   make(map[domain.Method]Client),
		byProvider: make(map[Provider]Client),
	}
}

func (r *Registry) Register(m domain.Method, c Client) {
	r.byMethod[m] = c
	r.byProvider[c.Provider()] = c
}

func (r *Registry) ForMethod(m domain.Method) (Client, bool) {
	c, ok := r.byMethod[m]
	return c, ok
}

func (r *Registry) ForProvider(p Provider) (Client, bool) {
	c, ok := r.byProvider[p]
	return c, ok
}

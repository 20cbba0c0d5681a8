package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMapStatus(t *testing.T) {
	cases := map[string]Status{
		"SUCCESSFUL":              StatusSucceeded,
		"SUCCESS":                 StatusSucceeded,
		"succeeded":               StatusSucceeded,
		"Completed":               StatusSucceeded,
		"paid":                    StatusSucceeded,
		"FAILED":                  StatusFailed,
		"failed":                  StatusFailed,
		"REJECTED":                StatusFailed,
		"EXPIRED":                 StatusFailed,
		"canceled":                StatusFailed,
		"cancelled":               StatusFailed,
		"payment_failed":          StatusFailed,
		"PENDING":                 StatusPending,
		"INITIATED":               StatusPending,
		"processing":              StatusPending,
		"requires_action":         StatusPending,
		"requires_payment_method": StatusPending,
		"requires_confirmation":   StatusPending,
		"":                        StatusPending,
		"something new":           StatusPending,
		" success ":               StatusSucceeded,
	}
	for native, want := range cases {
		assert.Equal(t, want, MapStatus(native), "native %q", native)
	}
}

func TestErrorClassification(t *testing.T) {
	transport := &Error{Kind: ErrStatus, Provider: ProviderCard, Op: "status", Err: errors.New("dial tcp: refused")}
	unavailable := &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", StatusCode: http.StatusBadGateway}
	throttled := &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", StatusCode: http.StatusTooManyRequests}
	declined := &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", StatusCode: http.StatusPaymentRequired}
	auth := &Error{Kind: ErrAuth, Provider: ProviderCard, Op: "authenticate", StatusCode: http.StatusUnauthorized}
	unreadable := &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", StatusCode: http.StatusOK, Err: errors.New("unexpected end of JSON input")}
	created := &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", StatusCode: http.StatusCreated}

	assert.True(t, IsTemporary(transport))
	assert.True(t, IsTemporary(unavailable))
	assert.True(t, IsTemporary(throttled))
	assert.False(t, IsTemporary(declined))
	assert.True(t, IsTemporary(auth))
	assert.True(t, IsTemporary(unreadable), "accepted but unreadable reply has an unknown outcome")
	assert.False(t, IsTemporary(created))
	assert.False(t, IsTemporary(errors.New("plain")))

	assert.ErrorIs(t, declined, ErrInitiation)
	assert.NotErrorIs(t, declined, ErrStatus)

	wrapped := &Error{Kind: ErrStatus, Provider: ProviderCard, Op: "status", Err: auth}
	assert.ErrorIs(t, wrapped, ErrAuth)
	assert.ErrorIs(t, wrapped, ErrStatus)
	assert.Contains(t, declined.Error(), "http 402")
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	card := NewCardGateway(discardLogger(), nil, CardConfig{BaseURL: "http://card.invalid"})
	r.Register(domain.MethodCard, card)
	r.Register(domain.MethodWallet, card)

	c, ok := r.ForMethod(domain.MethodWallet)
	require.True(t, ok)
	assert.Equal(t, ProviderCard, c.Provider())

	_, ok = r.ForMethod(domain.MethodBankTransfer)
	assert.False(t, ok)

	c, ok = r.ForProvider(ProviderCard)
	require.True(t, ok)
	assert.Same(t, card, c)
}


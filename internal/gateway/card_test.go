package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

func cardServer(t *testing.T, handler http.HandlerFunc) (*CardGateway, *httptest.Server) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci" || pass != "cs" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"card-token","expires_in":600}`))
	})
	mux.HandleFunc("/v1/", handler)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	g := NewCardGateway(discardLogger(), srv.Client(), CardConfig{BaseURL: srv.URL + "/", ClientID: "ci", ClientSecret: "cs", WebhookSecret: "whsec"})
	return g, srv
}

func TestCardInitiate(t *testing.T) {
	g, _ := cardServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/payment_intents", r.URL.Path)
		require.Equal(t, "Bearer card-token", r.Header.Get("Authorization"))
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "1999", r.PostForm.Get("amount"))
		assert.Equal(t, "usd", r.PostForm.Get("currency"))
		assert.Equal(t, "pay_1", r.PostForm.Get("metadata[reference]"))
		assert.Equal(t, "https://shop.example.com/return", r.PostForm.Get("return_url"))
		assert.Equal(t, "pay_1", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"requires_action","client_secret":"pi_123_secret","next_action":{"redirect_to_url":{"url":"https://card.example.com/3ds"}}}`))
	})

	res, err := g.Initiate(context.Background(), Request{
		Amount:    decimal.RequireFromString("19.99"),
		Currency:  domain.CurrencyUSD,
		Reference: "pay_1",
		ReturnURL: "https://shop.example.com/return",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", res.ProviderTransactionID)
	assert.Equal(t, "https://card.example.com/3ds", res.RedirectURL)
	assert.Equal(t, "pi_123_secret", res.Instructions)
	assert.JSONEq(t, `{"id":"pi_123","status":"requires_action","client_secret":"pi_123_secret","next_action":{"redirect_to_url":{"url":"https://card.example.com/3ds"}}}`, string(res.Raw))
}

func TestCardInitiateErrors(t *testing.T) {
	t.Run("declined request", func(t *testing.T) {
		g, _ := cardServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write([]byte(`{"error":{"message":"card declined"}}`))
		})
		_, err := g.Initiate(context.Background(), Request{Amount: decimal.NewFromInt(5), Currency: domain.CurrencyEUR, Reference: "pay_2"})
		require.ErrorIs(t, err, ErrInitiation)
		assert.False(t, IsTemporary(err))
		assert.Contains(t, err.Error(), "card declined")
	})

	t.Run("processor outage", func(t *testing.T) {
		g, _ := cardServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := g.Initiate(context.Background(), Request{Amount: decimal.NewFromInt(5), Currency: domain.CurrencyEUR, Reference: "pay_3"})
		require.ErrorIs(t, err, ErrInitiation)
		assert.True(t, IsTemporary(err))
	})

	t.Run("bad credentials", func(t *testing.T) {
		g, _ := cardServer(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("payment endpoint reached without a token")
		})
		g.cfg.ClientSecret = "wrong"
		_, err := g.Initiate(context.Background(), Request{Amount: decimal.NewFromInt(5), Currency: domain.CurrencyEUR, Reference: "pay_4"})
		require.ErrorIs(t, err, ErrAuth)
	})
}

func TestCardCheckStatus(t *testing.T) {
	g, _ := cardServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payment_intents/pi_ok":
			_, _ = w.Write([]byte(`{"id":"pi_ok","status":"succeeded"}`))
		case "/v1/payment_intents/pi_new":
			_, _ = w.Write([]byte(`{"id":"pi_new","status":"requires_payment_method"}`))
		case "/v1/payment_intents/pi_bad":
			_, _ = w.Write([]byte(`{"id":"pi_bad","status":"canceled"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	st, err := g.CheckStatus(ctx, "pi_ok")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, st.Status)
	assert.Equal(t, "succeeded", st.Native)

	st, err = g.CheckStatus(ctx, "pi_new")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status, "a fresh intent waiting for a method is not a decline")

	st, err = g.CheckStatus(ctx, "pi_bad")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, st.Status)

	st, err = g.CheckStatus(ctx, "pi_missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st.Status)
}

func TestCardParseWebhook(t *testing.T) {
	g := NewCardGateway(discardLogger(), nil, CardConfig{})
	ev, err := g.ParseWebhook([]byte(`{"id":"evt_1","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_9","status":"requires_payment_method","metadata":{"reference":"pay_9"},"last_payment_error":{"message":"insufficient funds"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, "pay_9", ev.Reference)
	assert.Equal(t, "pi_9", ev.ProviderTransactionID)
	assert.Equal(t, StatusFailed, ev.Status)
	assert.Equal(t, "insufficient funds", ev.Message)

	ev, err = g.ParseWebhook([]byte(`{"id":"evt_0","type":"payment_intent.created","data":{"object":{"id":"pi_9","status":"requires_payment_method","metadata":{"reference":"pay_9"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, ev.Status)

	ev, err = g.ParseWebhook([]byte(`{"id":"evt_2","type":"payment_intent.succeeded","data":{"object":{"id":"pi_9","status":"succeeded","metadata":{"reference":"pay_9"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, ev.Status)

	_, err = g.ParseWebhook([]byte(`{`))
	assert.ErrorIs(t, err, ErrWebhook)
}

func TestCardVerifyWebhook(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	g := NewCardGateway(discardLogger(), nil, CardConfig{WebhookSecret: "whsec"})
	g.now = func() time.Time { return now }
	payload := []byte(`{"id":"evt_1"}`)

	header := func(ts time.Time, secret string) http.Header {
		unix := strconv.FormatInt(ts.Unix(), 10)
		h := http.Header{}
		h.Set(CardSignatureHeader, "t="+unix+",v1="+SignCardPayload(secret, unix, payload))
		return h
	}

	assert.NoError(t, g.VerifyWebhook(header(now.Add(-time.Minute), "whsec"), payload))
	assert.ErrorIs(t, g.VerifyWebhook(header(now, "other"), payload), ErrSignature)
	assert.ErrorIs(t, g.VerifyWebhook(header(now.Add(-10*time.Minute), "whsec"), payload), ErrSignature)
	assert.ErrorIs(t, g.VerifyWebhook(http.Header{}, payload), ErrSignature)
	assert.ErrorIs(t, g.VerifyWebhook(header(now, "whsec"), []byte(`{"id":"evt_2"}`)), ErrSignature)
}

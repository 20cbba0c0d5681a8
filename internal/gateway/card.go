package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

const CardSignatureHeader = "Card-Signature"

type CardConfig struct {
	BaseURL       string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook timestamp.
	Tolerance time.Duration
}

// CardGateway speaks the card processor's payment-intent protocol.
type CardGateway struct {
	cfg CardConfig
	t   transport
	now func() time.Time
}

func NewCardGateway(log *slog.Logger, hc *http.Client, cfg CardConfig) *CardGateway {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CardGateway{cfg: cfg, t: newTransport(log, hc, ProviderCard), now: time.Now}
}

func (g *CardGateway) Provider() Provider { return ProviderCard }

func (g *CardGateway) Authenticate(ctx context.Context) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &Error{Kind: ErrAuth, Provider: ProviderCard, Op: "authenticate", Err: err}
	}
	req.SetBasicAuth(g.cfg.ClientID, g.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.t.do(ctx, ErrAuth, "authenticate", req)
	if err != nil {
		return Token{}, err
	}
	if !resp.ok() {
		return Token{}, g.t.fail(ErrAuth, "authenticate", resp)
	}
	return g.t.parseToken(resp)
}

type paymentIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	ClientSecret string `json:"client_secret"`
	Metadata     struct {
		Reference string `json:"reference"`
	} `json:"metadata"`
	NextAction *struct {
		RedirectToURL struct {
			URL string `json:"url"`
		} `json:"redirect_to_url"`
	} `json:"next_action"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (g *CardGateway) Initiate(ctx context.Context, r Request) (Result, error) {
	tok, err := g.Authenticate(ctx)
	if err != nil {
		return Result{}, err
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(domain.MinorUnits(r.Amount, r.Currency), 10))
	form.Set("currency", strings.ToLower(string(r.Currency)))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[reference]", r.Reference)
	if r.ReturnURL != "" {
		form.Set("return_url", r.ReturnURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", Err: err}
	}
	req.Header.Set("Authorization", bearer(tok))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Idempotency-Key", r.Reference)

	resp, err := g.t.do(ctx, ErrInitiation, "initiate", req)
	if err != nil {
		return Result{}, err
	}
	if !resp.ok() {
		return Result{}, g.t.fail(ErrInitiation, "initiate", resp)
	}

	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil || pi.ID == "" {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderCard, Op: "initiate", StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed payment intent: %v", err)}
	}
	res := Result{ProviderTransactionID: pi.ID, Instructions: pi.ClientSecret, Raw: resp.Body}
	if pi.NextAction != nil {
		res.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	return res, nil
}

func (g *CardGateway) CheckStatus(ctx context.Context, id string) (StatusResult, error) {
	tok, err := g.Authenticate(ctx)
	if err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderCard, Op: "status", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/v1/payment_intents/"+url.PathEscape(id), nil)
	if err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderCard, Op: "status", Err: err}
	}
	req.Header.Set("Authorization", bearer(tok))

	resp, err := g.t.do(ctx, ErrStatus, "status", req)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return StatusResult{Status: StatusNotFound, Raw: resp.Body}, nil
	}
	if !resp.ok() {
		return StatusResult{}, g.t.fail(ErrStatus, "status", resp)
	}
	var pi paymentIntent
	if err := json.Unmarshal(resp.Body, &pi); err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderCard, Op: "status", StatusCode: resp.StatusCode, Err: err}
	}
	return StatusResult{Status: MapStatus(pi.Status), Native: pi.Status, Raw: resp.Body}, nil
}

type cardEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object paymentIntent `json:"object"`
	} `json:"data"`
}

func (g *CardGateway) ParseWebhook(payload []byte) (WebhookEvent, error) {
	var ev cardEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return WebhookEvent{}, &Error{Kind: ErrWebhook, Provider: ProviderCard, Op: "webhook", Err: err}
	}
	obj := ev.Data.Object
	out := WebhookEvent{
		EventID:               ev.ID,
		Reference:             obj.Metadata.Reference,
		ProviderTransactionID: obj.ID,
		Native:                ev.Type,
		Raw:                   payload,
	}
	switch ev.Type {
	case "payment_intent.succeeded":
		out.Status = StatusSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		out.Status = StatusFailed
	default:
		out.Status = MapStatus(obj.Status)
	}
	if obj.LastPaymentError != nil {
		out.Message = obj.LastPaymentError.Message
	}
	return out, nil
}

// VerifyWebhook checks the "t=<unix>,v1=<hex hmac>" signature header.
func (g *CardGateway) VerifyWebhook(header http.Header, payload []byte) error {
	sig := header.Get(CardSignatureHeader)
	if sig == "" || g.cfg.WebhookSecret == "" {
		return ErrSignature
	}
	var ts string
	var candidates []string
	for _, part := range strings.Split(sig, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			candidates = append(candidates, v)
		}
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || len(candidates) == 0 {
		return ErrSignature
	}
	age := g.now().Sub(time.Unix(unix, 0))
	if age > g.cfg.Tolerance || age < -g.cfg.Tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrSignature)
	}
	expected := SignCardPayload(g.cfg.WebhookSecret, ts, payload)
	for _, c := range candidates {
		if hmac.Equal([]byte(c), []byte(expected)) {
			return nil
		}
	}
	return ErrSignature
}

// SignCardPayload computes the v1 signature for a timestamp and payload.
func SignCardPayload(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

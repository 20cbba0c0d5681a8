package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

type OrangeMoneyConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	MerchantCode string
	NotifyURL    string
}

// OrangeMoney is mobile-money operator A.
type OrangeMoney struct {
	cfg OrangeMoneyConfig
	t   transport
}

func NewOrangeMoney(log *slog.Logger, hc *http.Client, cfg OrangeMoneyConfig) *OrangeMoney {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OrangeMoney{cfg: cfg, t: newTransport(log, hc, ProviderOrangeMoney)}
}

func (o *OrangeMoney) Provider() Provider { return ProviderOrangeMoney }

func (o *OrangeMoney) Authenticate(ctx context.Context) (Token, error) {
	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/oauth/v3/token", strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, &Error{Kind: ErrAuth, Provider: ProviderOrangeMoney, Op: "authenticate", Err: err}
	}
	req.SetBasicAuth(o.cfg.ClientID, o.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := o.t.do(ctx, ErrAuth, "authenticate", req)
	if err != nil {
		return Token{}, err
	}
	if !resp.ok() {
		return Token{}, o.t.fail(ErrAuth, "authenticate", resp)
	}
	return o.t.parseToken(resp)
}

type orangePayRequest struct {
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	SubscriberMsisdn string `json:"subscriberMsisdn"`
	Reference        string `json:"reference"`
	NotifURL         string `json:"notifUrl"`
	MerchantCode     string `json:"merchantCode"`
}

type orangeEnvelope struct {
	Message string `json:"message"`
	Data    struct {
		TxnID          string `json:"txnid"`
		Status         string `json:"status"`
		InitTxnMessage string `json:"inittxnmessage"`
	} `json:"data"`
}

func (o *OrangeMoney) Initiate(ctx context.Context, r Request) (Result, error) {
	if r.PayerAddress == "" {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderOrangeMoney, Op: "initiate", Err: fmt.Errorf("payer phone number required")}
	}
	tok, err := o.Authenticate(ctx)
	if err != nil {
		return Result{}, err
	}

	body, _ := json.Marshal(orangePayRequest{
		Amount:           domain.MinorUnits(r.Amount, r.Currency),
		Currency:         string(r.Currency),
		SubscriberMsisdn: normalizeMSISDN(r.PayerAddress),
		Reference:        r.Reference,
		NotifURL:         o.cfg.NotifyURL,
		MerchantCode:     o.cfg.MerchantCode,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/omcoreapis/1.0.2/mp/pay", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderOrangeMoney, Op: "initiate", Err: err}
	}
	req.Header.Set("Authorization", bearer(tok))
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.t.do(ctx, ErrInitiation, "initiate", req)
	if err != nil {
		return Result{}, err
	}
	if !resp.ok() {
		return Result{}, o.t.fail(ErrInitiation, "initiate", resp)
	}
	var env orangeEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env.Data.TxnID == "" {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderOrangeMoney, Op: "initiate", StatusCode: resp.StatusCode, Err: fmt.Errorf("malformed pay response: %v", err)}
	}
	instr := env.Data.InitTxnMessage
	if instr == "" {
		instr = env.Message
	}
	return Result{ProviderTransactionID: env.Data.TxnID, Instructions: instr, Raw: resp.Body}, nil
}

func (o *OrangeMoney) CheckStatus(ctx context.Context, txnID string) (StatusResult, error) {
	tok, err := o.Authenticate(ctx)
	if err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderOrangeMoney, Op: "status", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.BaseURL+"/omcoreapis/1.0.2/mp/paymentstatus/"+url.PathEscape(txnID), nil)
	if err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderOrangeMoney, Op: "status", Err: err}
	}
	req.Header.Set("Authorization", bearer(tok))

	resp, err := o.t.do(ctx, ErrStatus, "status", req)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return StatusResult{Status: StatusNotFound, Raw: resp.Body}, nil
	}
	if !resp.ok() {
		return StatusResult{}, o.t.fail(ErrStatus, "status", resp)
	}
	var env orangeEnvelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderOrangeMoney, Op: "status", StatusCode: resp.StatusCode, Err: err}
	}
	return StatusResult{Status: MapStatus(env.Data.Status), Native: env.Data.Status, Raw: resp.Body}, nil
}

type orangeNotification struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	TxnID     string `json:"txnid"`
	Message   string `json:"message"`
}

func (o *OrangeMoney) ParseWebhook(payload []byte) (WebhookEvent, error) {
	var n orangeNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return WebhookEvent{}, &Error{Kind: ErrWebhook, Provider: ProviderOrangeMoney, Op: "webhook", Err: err}
	}
	return WebhookEvent{
		EventID:               n.TxnID + ":" + strings.ToUpper(n.Status),
		Reference:             n.Reference,
		ProviderTransactionID: n.TxnID,
		Status:                MapStatus(n.Status),
		Native:                n.Status,
		Message:               n.Message,
		Raw:                   payload,
	}, nil
}

// normalizeMSISDN strips formatting so "+225 07 01 02 03 04" becomes "2250701020304".
func normalizeMSISDN(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

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

	"github.com/google/uuid"
)

type MTNMoMoConfig struct {
	BaseURL         string
	APIUser         string
	APIKey          string
	SubscriptionKey string
	TargetEnv       string
	CallbackURL     string
}

// MTNMoMo is mobile-money operator B (collection API).
type MTNMoMo struct {
	cfg   MTNMoMoConfig
	t     transport
	newID func() string
}

func NewMTNMoMo(log *slog.Logger, hc *http.Client, cfg MTNMoMoConfig) *MTNMoMo {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.TargetEnv == "" {
		cfg.TargetEnv = "sandbox"
	}
	return &MTNMoMo{cfg: cfg, t: newTransport(log, hc, ProviderMTNMoMo), newID: uuid.NewString}
}

func (m *MTNMoMo) Provider() Provider { return ProviderMTNMoMo }

func (m *MTNMoMo) Authenticate(ctx context.Context) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/collection/token/", nil)
	if err != nil {
		return Token{}, &Error{Kind: ErrAuth, Provider: ProviderMTNMoMo, Op: "authenticate", Err: err}
	}
	req.SetBasicAuth(m.cfg.APIUser, m.cfg.APIKey)
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)

	resp, err := m.t.do(ctx, ErrAuth, "authenticate", req)
	if err != nil {
		return Token{}, err
	}
	if !resp.ok() {
		return Token{}, m.t.fail(ErrAuth, "authenticate", resp)
	}
	return m.t.parseToken(resp)
}

type momoParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

type requestToPay struct {
	Amount       string    `json:"amount"`
	Currency     string    `json:"currency"`
	ExternalID   string    `json:"externalId"`
	Payer        momoParty `json:"payer"`
	PayerMessage string    `json:"payerMessage"`
	PayeeNote    string    `json:"payeeNote"`
}

func (m *MTNMoMo) headers(req *http.Request, tok Token) {
	req.Header.Set("Authorization", bearer(tok))
	req.Header.Set("Ocp-Apim-Subscription-Key", m.cfg.SubscriptionKey)
	req.Header.Set("X-Target-Environment", m.cfg.TargetEnv)
}

func (m *MTNMoMo) Initiate(ctx context.Context, r Request) (Result, error) {
	if r.PayerAddress == "" {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderMTNMoMo, Op: "initiate", Err: fmt.Errorf("payer phone number required")}
	}
	tok, err := m.Authenticate(ctx)
	if err != nil {
		return Result{}, err
	}

	refID := m.newID()
	body, _ := json.Marshal(requestToPay{
		Amount:       r.Amount.StringFixed(r.Currency.Exponent()),
		Currency:     string(r.Currency),
		ExternalID:   r.Reference,
		Payer:        momoParty{PartyIDType: "MSISDN", PartyID: normalizeMSISDN(r.PayerAddress)},
		PayerMessage: "Payment " + r.Reference,
		PayeeNote:    r.Reference,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/collection/v1_0/requesttopay", bytes.NewReader(body))
	if err != nil {
		return Result{}, &Error{Kind: ErrInitiation, Provider: ProviderMTNMoMo, Op: "initiate", Err: err}
	}
	m.headers(req, tok)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Reference-Id", refID)
	if m.cfg.CallbackURL != "" {
		req.Header.Set("X-Callback-Url", m.cfg.CallbackURL)
	}

	resp, err := m.t.do(ctx, ErrInitiation, "initiate", req)
	if err != nil {
		return Result{}, err
	}
	if !resp.ok() {
		return Result{}, m.t.fail(ErrInitiation, "initiate", resp)
	}
	raw, _ := json.Marshal(map[string]any{"referenceId": refID, "httpStatus": resp.StatusCode})
	return Result{
		ProviderTransactionID: refID,
		Instructions:          "Approve the payment request on your phone",
		Raw:                   raw,
	}, nil
}

type requestToPayStatus struct {
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	Reason                 any    `json:"reason"`
	FinancialTransactionID string `json:"financialTransactionId"`
	ReferenceID            string `json:"referenceId"`
}

func (m *MTNMoMo) CheckStatus(ctx context.Context, refID string) (StatusResult, error) {
	tok, err := m.Authenticate(ctx)
	if err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderMTNMoMo, Op: "status", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.BaseURL+"/collection/v1_0/requesttopay/"+url.PathEscape(refID), nil)
	if err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderMTNMoMo, Op: "status", Err: err}
	}
	m.headers(req, tok)

	resp, err := m.t.do(ctx, ErrStatus, "status", req)
	if err != nil {
		return StatusResult{}, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return StatusResult{Status: StatusNotFound, Raw: resp.Body}, nil
	}
	if !resp.ok() {
		return StatusResult{}, m.t.fail(ErrStatus, "status", resp)
	}
	var st requestToPayStatus
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return StatusResult{}, &Error{Kind: ErrStatus, Provider: ProviderMTNMoMo, Op: "status", StatusCode: resp.StatusCode, Err: err}
	}
	return StatusResult{Status: MapStatus(st.Status), Native: st.Status, Raw: resp.Body}, nil
}

func (m *MTNMoMo) ParseWebhook(payload []byte) (WebhookEvent, error) {
	var st requestToPayStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return WebhookEvent{}, &Error{Kind: ErrWebhook, Provider: ProviderMTNMoMo, Op: "webhook", Err: err}
	}
	ev := WebhookEvent{
		EventID:               st.ReferenceID + ":" + strings.ToUpper(st.Status),
		Reference:             st.ExternalID,
		ProviderTransactionID: st.ReferenceID,
		Status:                MapStatus(st.Status),
		Native:                st.Status,
		Raw:                   payload,
	}
	switch reason := st.Reason.(type) {
	case string:
		ev.Message = reason
	case map[string]any:
		if msg, ok := reason["message"].(string); ok {
			ev.Message = msg
		}
	}
	return ev, nil
}

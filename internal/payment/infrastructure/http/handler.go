package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/dmehra2102/marketplace-payments/internal/gateway"
	"github.com/dmehra2102/marketplace-payments/internal/payment/application"
	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

const (
	HeaderUserID = "X-User-Id"

	maxWebhookBody = 1 << 20
)

type Service interface {
	InitiatePayment(ctx context.Context, req application.InitiateRequest) (application.InitiateResult, error)
	Get(ctx context.Context, reference string) (domain.Payment, error)
	PollStatus(ctx context.Context, reference string) (application.PollResult, error)
	Cancel(ctx context.Context, reference, userID, reason string) (domain.Payment, error)
	Refund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (domain.Payment, error)
	HandleWebhook(ctx context.Context, provider gateway.Provider, payload []byte) error
}

type Providers interface {
	ForProvider(p gateway.Provider) (gateway.Client, bool)
}

// WebhookQueue defers webhook processing to an asynchronous consumer.
type WebhookQueue interface {
	Enqueue(ctx context.Context, provider gateway.Provider, payload []byte) error
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	log       *slog.Logger
	svc       Service
	providers Providers
	queue     WebhookQueue
	checks    map[string]HealthCheck
	clock     func() time.Time
}

type Option func(*Handler)

// WithWebhookQueue makes webhook deliveries asynchronous.
func WithWebhookQueue(q WebhookQueue) Option { return func(h *Handler) { h.queue = q } }

func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = check }
}

func NewHandler(log *slog.Logger, svc Service, providers Providers, opts ...Option) *Handler {
	h := &Handler{
		log:       log,
		svc:       svc,
		providers: providers,
		checks:    map[string]HealthCheck{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	out := map[string]string{}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			out[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		out[name] = "ok"
	}
	writeJSON(w, status, out)
}

type initiateRequest struct {
	OrderID     string            `json:"orderId"`
	Amount      *decimal.Decimal  `json:"amount,omitempty"`
	Currency    string            `json:"currency,omitempty"`
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	ReturnURL   string            `json:"returnUrl,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type initiateResponse struct {
	PaymentReference               string        `json:"paymentReference"`
	ProviderTransactionID          string        `json:"providerTransactionId"`
	ProviderRedirectOrInstructions string        `json:"providerRedirectOrInstructions"`
	Status                         domain.Status `json:"status"`
	ExpiresAt                      time.Time     `json:"expiresAt"`
}

func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID)
		return
	}
	var req initiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	res, err := h.svc.InitiatePayment(r.Context(), application.InitiateRequest{
		OrderID: req.OrderID,
		UserID:  userID,
		Method:  domain.Method(chi.URLParam(r, "method")),
		MethodDetails: domain.MethodDetails{
			PhoneNumber: req.PhoneNumber,
			ReturnURL:   req.ReturnURL,
			Extra:       req.Extra,
		},
		Amount:   req.Amount,
		Currency: req.Currency,
	})
	if err != nil {
		h.fail(w, r, err, res.Payment.Reference)
		return
	}

	out := initiateResponse{
		PaymentReference:               res.Payment.Reference,
		ProviderTransactionID:          res.ProviderTransactionID,
		ProviderRedirectOrInstructions: res.RedirectURL,
		Status:                         res.Payment.Status,
		ExpiresAt:                      res.Payment.ExpiresAt,
	}
	if out.ProviderRedirectOrInstructions == "" {
		out.ProviderRedirectOrInstructions = res.Instructions
	}
	writeJSON(w, http.StatusCreated, out)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "reference"))
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toView(p, h.clock()))
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "reference")
	res, err := h.svc.PollStatus(r.Context(), ref)
	if err != nil {
		var ge *gateway.Error
		if !errors.As(err, &ge) || res.Payment.Reference == "" {
			h.fail(w, r, err, ref)
			return
		}
		// gateway unreachable: serve the stored view
		h.log.Warn("status poll degraded to stored view", "reference", ref, "err", err)
	}
	v := toView(res.Payment, h.clock())
	v.GatewayStatus = string(res.GatewayStatus)
	writeJSON(w, http.StatusOK, v)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.Header.Get(HeaderUserID))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing "+HeaderUserID)
		return
	}
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	p, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "reference"), userID, req.Reason)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toView(p, h.clock()))
}

type refundRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Reason string          `json:"reason"`
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	p, err := h.svc.Refund(r.Context(), chi.URLParam(r, "reference"), req.Amount, req.Reason)
	if err != nil {
		h.fail(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, toView(p, h.clock()))
}

// Webhook acknowledges every delivery it can attribute to a provider. Only a
// bad signature is refused, and it never reaches the ledger.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := gateway.Provider(chi.URLParam(r, "provider"))
	client, ok := h.providers.ForProvider(provider)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if v, ok := client.(gateway.Verifier); ok {
		if err := v.VerifyWebhook(r.Header, payload); err != nil {
			h.log.Warn("webhook signature rejected", "provider", provider, "err", err)
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
	}

	if h.queue != nil {
		err := h.queue.Enqueue(r.Context(), provider, payload)
		if err == nil {
			writeJSON(w, http.StatusOK, map[string]bool{"received": true})
			return
		}
		h.log.Error("webhook enqueue failed, processing inline", "provider", provider, "err", err)
	}
	if err := h.svc.HandleWebhook(r.Context(), provider, payload); err != nil {
		h.log.Error("webhook processing failed", "provider", provider, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

type errorBody struct {
	Error     string `json:"error"`
	Field     string `json:"field,omitempty"`
	Reference string `json:"paymentReference,omitempty"`
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error, reference string) {
	status, body := classify(err)
	body.Reference = reference
	if status >= 500 {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, body)
}

func classify(err error) (int, errorBody) {
	var ve *domain.ValidationError
	var te *domain.InvalidTransitionError
	var ge *gateway.Error
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity, errorBody{Error: ve.Error(), Field: ve.Field}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: err.Error()}
	case errors.As(err, &te):
		return http.StatusConflict, errorBody{Error: te.Error()}
	case errors.As(err, &ge):
		return http.StatusBadGateway, errorBody{Error: "payment provider error: " + ge.Kind.Error()}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

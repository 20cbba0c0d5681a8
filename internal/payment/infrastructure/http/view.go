package httpapi

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dmehra2102/marketplace-payments/internal/payment/domain"
)

type feesView struct {
	Platform decimal.Decimal `json:"platform"`
	Gateway  decimal.Decimal `json:"gateway"`
	Total    decimal.Decimal `json:"total"`
}

type attemptView struct {
	At      time.Time       `json:"at"`
	Status  domain.Status   `json:"status"`
	Source  string          `json:"source"`
	Error   string          `json:"error,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type settlementView struct {
	Status    domain.SettlementStatus `json:"status"`
	Amount    decimal.Decimal         `json:"amount"`
	SettledAt *time.Time              `json:"settledAt,omitempty"`
}

type refundView struct {
	ID         string          `json:"id"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason,omitempty"`
	RefundedAt time.Time       `json:"refundedAt"`
}

type paymentView struct {
	Reference             string          `json:"reference"`
	OrderID               string          `json:"orderId"`
	Status                domain.Status   `json:"status"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              domain.Currency `json:"currency"`
	Method                domain.Method   `json:"method"`
	Provider              string          `json:"provider,omitempty"`
	ProviderTransactionID string          `json:"providerTransactionId,omitempty"`
	FailureReason         string          `json:"failureReason,omitempty"`
	Fees                  feesView        `json:"fees"`
	Settlement            *settlementView `json:"settlement,omitempty"`
	Refund                *refundView     `json:"refund,omitempty"`
	CreatedAt             time.Time       `json:"createdAt"`
	UpdatedAt             time.Time       `json:"updatedAt"`
	CompletedAt           *time.Time      `json:"completedAt,omitempty"`
	FailedAt              *time.Time      `json:"failedAt,omitempty"`
	CancelledAt           *time.Time      `json:"cancelledAt,omitempty"`
	ExpiresAt             time.Time       `json:"expiresAt"`
	Expired               bool            `json:"expired"`
	Attempts              []attemptView   `json:"attempts"`
	GatewayStatus         string          `json:"gatewayStatus,omitempty"`
}

func toView(p domain.Payment, now time.Time) paymentView {
	v := paymentView{
		Reference:             p.Reference,
		OrderID:               p.OrderID,
		Status:                p.Status,
		Amount:                p.Amount,
		Currency:              p.Currency,
		Method:                p.Method,
		Provider:              p.Provider,
		ProviderTransactionID: p.ProviderTransactionID,
		FailureReason:         p.FailureReason,
		Fees:                  feesView{Platform: p.Fees.PlatformFee, Gateway: p.Fees.GatewayFee, Total: p.Fees.Total},
		CreatedAt:             p.CreatedAt,
		UpdatedAt:             p.UpdatedAt,
		CompletedAt:           p.CompletedAt,
		FailedAt:              p.FailedAt,
		CancelledAt:           p.CancelledAt,
		ExpiresAt:             p.ExpiresAt,
		Expired:               p.Expired(now),
		Attempts:              make([]attemptView, 0, len(p.Attempts)),
	}
	if s := p.Settlement; s != nil {
		v.Settlement = &settlementView{Status: s.Status, Amount: s.Amount, SettledAt: s.SettledAt}
	}
	if r := p.Refund; r != nil {
		v.Refund = &refundView{ID: r.RefundID, Amount: r.Amount, Reason: r.Reason, RefundedAt: r.RefundedAt}
	}
	for _, a := range p.Attempts {
		v.Attempts = append(v.Attempts, attemptView{At: a.At, Status: a.Status, Source: string(a.Source), Error: a.Error, Payload: a.Payload})
	}
	return v
}

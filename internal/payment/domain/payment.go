package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

type Currency string

const (
	CurrencyXOF Currency = "XOF"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// Exponent is the number of minor-unit digits of the currency.
func (c Currency) Exponent() int32 {
	switch c {
	case CurrencyXOF:
		return 0
	case CurrencyUSD, CurrencyEUR:
		return 2
	}
	return -1
}

func (c Currency) Valid() bool { return c.Exponent() >= 0 }

func ParseCurrency(s string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", &ValidationError{Field: "currency", Reason: "unsupported currency " + s}
	}
	return c, nil
}

type Method string

const (
	MethodCard         Method = "card"
	MethodOrangeMoney  Method = "orange_money"
	MethodMTNMoMo      Method = "mtn_momo"
	MethodWallet       Method = "wallet"
	MethodBankTransfer Method = "bank_transfer"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodOrangeMoney, MethodMTNMoMo, MethodWallet, MethodBankTransfer:
		return true
	}
	return false
}

// MobileMoney reports whether the payer is addressed by phone number.
func (m Method) MobileMoney() bool {
	return m == MethodOrangeMoney || m == MethodMTNMoMo
}

type MethodDetails struct {
	PhoneNumber string            `json:"phoneNumber,omitempty"`
	ReturnURL   string            `json:"returnUrl,omitempty"`
	Extra       map[string]string `json:"extra,omitempty"`
}

type AttemptSource string

const (
	SourceInitiate AttemptSource = "initiate"
	SourcePoll     AttemptSource = "poll"
	SourceWebhook  AttemptSource = "webhook"
	SourceSweep    AttemptSource = "sweep"
	SourceManual   AttemptSource = "manual"
)

// Attempt is one entry of the append-only attempts log.
type Attempt struct {
	At      time.Time
	Status  Status
	Error   string
	Payload json.RawMessage
	Source  AttemptSource
}

type Fees struct {
	PlatformFee decimal.Decimal
	GatewayFee  decimal.Decimal
	Total       decimal.Decimal
}

type SettlementStatus string

const (
	SettlementPending SettlementStatus = "pending"
	SettlementSettled SettlementStatus = "settled"
)

type Settlement struct {
	Status    SettlementStatus
	Amount    decimal.Decimal
	SettledAt *time.Time
	Reference string
}

type Refund struct {
	Amount     decimal.Decimal
	Reason     string
	RefundedAt time.Time
	RefundID   string
}

type Payment struct {
	Reference             string
	OrderID               string
	UserID                string
	Amount                decimal.Decimal
	Currency              Currency
	Method                Method
	MethodDetails         MethodDetails
	Status                Status
	Provider              string
	ProviderTransactionID string
	ProviderResponse      json.RawMessage
	Fees                  Fees
	Settlement            *Settlement
	Refund                *Refund
	FailureReason         string
	Attempts              []Attempt
	CreatedAt             time.Time
	UpdatedAt             time.Time
	CompletedAt           *time.Time
	FailedAt              *time.Time
	CancelledAt           *time.Time
	ExpiresAt             time.Time
}

// Expired reports a non-terminal payment past its expiry; callers treat it as abandoned.
func (p Payment) Expired(now time.Time) bool {
	return !p.Status.Terminal() && now.After(p.ExpiresAt)
}

func NewReference() string {
	return "pay_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidateAmount checks that amount is non-negative and representable in the currency's minor unit.
func ValidateAmount(amount decimal.Decimal, c Currency) error {
	if !c.Valid() {
		return &ValidationError{Field: "currency", Reason: "unsupported currency " + string(c)}
	}
	if amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if !amount.Equal(amount.Truncate(c.Exponent())) {
		return &ValidationError{Field: "amount", Reason: "too many decimal places for " + string(c)}
	}
	return nil
}

// MinorUnits converts amount to the currency's smallest unit.
func MinorUnits(amount decimal.Decimal, c Currency) int64 {
	return amount.Shift(c.Exponent()).IntPart()
}

// RoundMinor rounds half away from zero to the currency's minor unit.
func RoundMinor(amount decimal.Decimal, c Currency) decimal.Decimal {
	return amount.Round(c.Exponent())
}

// allowedFrom lists the statuses a transition into the key may start from.
var allowedFrom = map[Status][]Status{
	StatusProcessing: {StatusPending},
	StatusCompleted:  {StatusPending, StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
	StatusCancelled:  {StatusPending, StatusProcessing},
	StatusRefunded:   {StatusCompleted},
}

// AllowedFrom returns the source statuses permitted for a transition into to.
func AllowedFrom(to Status) []Status {
	return append([]Status(nil), allowedFrom[to]...)
}

func CanTransition(from, to Status) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

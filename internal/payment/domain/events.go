package domain

import "time"

const (
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentCancelled = "PaymentCancelled"
	EventPaymentRefunded  = "PaymentRefunded"
)

type PaymentCompleted struct {
	Reference             string    `json:"reference"`
	OrderID               string    `json:"orderId"`
	Amount                string    `json:"amount"`
	Currency              Currency  `json:"currency"`
	Method                Method    `json:"method"`
	ProviderTransactionID string    `json:"providerTransactionId"`
	CompletedAt           time.Time `json:"completedAt"`
}

type PaymentFailed struct {
	Reference string    `json:"reference"`
	OrderID   string    `json:"orderId"`
	Reason    string    `json:"reason"`
	FailedAt  time.Time `json:"failedAt"`
}

type PaymentCancelled struct {
	Reference string `json:"reference"`
	OrderID   string `json:"orderId"`
	Reason    string `json:"reason"`
}

type PaymentRefunded struct {
	Reference string `json:"reference"`
	OrderID   string `json:"orderId"`
	Amount    string `json:"amount"`
	RefundID  string `json:"refundId"`
	Reason    string `json:"reason"`
}

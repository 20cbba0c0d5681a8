package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound = errors.New("order not found")
	ErrConflict = errors.New("order changed concurrently")
)

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusConfirmed  OrderStatus = "confirmed"
	StatusProcessing OrderStatus = "processing"
	StatusShipped    OrderStatus = "shipped"
	StatusDelivered  OrderStatus = "delivered"
	StatusCancelled  OrderStatus = "cancelled"
)

// rank orders the fulfilment ladder. Cancelled sits outside it.
var rank = map[OrderStatus]int{
	StatusPending:    0,
	StatusConfirmed:  1,
	StatusProcessing: 2,
	StatusShipped:    3,
	StatusDelivered:  4,
}

// Before reports whether s is strictly earlier than other on the fulfilment ladder.
func (s OrderStatus) Before(other OrderStatus) bool {
	a, okA := rank[s]
	b, okB := rank[other]
	return okA && okB && a < b
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentRefunded PaymentStatus = "refunded"
)

type Order struct {
	ID            string
	BuyerID       string
	SellerID      string
	Total         decimal.Decimal
	Currency      string
	Status        OrderStatus
	PaymentStatus PaymentStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Payable reports whether a new payment attempt may start for the order.
func (o Order) Payable() bool {
	return o.Status != StatusCancelled && o.PaymentStatus == PaymentPending
}

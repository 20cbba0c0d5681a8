package domain

import (
	"encoding/json"
	"time"
)

// Transition is a compare-and-set status write. It applies only while the
// stored status is one of From. Attempt is appended whether or not it applies.
type Transition struct {
	Reference string
	From      []Status
	To        Status
	At        time.Time

	Provider              string
	ProviderTransactionID string
	ProviderResponse      json.RawMessage
	FailureReason         string
	Settlement            *Settlement
	Refund                *Refund

	Attempt *Attempt
	Event   *Event
}

// Event is written to the outbox in the same transaction as an applied Transition.
type Event struct {
	Type    string
	Payload []byte
	Headers map[string]string
}

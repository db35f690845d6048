// Package events defines the notifications exchanged between the cart and
// order services and their wire encoding.
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrMalformed marks a notification that can never be processed, no matter
// how often it is redelivered.
var ErrMalformed = errors.New("malformed notification")

// Kind tags a notification variant on the wire and on the bus.
type Kind string

const KindCheckout Kind = "checkout.requested"

// Envelope is the identity shared by every notification. Two envelopes with
// the same correlation id describe the same business event.
type Envelope struct {
	correlationID string
	createdAt     time.Time
}

// NewEnvelope stamps a fresh correlation id. Never reuse one for a new
// checkout attempt.
func NewEnvelope(now time.Time) Envelope {
	return Envelope{
		correlationID: uuid.NewString(),
		createdAt:     now.UTC(),
	}
}

// RestoreEnvelope rebuilds an envelope received from the wire.
func RestoreEnvelope(correlationID string, createdAt time.Time) (Envelope, error) {
	id, err := uuid.Parse(correlationID)
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: correlation id %q: %v", ErrMalformed, correlationID, err)
	}
	if createdAt.IsZero() {
		return Envelope{}, fmt.Errorf("%w: missing createdAt", ErrMalformed)
	}
	return Envelope{correlationID: id.String(), createdAt: createdAt.UTC()}, nil
}

func (e Envelope) CorrelationID() string { return e.correlationID }

func (e Envelope) CreatedAt() time.Time { return e.createdAt }

// SameEvent reports whether both envelopes identify one logical event.
func (e Envelope) SameEvent(other Envelope) bool {
	return e.correlationID != "" && e.correlationID == other.correlationID
}

// Notification is implemented by every variant carried over the bus.
type Notification interface {
	CorrelationID() string
	CreatedAt() time.Time
	Kind() Kind
}

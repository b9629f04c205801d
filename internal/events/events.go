// Package events publishes domain events for downstream collaborators
// (notification dispatch, analytics). Publishing is fire-and-forget with
// respect to the transaction that produced the event.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event names carried in the envelope.
const (
	EventOrderCreated     = "order.created"
	EventPaymentCompleted = "payment.completed"
)

// Event is a publishable domain event. Key groups related events onto the
// same partition.
type Event interface {
	EventName() string
	Key() string
}

// Publisher delivers events to interested consumers. Implementations must
// not block the caller longer than a send to a buffered channel.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Envelope is the versioned wire format wrapping every event payload.
type Envelope struct {
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	EventVersion int             `json:"event_version"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Producer     string          `json:"producer"`
	Payload      json.RawMessage `json:"payload"`
}

// NewEnvelope wraps an event payload for the wire.
func NewEnvelope(e Event, producer string) (*Envelope, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EventID:      uuid.New().String(),
		EventType:    e.EventName(),
		EventVersion: 1,
		OccurredAt:   time.Now().UTC(),
		Producer:     producer,
		Payload:      payload,
	}, nil
}

// OrderCreatedItem is one line item inside an OrderCreated event.
type OrderCreatedItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Price     string `json:"price"`
}

// OrderCreated is emitted after an order and its payment are persisted. The
// notification service consumes it to enqueue a confirmation email.
type OrderCreated struct {
	OrderID    string             `json:"order_id"`
	OrderKey   string             `json:"order_key"`
	UserID     string             `json:"user_id"`
	UserEmail  string             `json:"user_email"`
	TotalPrice string             `json:"total_price"`
	Items      []OrderCreatedItem `json:"items"`
}

func (OrderCreated) EventName() string { return EventOrderCreated }
func (e OrderCreated) Key() string     { return e.OrderID }

// PaymentCompleted is emitted after a payment reaches DONE.
type PaymentCompleted struct {
	PaymentID  string    `json:"payment_id"`
	OrderID    string    `json:"order_id"`
	UserID     string    `json:"user_id"`
	Amount     string    `json:"amount"`
	Method     string    `json:"method"`
	ApprovedAt time.Time `json:"approved_at"`
}

func (PaymentCompleted) EventName() string { return EventPaymentCompleted }
func (e PaymentCompleted) Key() string     { return e.OrderID }

// Nop is a Publisher that drops every event. Useful in tests and when no
// broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

package events

import (
	"context"
	"time"
)

// DomainEvent is something that happened in the engine that other components
// may need to react to, e.g. a result set that is now stale.
type DomainEvent interface {
	EventType() EventType
	OccurredAt() time.Time
}

// EventEnvelope wraps a domain event for transport over an EventBus.
type EventEnvelope struct {
	// Type identifies the category of this event for routing and handling.
	Type EventType

	// Key groups related events, typically the scan id, so that a partitioned
	// transport keeps them in order.
	Key string

	// Headers contain metadata key-value pairs attached to the event.
	Headers map[string]string

	// Timestamp records when the event occurred.
	Timestamp time.Time

	// Payload is the domain event itself.
	Payload any
}

// HandlerFunc processes one envelope delivered by an EventBus.
type HandlerFunc func(ctx context.Context, evt EventEnvelope) error

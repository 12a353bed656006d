// Package events provides domain event handling capabilities for communicating state changes
// across component boundaries in a decoupled way. Components never reach into each
// other's caches; they publish an event and let the owner react.
package events

import "context"

// DomainEventPublisher publishes domain events to notify other parts of the system about
// important domain changes. It provides a technology-agnostic interface to decouple event
// producers from the underlying messaging infrastructure.
type DomainEventPublisher interface {
	// PublishDomainEvent sends a domain event to interested subscribers. Optional
	// PublishOptions configure routing behavior.
	PublishDomainEvent(ctx context.Context, event DomainEvent, opts ...PublishOption) error
}

// EventBus enables publishing and subscribing to events. Implementations exist for
// in-process delivery and for mirroring to Kafka.
type EventBus interface {
	// Publish delivers an envelope to every subscriber of its type.
	Publish(ctx context.Context, event EventEnvelope, opts ...PublishOption) error

	// Subscribe registers a handler for the given event types. The subscription is
	// removed when ctx is cancelled.
	Subscribe(ctx context.Context, eventTypes []EventType, handler HandlerFunc) error

	// Close releases the bus's resources.
	Close() error
}

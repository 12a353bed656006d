// Package memory provides an in-process implementation of events.EventBus.
// Delivery is synchronous: Publish returns after every subscribed handler has
// run, so a component that publishes an invalidation can rely on subscribers
// having reacted before it returns to its caller.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

var _ events.EventBus = (*Bus)(nil)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("event bus closed")

type subscription struct {
	id      uint64
	handler events.HandlerFunc
}

type handlerList []subscription

// Bus delivers envelopes to handlers registered for their event type.
type Bus struct {
	mu       sync.RWMutex
	handlers map[events.EventType]handlerList
	nextID   uint64
	closed   bool

	logger *logger.Logger
}

// NewBus creates an empty in-memory bus.
func NewBus(logger *logger.Logger) *Bus {
	return &Bus{
		handlers: make(map[events.EventType]handlerList),
		logger:   logger.With("component", "memory_event_bus"),
	}
}

// Subscribe registers handler for every type in eventTypes. The handler is
// removed once ctx is done.
func (b *Bus) Subscribe(ctx context.Context, eventTypes []events.EventType, handler events.HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.nextID++
	id := b.nextID
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], subscription{id: id, handler: handler})
	}
	b.mu.Unlock()

	context.AfterFunc(ctx, func() { b.unsubscribe(id, eventTypes) })
	return nil
}

func (b *Bus) unsubscribe(id uint64, eventTypes []events.EventType) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, et := range eventTypes {
		subs := b.handlers[et]
		for i, s := range subs {
			if s.id == id {
				b.handlers[et] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers the envelope to every handler subscribed to its type.
// Handlers are copied before they run so they may subscribe or publish
// themselves. Every handler runs even if an earlier one fails; the failures
// are joined into the returned error.
func (b *Bus) Publish(ctx context.Context, evt events.EventEnvelope, opts ...events.PublishOption) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	params := events.ApplyOptions(opts)
	if params.Key != "" {
		evt.Key = params.Key
	}
	if len(params.Headers) > 0 {
		evt.Headers = params.Headers
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	handlersCopy := make(handlerList, len(b.handlers[evt.Type]))
	copy(handlersCopy, b.handlers[evt.Type])
	b.mu.RUnlock()

	var errs []error
	for _, s := range handlersCopy {
		if err := s.handler(ctx, evt); err != nil {
			b.logger.Warn(ctx, "event handler failed", "event_type", evt.Type, "key", evt.Key, "error", err)
			errs = append(errs, fmt.Errorf("handling %s: %w", evt.Type, err))
		}
	}
	return errors.Join(errs...)
}

// Close drops every subscription. Further calls fail with ErrClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.handlers = make(map[events.EventType]handlerList)
	return nil
}

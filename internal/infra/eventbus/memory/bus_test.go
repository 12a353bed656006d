package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

const (
	typeA events.EventType = "A"
	typeB events.EventType = "B"
)

func TestPublishAndSubscribe(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()

	var got []events.EventEnvelope
	err := bus.Subscribe(ctx, []events.EventType{typeA}, func(_ context.Context, evt events.EventEnvelope) error {
		got = append(got, evt)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA, Payload: "hello"}, events.WithKey("scan-1")))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeB, Payload: "ignored"}))

	require.Len(t, got, 1)
	assert.Equal(t, "hello", got[0].Payload)
	assert.Equal(t, "scan-1", got[0].Key)
}

func TestMultipleSubscribers(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		err := bus.Subscribe(ctx, []events.EventType{typeA, typeB}, func(context.Context, events.EventEnvelope) error {
			calls++
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeA}))
	require.NoError(t, bus.Publish(ctx, events.EventEnvelope{Type: typeB}))
	assert.Equal(t, 6, calls)
}

func TestHandlerErrorDoesNotStopOtherHandlers(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		return boom
	}))
	secondCalled := false
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		secondCalled = true
		return nil
	}))

	err := bus.Publish(ctx, events.EventEnvelope{Type: typeA})

	assert.ErrorIs(t, err, boom)
	assert.True(t, secondCalled)
}

func TestSubscriptionEndsWithContext(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	calls := 0
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error {
		calls++
		return nil
	}))
	// A second subscription observes removal of the first.
	require.NoError(t, bus.Subscribe(context.Background(), []events.EventType{typeB}, func(context.Context, events.EventEnvelope) error {
		close(done)
		return nil
	}))

	cancel()
	assert.Eventually(t, func() bool {
		bus.mu.RLock()
		defer bus.mu.RUnlock()
		return len(bus.handlers[typeA]) == 0
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{Type: typeA}))
	require.NoError(t, bus.Publish(context.Background(), events.EventEnvelope{Type: typeB}))
	<-done
	assert.Zero(t, calls)
}

func TestSubscribeCancelledContext(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := bus.Subscribe(ctx, []events.EventType{typeA}, func(context.Context, events.EventEnvelope) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClosedBus(t *testing.T) {
	t.Parallel()

	bus := NewBus(logger.Noop())
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), events.EventEnvelope{Type: typeA})
	assert.ErrorIs(t, err, ErrClosed)
}

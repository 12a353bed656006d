package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/infra/eventbus/memory"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

func TestDomainEventPublisher_WrapsEvent(t *testing.T) {
	bus := memory.NewBus(logger.Noop())
	ctx := context.Background()

	var got events.EventEnvelope
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{findings.EventTypeResultsInvalidated},
		func(_ context.Context, evt events.EventEnvelope) error {
			got = evt
			return nil
		}))

	evt := findings.NewResultsInvalidatedEvent("scan-1", "mask")
	pub := NewDomainEventPublisher(bus)
	require.NoError(t, pub.PublishDomainEvent(ctx, evt, events.WithKey("scan-1")))

	assert.Equal(t, findings.EventTypeResultsInvalidated, got.Type)
	assert.Equal(t, "scan-1", got.Key)
	assert.Equal(t, evt.OccurredAt(), got.Timestamp)
	assert.Equal(t, evt, got.Payload)
}

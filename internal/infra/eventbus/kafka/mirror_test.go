package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/eventbus"
	"github.com/ahrav/scan-console/internal/infra/eventbus/memory"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

var testLineage = scanning.Lineage{NodeID: "img-1", NodeType: scanning.NodeTypeContainerImage, ScanType: scanning.ScanTypeVulnerability}

func TestCodec_ScanDeleted(t *testing.T) {
	occurred := time.Date(2024, 6, 1, 8, 30, 0, 123, time.UTC)
	evt := scanning.ReconstructScanDeletedEvent("scan-9", testLineage, occurred)

	data, err := encodeEvent("replica-a", evt)
	require.NoError(t, err)

	wire, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, "replica-a", wire.Origin)

	got, ok := wire.Event.(scanning.ScanDeletedEvent)
	require.True(t, ok)
	assert.Equal(t, "scan-9", got.ScanID)
	assert.Equal(t, testLineage, got.Lineage())
	assert.True(t, occurred.Equal(got.OccurredAt()))
}

func TestCodec_ResultsInvalidated(t *testing.T) {
	evt := findings.NewResultsInvalidatedEvent("scan-2", "delete")

	data, err := encodeEvent("replica-a", evt)
	require.NoError(t, err)

	wire, err := decodeEvent(data)
	require.NoError(t, err)
	got, ok := wire.Event.(findings.ResultsInvalidatedEvent)
	require.True(t, ok)
	assert.Equal(t, "scan-2", got.ScanID)
	assert.Equal(t, "delete", got.Reason)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, err := decodeEvent([]byte{0xff, 0x01, 0x02})
	assert.Error(t, err)
}

func newTestMirror(t *testing.T, producer sarama.SyncProducer) (*Mirror, *memory.Bus) {
	t.Helper()
	bus := memory.NewBus(logger.Noop())
	cfg := Config{Topic: "scan-console.invalidations", InstanceID: "replica-a"}
	return NewMirror(cfg, producer, nil, bus, logger.Noop(), noop.NewTracerProvider().Tracer("test")), bus
}

func TestMirror_ForwardsLocalEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		wire, err := decodeEvent(val)
		if err != nil {
			return err
		}
		assert.Equal(t, "replica-a", wire.Origin)
		assert.Equal(t, findings.EventTypeResultsInvalidated, wire.Event.EventType())
		return nil
	})

	mirror, bus := newTestMirror(t, producer)
	require.NoError(t, mirror.Start(ctx))

	pub := eventbus.NewDomainEventPublisher(bus)
	require.NoError(t, pub.PublishDomainEvent(ctx, findings.NewResultsInvalidatedEvent("scan-1", "mask"), events.WithKey("scan-1")))

	require.NoError(t, mirror.Close())
}

func TestMirror_ReplaysRemoteEventsLocally(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// No SendMessage expectation: a replayed event must not be forwarded back.
	producer := mocks.NewSyncProducer(t, nil)
	mirror, bus := newTestMirror(t, producer)
	require.NoError(t, mirror.Start(ctx))

	var delivered []events.EventEnvelope
	require.NoError(t, bus.Subscribe(ctx, []events.EventType{scanning.EventTypeScanDeleted},
		func(_ context.Context, env events.EventEnvelope) error {
			delivered = append(delivered, env)
			return nil
		}))

	remote, err := encodeEvent("replica-b", scanning.NewScanDeletedEvent("scan-7", testLineage))
	require.NoError(t, err)
	own, err := encodeEvent("replica-a", scanning.NewScanDeletedEvent("scan-8", testLineage))
	require.NoError(t, err)

	require.NoError(t, mirror.handleMessage(ctx, &sarama.ConsumerMessage{Topic: "t", Key: []byte("scan-7"), Value: remote}))
	require.NoError(t, mirror.handleMessage(ctx, &sarama.ConsumerMessage{Topic: "t", Key: []byte("scan-8"), Value: own}))

	require.Len(t, delivered, 1)
	assert.Equal(t, "scan-7", delivered[0].Key)
	assert.Equal(t, "replica-b", delivered[0].Headers[originHeader])
	got := delivered[0].Payload.(scanning.ScanDeletedEvent)
	assert.Equal(t, "scan-7", got.ScanID)

	require.NoError(t, mirror.Close())
}

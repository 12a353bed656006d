package kafka

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
)

// MirroredEventTypes are the invalidation events shared between replicas.
var MirroredEventTypes = []events.EventType{
	scanning.EventTypeScanDeleted,
	findings.EventTypeResultsInvalidated,
}

// wireEvent is the decoded form of a mirrored message.
type wireEvent struct {
	Origin string
	Event  events.DomainEvent
}

// encodeEvent serializes a domain event into a protobuf Struct envelope.
func encodeEvent(origin string, evt events.DomainEvent) ([]byte, error) {
	var payload map[string]any
	switch e := evt.(type) {
	case scanning.ScanDeletedEvent:
		payload = map[string]any{
			"scan_id":   e.ScanID,
			"node_id":   e.NodeID,
			"node_type": e.NodeType.String(),
			"scan_type": e.ScanType.String(),
		}
	case findings.ResultsInvalidatedEvent:
		payload = map[string]any{
			"scan_id": e.ScanID,
			"reason":  e.Reason,
		}
	default:
		return nil, fmt.Errorf("event type %s is not mirrored", evt.EventType())
	}

	envelope, err := structpb.NewStruct(map[string]any{
		"type":        string(evt.EventType()),
		"origin":      origin,
		"occurred_at": evt.OccurredAt().UTC().Format(time.RFC3339Nano),
		"payload":     payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build envelope for %s: %w", evt.EventType(), err)
	}
	return proto.Marshal(envelope)
}

// decodeEvent reverses encodeEvent.
func decodeEvent(data []byte) (wireEvent, error) {
	var envelope structpb.Struct
	if err := proto.Unmarshal(data, &envelope); err != nil {
		return wireEvent{}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	fields := envelope.GetFields()

	occurredAt, err := time.Parse(time.RFC3339Nano, fields["occurred_at"].GetStringValue())
	if err != nil {
		return wireEvent{}, fmt.Errorf("invalid occurred_at: %w", err)
	}
	payload := fields["payload"].GetStructValue().GetFields()
	str := func(k string) string { return payload[k].GetStringValue() }

	out := wireEvent{Origin: fields["origin"].GetStringValue()}
	switch et := events.EventType(fields["type"].GetStringValue()); et {
	case scanning.EventTypeScanDeleted:
		lineage := scanning.Lineage{
			NodeID:   str("node_id"),
			NodeType: scanning.NodeType(str("node_type")),
			ScanType: scanning.ScanType(str("scan_type")),
		}
		out.Event = scanning.ReconstructScanDeletedEvent(str("scan_id"), lineage, occurredAt)
	case findings.EventTypeResultsInvalidated:
		out.Event = findings.ReconstructResultsInvalidatedEvent(str("scan_id"), str("reason"), occurredAt)
	default:
		return wireEvent{}, fmt.Errorf("unknown mirrored event type %q", et)
	}
	return out, nil
}

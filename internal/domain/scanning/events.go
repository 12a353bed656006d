package scanning

import (
	"time"

	"github.com/ahrav/scan-console/internal/domain/events"
)

// Event types relevant to the scan lifecycle.
const (
	EventTypeScanDeleted events.EventType = "ScanDeleted"
)

// ScanDeletedEvent signals that a scan record was removed remotely. The
// tracker owning the scan reacts by dropping it and selecting a fallback.
type ScanDeletedEvent struct {
	occurredAt time.Time
	ScanID     string
	NodeID     string
	NodeType   NodeType
	ScanType   ScanType
}

// NewScanDeletedEvent creates a new ScanDeletedEvent.
func NewScanDeletedEvent(scanID string, lineage Lineage) ScanDeletedEvent {
	return ScanDeletedEvent{
		occurredAt: time.Now(),
		ScanID:     scanID,
		NodeID:     lineage.NodeID,
		NodeType:   lineage.NodeType,
		ScanType:   lineage.ScanType,
	}
}

func (e ScanDeletedEvent) EventType() events.EventType { return EventTypeScanDeleted }
func (e ScanDeletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// Lineage returns the node lineage of the deleted scan.
func (e ScanDeletedEvent) Lineage() Lineage {
	return Lineage{NodeID: e.NodeID, NodeType: e.NodeType, ScanType: e.ScanType}
}

// ReconstructScanDeletedEvent rebuilds an event received from a transport,
// keeping its original occurrence time.
func ReconstructScanDeletedEvent(scanID string, lineage Lineage, occurredAt time.Time) ScanDeletedEvent {
	evt := NewScanDeletedEvent(scanID, lineage)
	evt.occurredAt = occurredAt
	return evt
}

package findings

import (
	"time"

	"github.com/ahrav/scan-console/internal/domain/events"
)

const (
	EventTypeResultsInvalidated events.EventType = "ResultsInvalidated"
)

// ResultsInvalidatedEvent signals that a scan's result set changed and any
// cached page of it is stale.
type ResultsInvalidatedEvent struct {
	occurredAt time.Time
	ScanID     string
	Reason     string
}

// NewResultsInvalidatedEvent creates a new ResultsInvalidatedEvent.
func NewResultsInvalidatedEvent(scanID, reason string) ResultsInvalidatedEvent {
	return ResultsInvalidatedEvent{occurredAt: time.Now(), ScanID: scanID, Reason: reason}
}

// ReconstructResultsInvalidatedEvent rebuilds an event received from a
// transport, keeping its original occurrence time.
func ReconstructResultsInvalidatedEvent(scanID, reason string, occurredAt time.Time) ResultsInvalidatedEvent {
	return ResultsInvalidatedEvent{occurredAt: occurredAt, ScanID: scanID, Reason: reason}
}

func (e ResultsInvalidatedEvent) EventType() events.EventType { return EventTypeResultsInvalidated }
func (e ResultsInvalidatedEvent) OccurredAt() time.Time       { return e.occurredAt }

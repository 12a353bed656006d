package scanning

import (
	"errors"
	"fmt"
)

// ErrNoScansRemain is returned when a node's scan history is empty after a
// deletion, so there is no scan left to show.
var ErrNoScansRemain = errors.New("no scans remain")

// ProtocolViolationError reports an illegal state transition observed from
// the remote system. It is never corrected locally.
type ProtocolViolationError struct {
	Entity string
	ID     string
	From   ScanStatus
	To     ScanStatus
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s %s moved from %s to %s", e.Entity, e.ID, e.From, e.To)
}

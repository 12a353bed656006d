package scanning

import (
	"fmt"
	"strings"
)

// ScanStatus represents the current state of a scan job as reported by the
// remote system. Values use the remote API's SCREAMING_SNAKE form.
type ScanStatus string

const (
	// ScanStatusNeverScanned is the initial state of a node that has no scan.
	// The remote reports it as an empty status string.
	ScanStatusNeverScanned ScanStatus = "NEVER_SCANNED"

	// ScanStatusQueued indicates the scan was accepted but has not started.
	ScanStatusQueued ScanStatus = "QUEUED"

	// ScanStatusInProgress indicates a scanner is working on the node.
	ScanStatusInProgress ScanStatus = "IN_PROGRESS"

	// ScanStatusStopping indicates a stop was requested and is being honoured.
	ScanStatusStopping ScanStatus = "STOPPING"

	// ScanStatusStopped indicates the scan was stopped before completing.
	ScanStatusStopped ScanStatus = "STOPPED"

	// ScanStatusComplete indicates the scan finished and its results are final.
	ScanStatusComplete ScanStatus = "COMPLETE"

	// ScanStatusError indicates the scan failed.
	ScanStatusError ScanStatus = "ERROR"
)

func (s ScanStatus) String() string { return string(s) }

// ParseScanStatus converts a remote status string to a ScanStatus. Matching is
// case-insensitive and the empty string means the node was never scanned.
func ParseScanStatus(s string) (ScanStatus, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	if norm == "" {
		return ScanStatusNeverScanned, nil
	}
	switch st := ScanStatus(norm); st {
	case ScanStatusNeverScanned, ScanStatusQueued, ScanStatusInProgress, ScanStatusStopping,
		ScanStatusStopped, ScanStatusComplete, ScanStatusError:
		return st, nil
	default:
		return "", fmt.Errorf("unknown scan status %q", s)
	}
}

// IsTerminal reports whether no further automatic transition occurs from s.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusComplete, ScanStatusError, ScanStatusStopped:
		return true
	default:
		return false
	}
}

// transitions holds the direct edges of the scan lifecycle. Observed statuses
// may skip intermediate states because the remote is polled, so acceptance is
// decided on the transitive closure of this graph.
var transitions = map[ScanStatus][]ScanStatus{
	ScanStatusNeverScanned: {ScanStatusQueued},
	ScanStatusQueued:       {ScanStatusInProgress},
	ScanStatusInProgress:   {ScanStatusComplete, ScanStatusError, ScanStatusStopping},
	ScanStatusStopping:     {ScanStatusStopped},
}

// ValidateTransition checks if an observed status transition is valid and
// returns an error if not. Re-observing the same status is valid.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if s == target {
		return nil
	}
	if !s.canReach(target) {
		return fmt.Errorf("invalid scan status transition from %s to %s", s, target)
	}
	return nil
}

// canReach reports whether target is reachable from s through one or more edges.
func (s ScanStatus) canReach(target ScanStatus) bool {
	seen := map[ScanStatus]bool{s: true}
	frontier := []ScanStatus{s}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		for _, next := range transitions[cur] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return false
}

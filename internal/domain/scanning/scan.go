package scanning

import (
	"fmt"
	"time"
)

// ScanJob is the engine's view of one remote scan. It is only changed by
// observing a status fetched from the remote system.
type ScanJob struct {
	ScanID        string     `json:"scan_id" yaml:"scan_id"`
	NodeID        string     `json:"node_id" yaml:"node_id"`
	NodeType      NodeType   `json:"node_type" yaml:"node_type"`
	ScanType      ScanType   `json:"scan_type" yaml:"scan_type"`
	Status        ScanStatus `json:"status" yaml:"status"`
	StatusMessage string     `json:"status_message,omitempty" yaml:"status_message,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at" yaml:"updated_at"`
}

// Lineage identifies the node a scan belongs to. All scans of one scan type
// against one node share a lineage.
type Lineage struct {
	NodeID   string
	NodeType NodeType
	ScanType ScanType
}

func (l Lineage) String() string {
	return fmt.Sprintf("%s/%s/%s", l.NodeType, l.NodeID, l.ScanType)
}

// Lineage returns the node lineage this scan belongs to.
func (j ScanJob) Lineage() Lineage {
	return Lineage{NodeID: j.NodeID, NodeType: j.NodeType, ScanType: j.ScanType}
}

// Observation is one status report for a scan fetched from the remote system.
type Observation struct {
	Status    ScanStatus
	Message   string
	UpdatedAt time.Time
}

// Observe applies an observed status to the job. An observation that is not
// reachable from the current status returns a *ProtocolViolationError and
// leaves the job untouched.
func (j *ScanJob) Observe(obs Observation) error {
	if err := j.Status.ValidateTransition(obs.Status); err != nil {
		return &ProtocolViolationError{Entity: "scan", ID: j.ScanID, From: j.Status, To: obs.Status}
	}

	j.Status = obs.Status
	if obs.Status == ScanStatusError || obs.Status == ScanStatusStopped {
		j.StatusMessage = obs.Message
	} else {
		j.StatusMessage = ""
	}
	if obs.UpdatedAt.After(j.UpdatedAt) {
		j.UpdatedAt = obs.UpdatedAt
	}
	return nil
}

// Action is a user operation gated on a scan's status.
type Action string

const (
	ActionDownload Action = "download"
	ActionCompare  Action = "compare"
	ActionStop     Action = "stop"
	ActionDelete   Action = "delete"
)

// IsActionable reports whether action may be taken on the job in its current
// status.
func (j ScanJob) IsActionable(action Action) bool {
	switch action {
	case ActionDownload, ActionCompare:
		return j.Status == ScanStatusComplete
	case ActionStop:
		return j.Status == ScanStatusQueued || j.Status == ScanStatusInProgress
	case ActionDelete:
		return j.Status != ScanStatusInProgress && j.Status != ScanStatusStopping
	default:
		return false
	}
}

// ScanSummary is one entry of a node's scan history.
type ScanSummary struct {
	ScanID    string     `json:"scan_id" yaml:"scan_id"`
	Status    ScanStatus `json:"status" yaml:"status"`
	UpdatedAt time.Time  `json:"updated_at" yaml:"updated_at"`
}

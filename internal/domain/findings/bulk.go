package findings

import (
	"errors"
	"fmt"

	"github.com/ahrav/scan-console/internal/domain/scanning"
)

// ActionKind names a bulk mutation.
type ActionKind string

const (
	ActionMask       ActionKind = "mask"
	ActionUnmask     ActionKind = "unmask"
	ActionNotify     ActionKind = "notify"
	ActionDelete     ActionKind = "delete"
	ActionDeleteScan ActionKind = "delete_scan"
)

func (k ActionKind) String() string { return string(k) }

// ParseActionKind converts a string to an ActionKind.
func ParseActionKind(s string) (ActionKind, error) {
	switch k := ActionKind(s); k {
	case ActionMask, ActionUnmask, ActionNotify, ActionDelete, ActionDeleteScan:
		return k, nil
	default:
		return "", fmt.Errorf("unknown action kind %q", s)
	}
}

// ErrInvalidRequest is wrapped by every bulk request validation failure.
var ErrInvalidRequest = errors.New("invalid bulk action request")

// ActionOptions tune how a bulk action is applied.
type ActionOptions struct {
	// MaskAcrossHostsAndImages masks the same rule on every node, not just
	// within this scan.
	MaskAcrossHostsAndImages bool
	// NotifyIndividual sends one notification per finding instead of one for
	// the batch.
	NotifyIndividual bool
}

// BulkActionRequest is a mutation applied to a set of findings in one scan,
// or to the scan itself for ActionDeleteScan.
type BulkActionRequest struct {
	Kind      ActionKind
	ScanID    string
	ScanType  scanning.ScanType
	TargetIDs []string
	Options   ActionOptions

	// Lineage is only needed for ActionDeleteScan, so that the tracker
	// viewing the node can select a fallback scan.
	Lineage scanning.Lineage
}

// Validate checks the request before any remote call is made.
func (r BulkActionRequest) Validate() error {
	if _, err := ParseActionKind(string(r.Kind)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if r.ScanID == "" {
		return fmt.Errorf("%w: scan id is required", ErrInvalidRequest)
	}
	if r.Kind != ActionDeleteScan && len(r.TargetIDs) == 0 {
		return fmt.Errorf("%w: %s requires at least one target", ErrInvalidRequest, r.Kind)
	}
	return nil
}

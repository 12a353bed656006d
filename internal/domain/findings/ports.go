package findings

import (
	"context"

	"github.com/ahrav/scan-console/internal/domain/scanning"
)

// MutationRequest carries the targets and options of one remote bulk call.
type MutationRequest struct {
	ScanID    string
	ScanType  scanning.ScanType
	ResultIDs []string
	Options   ActionOptions
}

// ResultsClient is the remote operation contract for result queries and
// bulk mutations. Failures reported by the remote are *shared.RemoteError.
type ResultsClient interface {
	// QueryResults returns the page of findings selected by d.
	QueryResults(ctx context.Context, scanID string, d Descriptor) (Page[Finding], error)

	// MaskResults hides findings. Masking an already masked finding succeeds.
	MaskResults(ctx context.Context, req MutationRequest) error

	// UnmaskResults reverses MaskResults.
	UnmaskResults(ctx context.Context, req MutationRequest) error

	// NotifyResults forwards findings to the configured notification channels.
	NotifyResults(ctx context.Context, req MutationRequest) error

	// DeleteResults removes findings from the scan's result set.
	DeleteResults(ctx context.Context, req MutationRequest) error
}

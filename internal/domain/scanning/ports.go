package scanning

import "context"

// ScanClient is the remote operation contract for scan lifecycle calls. Every
// method returns a *shared.RemoteError for a failure the remote reported.
type ScanClient interface {
	// TriggerScan starts a scan of scanType on each node and returns the
	// accepted scans, all queued.
	TriggerScan(ctx context.Context, nodeIDs []string, nodeType NodeType, scanType ScanType) ([]ScanJob, error)

	// GetScanStatus fetches the current state of a scan. A deleted scan yields
	// an error matching shared.ErrNotFound.
	GetScanStatus(ctx context.Context, scanID string) (ScanJob, error)

	// ListScanHistory returns the scans of scanType run against a node.
	ListScanHistory(ctx context.Context, nodeID string, nodeType NodeType, scanType ScanType) ([]ScanSummary, error)

	// StopScans asks the remote to stop the given scans.
	StopScans(ctx context.Context, scanIDs []string, scanType ScanType) error

	// DeleteScan removes a scan and its results.
	DeleteScan(ctx context.Context, scanID string, scanType ScanType) error
}

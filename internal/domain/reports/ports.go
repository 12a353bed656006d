package reports

import "context"

// ReportClient is the remote operation contract for report generation.
type ReportClient interface {
	// RequestReport asks the remote to render a report and returns its id.
	RequestReport(ctx context.Context, filters Filters, format Format) (string, error)

	// GetReport fetches the current state of a report.
	GetReport(ctx context.Context, reportID string) (ReportJob, error)
}

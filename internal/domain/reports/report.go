// Package reports models report generation jobs: a request for a rendered
// export of scan results that the remote system produces asynchronously.
package reports

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ahrav/scan-console/internal/domain/scanning"
)

// Status is the remote state of a report job.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

func (s Status) String() string { return string(s) }

// ParseStatus converts a remote status string to a Status. An empty value is
// treated as pending.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case "":
		return StatusPending, nil
	case StatusPending, StatusReady, StatusFailed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown report status %q", s)
	}
}

// IsTerminal reports whether the report will not change any more.
func (s Status) IsTerminal() bool { return s == StatusReady || s == StatusFailed }

// Format is the rendering of a report artifact.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatJSON, FormatCSV:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported report format %q", s)
	}
}

// ErrInvalidFilters is wrapped by filter validation failures.
var ErrInvalidFilters = errors.New("invalid report filters")

// Filters select the results a report covers.
type Filters struct {
	ScanType scanning.ScanType `json:"scan_type" yaml:"scan_type"`
	NodeType scanning.NodeType `json:"node_type" yaml:"node_type"`
	ScanIDs  []string          `json:"scan_ids,omitempty" yaml:"scan_ids,omitempty"`
	Severity []string          `json:"severity,omitempty" yaml:"severity,omitempty"`
}

// Validate checks the filters a report request must carry.
func (f Filters) Validate() error {
	if f.ScanType == "" {
		return fmt.Errorf("%w: scan type is required", ErrInvalidFilters)
	}
	if f.NodeType == "" {
		return fmt.Errorf("%w: node type is required", ErrInvalidFilters)
	}
	return nil
}

// ReportJob tracks one report generation request.
type ReportJob struct {
	ReportID    string `json:"report_id" yaml:"report_id"`
	Status      Status `json:"status" yaml:"status"`
	ArtifactURL string `json:"url,omitempty" yaml:"url,omitempty"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
}

// NewReportJob returns a pending job for an accepted request.
func NewReportJob(reportID string) *ReportJob {
	return &ReportJob{ReportID: reportID, Status: StatusPending}
}

// Observe applies a status fetched from the remote system. A report only
// moves from pending to ready or failed; anything else is rejected and the
// job is left unchanged. A ready observation must carry an artifact URL.
func (r *ReportJob) Observe(status Status, url, msg string) error {
	if r.Status.IsTerminal() && status != r.Status {
		return fmt.Errorf("invalid report status transition from %s to %s (report_id: %s)", r.Status, status, r.ReportID)
	}
	if status == StatusReady && url == "" {
		return fmt.Errorf("report %s reported ready without an artifact url", r.ReportID)
	}

	r.Status = status
	r.Message = msg
	if status == StatusReady {
		r.ArtifactURL = url
	} else {
		r.ArtifactURL = ""
	}
	return nil
}

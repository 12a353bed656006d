// Package wire holds the JSON shapes exchanged between the engine's HTTP
// client and the scan backend, and their conversions to domain types.
package wire

import (
	"time"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
)

// ErrorBody is the body of every non-2xx response.
type ErrorBody struct {
	Message     string            `json:"message,omitempty"`
	ErrorFields map[string]string `json:"error_fields,omitempty"`
}

// ScanJob is the wire form of scanning.ScanJob. An empty status means the
// node was never scanned.
type ScanJob struct {
	ScanID        string    `json:"scan_id"`
	NodeID        string    `json:"node_id"`
	NodeType      string    `json:"node_type"`
	ScanType      string    `json:"scan_type"`
	Status        string    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FromScanJob converts a domain scan to its wire form.
func FromScanJob(j scanning.ScanJob) ScanJob {
	return ScanJob{
		ScanID:        j.ScanID,
		NodeID:        j.NodeID,
		NodeType:      j.NodeType.String(),
		ScanType:      j.ScanType.String(),
		Status:        j.Status.String(),
		StatusMessage: j.StatusMessage,
		UpdatedAt:     j.UpdatedAt,
	}
}

// ToDomain validates and converts the wire scan.
func (s ScanJob) ToDomain() (scanning.ScanJob, error) {
	status, err := scanning.ParseScanStatus(s.Status)
	if err != nil {
		return scanning.ScanJob{}, err
	}
	nodeType, err := scanning.ParseNodeType(s.NodeType)
	if err != nil {
		return scanning.ScanJob{}, err
	}
	scanType, err := scanning.ParseScanType(s.ScanType)
	if err != nil {
		return scanning.ScanJob{}, err
	}
	return scanning.ScanJob{
		ScanID:        s.ScanID,
		NodeID:        s.NodeID,
		NodeType:      nodeType,
		ScanType:      scanType,
		Status:        status,
		StatusMessage: s.StatusMessage,
		UpdatedAt:     s.UpdatedAt,
	}, nil
}

// TriggerScanRequest is the body of POST /v1/scans/{scan_type}/start.
type TriggerScanRequest struct {
	NodeIDs  []string `json:"node_ids" validate:"required,min=1,dive,required"`
	NodeType string   `json:"node_type" validate:"required"`
}

// ScanList carries scans, used by trigger responses.
type ScanList struct {
	Scans []ScanJob `json:"scans"`
}

// ScanSummary is one entry of a node's scan history.
type ScanSummary struct {
	ScanID    string    `json:"scan_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScanHistory is the body of GET /v1/nodes/{node_type}/{node_id}/scans.
type ScanHistory struct {
	Scans []ScanSummary `json:"scans"`
}

// ToDomain converts the history, rejecting unknown statuses.
func (h ScanHistory) ToDomain() ([]scanning.ScanSummary, error) {
	out := make([]scanning.ScanSummary, 0, len(h.Scans))
	for _, s := range h.Scans {
		status, err := scanning.ParseScanStatus(s.Status)
		if err != nil {
			return nil, err
		}
		out = append(out, scanning.ScanSummary{ScanID: s.ScanID, Status: status, UpdatedAt: s.UpdatedAt})
	}
	return out, nil
}

// FromScanSummaries converts a domain history to its wire form.
func FromScanSummaries(history []scanning.ScanSummary) ScanHistory {
	out := ScanHistory{Scans: make([]ScanSummary, 0, len(history))}
	for _, s := range history {
		out.Scans = append(out.Scans, ScanSummary{ScanID: s.ScanID, Status: s.Status.String(), UpdatedAt: s.UpdatedAt})
	}
	return out
}

// StopScansRequest is the body of POST /v1/scans/{scan_type}/stop.
type StopScansRequest struct {
	ScanIDs []string `json:"scan_ids" validate:"required,min=1,dive,required"`
}

// ResultPage is the body returned by POST /v1/scans/{scan_id}/results.
type ResultPage = findings.Page[findings.Finding]

// MutationRequest is the body of the bulk result endpoints.
type MutationRequest struct {
	ScanID                   string   `json:"scan_id" validate:"required"`
	ScanType                 string   `json:"scan_type"`
	ResultIDs                []string `json:"result_ids" validate:"required,min=1,dive,required"`
	MaskAcrossHostsAndImages bool     `json:"mask_across_hosts_and_images,omitempty"`
	NotifyIndividual         bool     `json:"notify_individual,omitempty"`
}

// FromMutation converts a domain mutation to its wire form.
func FromMutation(req findings.MutationRequest) MutationRequest {
	return MutationRequest{
		ScanID:                   req.ScanID,
		ScanType:                 req.ScanType.String(),
		ResultIDs:                req.ResultIDs,
		MaskAcrossHostsAndImages: req.Options.MaskAcrossHostsAndImages,
		NotifyIndividual:         req.Options.NotifyIndividual,
	}
}

// ToDomain converts the wire mutation.
func (m MutationRequest) ToDomain() findings.MutationRequest {
	return findings.MutationRequest{
		ScanID:    m.ScanID,
		ScanType:  scanning.ScanType(m.ScanType),
		ResultIDs: m.ResultIDs,
		Options: findings.ActionOptions{
			MaskAcrossHostsAndImages: m.MaskAcrossHostsAndImages,
			NotifyIndividual:         m.NotifyIndividual,
		},
	}
}

// ReportRequest is the body of POST /v1/reports.
type ReportRequest struct {
	Filters reports.Filters `json:"filters"`
	Format  string          `json:"format" validate:"required,oneof=json csv"`
}

// ReportAccepted is returned for an accepted report request.
type ReportAccepted struct {
	ReportID string `json:"report_id"`
}

// Report is the body of GET /v1/reports/{report_id}.
type Report struct {
	ReportID string `json:"report_id"`
	Status   string `json:"status"`
	URL      string `json:"url,omitempty"`
	Message  string `json:"message,omitempty"`
}

// ToDomain converts the wire report.
func (r Report) ToDomain() (reports.ReportJob, error) {
	status, err := reports.ParseStatus(r.Status)
	if err != nil {
		return reports.ReportJob{}, err
	}
	return reports.ReportJob{ReportID: r.ReportID, Status: status, ArtifactURL: r.URL, Message: r.Message}, nil
}

// FromReport converts a domain report to its wire form.
func FromReport(r reports.ReportJob) Report {
	return Report{ReportID: r.ReportID, Status: r.Status.String(), URL: r.ArtifactURL, Message: r.Message}
}

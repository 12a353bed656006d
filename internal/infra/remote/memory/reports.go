package memory

import (
	"context"
	"fmt"

	"github.com/ahrav/scan-console/internal/domain/reports"
)

// RequestReport implements reports.ReportClient.
func (b *Backend) RequestReport(_ context.Context, filters reports.Filters, format reports.Format) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpRequestReport); err != nil {
		return "", err
	}
	if filters.ScanType == "" {
		return "", fieldError("scan_type", "scan_type is required")
	}
	if filters.NodeType == "" {
		return "", fieldError("node_type", "node_type is required")
	}
	if _, err := reports.ParseFormat(string(format)); err != nil {
		return "", fieldError("format", err.Error())
	}

	id := b.newID()
	b.reports[id] = &reportRecord{
		job:       *reports.NewReportJob(id),
		format:    format,
		pollsLeft: b.reportPolls,
		failWith:  b.reportFail,
	}
	return id, nil
}

// GetReport implements reports.ReportClient. A report stays pending for the
// configured number of polls, then resolves.
func (b *Backend) GetReport(_ context.Context, reportID string) (reports.ReportJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpGetReport); err != nil {
		return reports.ReportJob{}, err
	}

	rec, ok := b.reports[reportID]
	if !ok {
		return reports.ReportJob{}, notFound("report", reportID)
	}
	if rec.job.Status.IsTerminal() {
		return rec.job, nil
	}
	if rec.pollsLeft > 0 {
		rec.pollsLeft--
		return rec.job, nil
	}

	if rec.failWith != "" {
		rec.job.Status = reports.StatusFailed
		rec.job.Message = rec.failWith
	} else {
		rec.job.Status = reports.StatusReady
		rec.job.ArtifactURL = fmt.Sprintf("memory://reports/%s.%s", reportID, rec.format)
	}
	return rec.job, nil
}

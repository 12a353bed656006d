// Package memory is an in-process implementation of the remote operation
// contracts. Scans advance along a scripted status sequence, one step per
// status fetch, and reports become ready after a fixed number of polls. It
// backs the engine tests and the CLI's demo mode.
package memory

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/pkg/common/timeutil"
)

var (
	_ scanning.ScanClient    = (*Backend)(nil)
	_ findings.ResultsClient = (*Backend)(nil)
	_ reports.ReportClient   = (*Backend)(nil)
)

// DefaultScript is the status sequence a triggered scan walks through after
// QUEUED.
var DefaultScript = []scanning.ScanStatus{scanning.ScanStatusInProgress, scanning.ScanStatusComplete}

// Operation names accepted by FailNext.
const (
	OpTriggerScan     = "trigger_scan"
	OpGetScanStatus   = "get_scan_status"
	OpListScanHistory = "list_scan_history"
	OpStopScans       = "stop_scans"
	OpDeleteScan      = "delete_scan"
	OpQueryResults    = "query_results"
	OpMaskResults     = "mask_results"
	OpUnmaskResults   = "unmask_results"
	OpNotifyResults   = "notify_results"
	OpDeleteResults   = "delete_results"
	OpRequestReport   = "request_report"
	OpGetReport       = "get_report"
)

type scanRecord struct {
	job    scanning.ScanJob
	script []scanning.ScanStatus
}

type reportRecord struct {
	job       reports.ReportJob
	format    reports.Format
	pollsLeft int
	failWith  string
}

// Backend holds scans, findings and reports in memory. It is safe for
// concurrent use.
type Backend struct {
	mu       sync.Mutex
	scans    map[string]*scanRecord
	findings map[string][]findings.Finding
	reports  map[string]*reportRecord
	notified []string
	calls    map[string]int
	failures map[string][]error

	script      []scanning.ScanStatus
	reportPolls int
	reportFail  string
	generate    func(scanning.ScanJob) []findings.Finding
	newID       func() string
	clock       timeutil.Provider
}

// Option configures a Backend.
type Option func(*Backend)

// WithScanScript sets the statuses triggered scans advance through after
// QUEUED.
func WithScanScript(statuses ...scanning.ScanStatus) Option {
	return func(b *Backend) { b.script = statuses }
}

// WithReportPolls sets how many GetReport calls return pending before a
// report resolves.
func WithReportPolls(n int) Option {
	return func(b *Backend) { b.reportPolls = n }
}

// WithReportFailure makes every report resolve as failed with msg.
func WithReportFailure(msg string) Option {
	return func(b *Backend) { b.reportFail = msg }
}

// WithFindingGenerator sets the findings attached to a scan when it is
// triggered.
func WithFindingGenerator(gen func(scanning.ScanJob) []findings.Finding) Option {
	return func(b *Backend) { b.generate = gen }
}

// WithIDGenerator replaces uuid based ids.
func WithIDGenerator(gen func() string) Option {
	return func(b *Backend) { b.newID = gen }
}

// WithClock sets the time source stamped on scans.
func WithClock(c timeutil.Provider) Option {
	return func(b *Backend) { b.clock = c }
}

// NewBackend returns an empty Backend.
func NewBackend(opts ...Option) *Backend {
	b := &Backend{
		scans:    make(map[string]*scanRecord),
		findings: make(map[string][]findings.Finding),
		reports:  make(map[string]*reportRecord),
		calls:    make(map[string]int),
		failures: make(map[string][]error),
		script:   DefaultScript,
		newID:    uuid.NewString,
		clock:    timeutil.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// FailNext queues errs to be returned, in order, by the next calls of op.
func (b *Backend) FailNext(op string, errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], errs...)
}

// Calls returns how many times op was invoked, failed calls included.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// Notified returns the ids of every finding a notification was sent for.
func (b *Backend) Notified() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.notified...)
}

// SeedScan stores a scan with the given remaining script and findings.
func (b *Backend) SeedScan(job scanning.ScanJob, script []scanning.ScanStatus, results ...findings.Finding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scans[job.ScanID] = &scanRecord{job: job, script: append([]scanning.ScanStatus(nil), script...)}
	for i := range results {
		results[i].ScanID = job.ScanID
	}
	b.findings[job.ScanID] = append(b.findings[job.ScanID], results...)
}

// begin records a call to op and pops a queued failure. Callers hold b.mu.
func (b *Backend) begin(op string) error {
	b.calls[op]++
	queued := b.failures[op]
	if len(queued) == 0 {
		return nil
	}
	err := queued[0]
	b.failures[op] = queued[1:]
	return err
}

func notFound(kind, id string) error {
	return shared.NewRemoteError(http.StatusNotFound, fmt.Sprintf("%s %s not found", kind, id))
}

func fieldError(field, msg string) error {
	return &shared.RemoteError{
		StatusCode:  http.StatusBadRequest,
		Message:     "invalid request",
		FieldErrors: map[string]string{field: msg},
	}
}

// TriggerScan implements scanning.ScanClient.
func (b *Backend) TriggerScan(
	_ context.Context,
	nodeIDs []string,
	nodeType scanning.NodeType,
	scanType scanning.ScanType,
) ([]scanning.ScanJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpTriggerScan); err != nil {
		return nil, err
	}
	if len(nodeIDs) == 0 {
		return nil, fieldError("node_ids", "node_ids is required")
	}

	now := b.clock.Now()
	jobs := make([]scanning.ScanJob, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		job := scanning.ScanJob{
			ScanID:    b.newID(),
			NodeID:    nodeID,
			NodeType:  nodeType,
			ScanType:  scanType,
			Status:    scanning.ScanStatusQueued,
			UpdatedAt: now,
		}
		b.scans[job.ScanID] = &scanRecord{job: job, script: append([]scanning.ScanStatus(nil), b.script...)}
		if b.generate != nil {
			results := b.generate(job)
			for i := range results {
				results[i].ScanID = job.ScanID
				if results[i].ID == "" {
					results[i].ID = b.newID()
				}
			}
			b.findings[job.ScanID] = results
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// GetScanStatus implements scanning.ScanClient. Every call advances the scan
// one step along its script.
func (b *Backend) GetScanStatus(_ context.Context, scanID string) (scanning.ScanJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpGetScanStatus); err != nil {
		return scanning.ScanJob{}, err
	}

	rec, ok := b.scans[scanID]
	if !ok {
		return scanning.ScanJob{}, notFound("scan", scanID)
	}
	if len(rec.script) > 0 {
		rec.job.Status = rec.script[0]
		rec.script = rec.script[1:]
		rec.job.UpdatedAt = b.clock.Now()
	}
	return rec.job, nil
}

// ListScanHistory implements scanning.ScanClient.
func (b *Backend) ListScanHistory(
	_ context.Context,
	nodeID string,
	nodeType scanning.NodeType,
	scanType scanning.ScanType,
) ([]scanning.ScanSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpListScanHistory); err != nil {
		return nil, err
	}

	lineage := scanning.Lineage{NodeID: nodeID, NodeType: nodeType, ScanType: scanType}
	var history []scanning.ScanSummary
	for _, rec := range b.scans {
		if rec.job.Lineage() != lineage {
			continue
		}
		history = append(history, scanning.ScanSummary{
			ScanID:    rec.job.ScanID,
			Status:    rec.job.Status,
			UpdatedAt: rec.job.UpdatedAt,
		})
	}
	return history, nil
}

// StopScans implements scanning.ScanClient. Queued and running scans move to
// STOPPING and report STOPPED on their next status fetch.
func (b *Backend) StopScans(_ context.Context, scanIDs []string, _ scanning.ScanType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpStopScans); err != nil {
		return err
	}

	for _, id := range scanIDs {
		rec, ok := b.scans[id]
		if !ok {
			return notFound("scan", id)
		}
		if !rec.job.IsActionable(scanning.ActionStop) {
			return shared.NewRemoteError(http.StatusConflict,
				fmt.Sprintf("scan %s cannot be stopped in status %s", id, rec.job.Status))
		}
	}
	now := b.clock.Now()
	for _, id := range scanIDs {
		rec := b.scans[id]
		rec.script = []scanning.ScanStatus{scanning.ScanStatusStopping, scanning.ScanStatusStopped}
		rec.job.UpdatedAt = now
	}
	return nil
}

// DeleteScan implements scanning.ScanClient.
func (b *Backend) DeleteScan(_ context.Context, scanID string, _ scanning.ScanType) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.begin(OpDeleteScan); err != nil {
		return err
	}

	rec, ok := b.scans[scanID]
	if !ok {
		return notFound("scan", scanID)
	}
	if !rec.job.IsActionable(scanning.ActionDelete) {
		return shared.NewRemoteError(http.StatusConflict,
			fmt.Sprintf("scan %s is %s and cannot be deleted", scanID, rec.job.Status))
	}
	delete(b.scans, scanID)
	delete(b.findings, scanID)
	return nil
}

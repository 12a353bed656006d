package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/internal/infra/storage"
	"github.com/ahrav/scan-console/pkg/common/timeutil"
)

func setupStoreTest(t *testing.T) (context.Context, *Store, *timeutil.Manual, func()) {
	t.Helper()

	pool, cleanup := storage.SetupTestContainer(t)
	clock := timeutil.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	store := NewStore(pool, storage.NoOpTracer(),
		WithClock(clock),
		WithArtifactBaseURL("http://localhost:8080"),
	)
	return context.Background(), store, clock, cleanup
}

// seedCompletedScan triggers a scan and walks it to COMPLETE with rows.
func seedCompletedScan(t *testing.T, ctx context.Context, s *Store, clock *timeutil.Manual, nodeID string, rows []findings.Finding) scanning.ScanJob {
	t.Helper()

	jobs, err := s.TriggerScan(ctx, []string{nodeID}, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	clock.Advance(time.Second)
	_, err = s.AdvanceScans(ctx, Advance{From: scanning.ScanStatusQueued, To: scanning.ScanStatusInProgress, Limit: 100})
	require.NoError(t, err)

	clock.Advance(time.Second)
	advanced, err := s.AdvanceScans(ctx, Advance{
		From:    scanning.ScanStatusInProgress,
		To:      scanning.ScanStatusComplete,
		Limit:   100,
		Produce: func(scanning.ScanJob) []findings.Finding { return rows },
	})
	require.NoError(t, err)
	require.NotEmpty(t, advanced)

	job, err := s.GetScanStatus(ctx, jobs[0].ScanID)
	require.NoError(t, err)
	require.Equal(t, scanning.ScanStatusComplete, job.Status)
	return job
}

func testFindings(n int) []findings.Finding {
	severities := []string{"low", "medium", "high", "critical"}
	rows := make([]findings.Finding, n)
	for i := range rows {
		rows[i] = findings.Finding{
			ID:       fmt.Sprintf("f-%03d", i),
			RuleID:   fmt.Sprintf("rule-%d", i%3),
			Severity: severities[i%len(severities)],
			Level:    i % 4,
			FilePath: fmt.Sprintf("/etc/app/%02d.conf", i),
			Active:   i%2 == 0,
		}
	}
	return rows
}

func TestStore_ScanLifecycle(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	jobs, err := store.TriggerScan(ctx, []string{"node-a", "node-b"}, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	for _, j := range jobs {
		assert.Equal(t, scanning.ScanStatusQueued, j.Status)
	}

	clock.Advance(time.Second)
	started, err := store.AdvanceScans(ctx, Advance{
		From: scanning.ScanStatusQueued, To: scanning.ScanStatusInProgress, Limit: 1,
	})
	require.NoError(t, err)
	require.Len(t, started, 1, "limit bounds one claim")

	got, err := store.GetScanStatus(ctx, started[0].ScanID)
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusInProgress, got.Status)
	assert.True(t, got.UpdatedAt.Equal(clock.Now()))

	history, err := store.ListScanHistory(ctx, got.NodeID, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, got.ScanID, history[0].ScanID)
}

func TestStore_AdvanceRespectsMinAge(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	_, err := store.TriggerScan(ctx, []string{"node-a"}, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)

	adv := Advance{From: scanning.ScanStatusQueued, To: scanning.ScanStatusInProgress, MinAge: time.Minute, Limit: 10}
	advanced, err := store.AdvanceScans(ctx, adv)
	require.NoError(t, err)
	assert.Empty(t, advanced)

	clock.Advance(2 * time.Minute)
	advanced, err = store.AdvanceScans(ctx, adv)
	require.NoError(t, err)
	assert.Len(t, advanced, 1)
}

func TestStore_AdvanceRejectsIllegalTransition(t *testing.T) {
	t.Parallel()
	ctx, store, _, cleanup := setupStoreTest(t)
	defer cleanup()

	jobs, err := store.TriggerScan(ctx, []string{"node-a"}, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)

	_, err = store.AdvanceScans(ctx, Advance{From: scanning.ScanStatusQueued, To: scanning.ScanStatusNeverScanned, Limit: 1})
	var violation *scanning.ProtocolViolationError
	require.ErrorAs(t, err, &violation)

	got, err := store.GetScanStatus(ctx, jobs[0].ScanID)
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusQueued, got.Status, "rolled back")
}

func TestStore_StopAndDelete(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	jobs, err := store.TriggerScan(ctx, []string{"node-a"}, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)
	scanID := jobs[0].ScanID

	require.NoError(t, store.StopScans(ctx, []string{scanID}, scanning.ScanTypeSecret))

	err = store.DeleteScan(ctx, scanID, scanning.ScanTypeSecret)
	assert.Equal(t, shared.FailureValidation, shared.Classify(err), "stopping scans cannot be deleted")

	err = store.StopScans(ctx, []string{scanID}, scanning.ScanTypeSecret)
	assert.Equal(t, shared.FailureValidation, shared.Classify(err), "already stopping")

	clock.Advance(time.Second)
	stopped, err := store.AdvanceScans(ctx, Advance{
		From: scanning.ScanStatusStopping, To: scanning.ScanStatusStopped, Limit: 10, Message: "stopped on request",
	})
	require.NoError(t, err)
	require.Len(t, stopped, 1)
	assert.Equal(t, "stopped on request", stopped[0].StatusMessage)

	require.NoError(t, store.DeleteScan(ctx, scanID, scanning.ScanTypeSecret))

	_, err = store.GetScanStatus(ctx, scanID)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	err = store.DeleteScan(ctx, scanID, scanning.ScanTypeSecret)
	assert.Equal(t, shared.FailureNotFound, shared.Classify(err))
}

func TestStore_StopUnknownScanChangesNothing(t *testing.T) {
	t.Parallel()
	ctx, store, _, cleanup := setupStoreTest(t)
	defer cleanup()

	jobs, err := store.TriggerScan(ctx, []string{"node-a"}, scanning.NodeTypeHost, scanning.ScanTypeSecret)
	require.NoError(t, err)

	err = store.StopScans(ctx, []string{jobs[0].ScanID, "missing"}, scanning.ScanTypeSecret)
	assert.ErrorIs(t, err, shared.ErrNotFound)

	got, err := store.GetScanStatus(ctx, jobs[0].ScanID)
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusQueued, got.Status)
}

func TestStore_TriggerValidation(t *testing.T) {
	t.Parallel()
	ctx, store, _, cleanup := setupStoreTest(t)
	defer cleanup()

	tests := []struct {
		name      string
		nodes     []string
		nodeType  scanning.NodeType
		scanType  scanning.ScanType
		wantField string
	}{
		{name: "no nodes", nodeType: scanning.NodeTypeHost, scanType: scanning.ScanTypeSecret, wantField: "node_ids"},
		{name: "bad node type", nodes: []string{"n"}, nodeType: "toaster", scanType: scanning.ScanTypeSecret, wantField: "node_type"},
		{name: "bad scan type", nodes: []string{"n"}, nodeType: scanning.NodeTypeHost, scanType: "magic", wantField: "scan_type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.TriggerScan(ctx, tt.nodes, tt.nodeType, tt.scanType)
			var re *shared.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Contains(t, re.FieldErrors, tt.wantField)
		})
	}
}

func TestStore_QueryResults(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := seedCompletedScan(t, ctx, store, clock, "node-a", testFindings(12))

	tests := []struct {
		name      string
		d         findings.Descriptor
		wantIDs   []string
		wantCount int
	}{
		{
			name:      "first page by level desc",
			d:         findings.Descriptor{PageSize: 3, SortBy: "level", SortDescending: true},
			wantIDs:   []string{"f-011", "f-007", "f-003"},
			wantCount: 12,
		},
		{
			name:      "second page ascending by file path",
			d:         findings.Descriptor{Page: 1, PageSize: 5, SortBy: "file_path"},
			wantIDs:   []string{"f-005", "f-006", "f-007", "f-008", "f-009"},
			wantCount: 12,
		},
		{
			name: "filter by severity",
			d: findings.Descriptor{PageSize: 10, SortBy: "rule_id",
				Filters: map[string][]string{"severity": {"critical"}}},
			wantIDs:   []string{"f-003", "f-007", "f-011"},
			wantCount: 3,
		},
		{
			name: "filter by active",
			d: findings.Descriptor{PageSize: 2, SortBy: "file_path",
				Filters: map[string][]string{"active": {"false"}}},
			wantIDs:   []string{"f-001", "f-003"},
			wantCount: 6,
		},
		{
			name:      "page past the end",
			d:         findings.Descriptor{Page: 9, PageSize: 5, SortBy: "level"},
			wantIDs:   []string{},
			wantCount: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := store.QueryResults(ctx, scan.ScanID, tt.d)
			require.NoError(t, err)

			ids := make([]string, 0, len(page.Items))
			for _, f := range page.Items {
				ids = append(ids, f.ID)
			}
			assert.Equal(t, tt.wantIDs, ids)
			assert.Equal(t, tt.wantCount, page.Pagination.TotalRows.Count)
			assert.False(t, page.Pagination.TotalRows.Approximate)
			assert.Equal(t, tt.d, page.Descriptor)
		})
	}
}

func TestStore_QueryResultsErrors(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := seedCompletedScan(t, ctx, store, clock, "node-a", testFindings(2))

	_, err := store.QueryResults(ctx, scan.ScanID, findings.Descriptor{PageSize: 5, SortBy: "secret_value"})
	assert.Equal(t, shared.FailureValidation, shared.Classify(err))

	_, err = store.QueryResults(ctx, scan.ScanID, findings.Descriptor{PageSize: 5, SortBy: "level",
		Filters: map[string][]string{"active": {"maybe"}}})
	assert.Equal(t, shared.FailureValidation, shared.Classify(err))

	_, err = store.QueryResults(ctx, "missing", findings.DefaultDescriptor())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestStore_CountIsCappedAndApproximate(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	scan := seedCompletedScan(t, ctx, store, clock, "node-a", testFindings(CountCap+5))

	page, err := store.QueryResults(ctx, scan.ScanID, findings.DefaultDescriptor())
	require.NoError(t, err)
	assert.Equal(t, findings.TotalRows{Count: CountCap, Approximate: true}, page.Pagination.TotalRows)
	assert.False(t, page.Pagination.CanJumpToLast())
	assert.Len(t, page.Items, findings.DefaultPageSize)
}

func TestStore_Mutations(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	rows := testFindings(6)
	first := seedCompletedScan(t, ctx, store, clock, "node-a", rows)
	for i := range rows {
		rows[i].ID = "other-" + rows[i].ID
	}
	second := seedCompletedScan(t, ctx, store, clock, "node-b", rows)

	masked := func(scanID string) []string {
		t.Helper()
		page, err := store.QueryResults(ctx, scanID, findings.Descriptor{
			PageSize: 50, SortBy: "file_path",
			Filters: map[string][]string{"visibility": {"masked"}},
		})
		require.NoError(t, err)
		ids := []string{}
		for _, f := range page.Items {
			ids = append(ids, f.ID)
		}
		return ids
	}

	req := findings.MutationRequest{ScanID: first.ScanID, ResultIDs: []string{"f-000"}}
	require.NoError(t, store.MaskResults(ctx, req))
	require.NoError(t, store.MaskResults(ctx, req), "masking twice succeeds")
	assert.Equal(t, []string{"f-000"}, masked(first.ScanID))
	assert.Empty(t, masked(second.ScanID))

	// rule-0 covers f-000 and f-003 in both scans.
	req.Options.MaskAcrossHostsAndImages = true
	require.NoError(t, store.MaskResults(ctx, req))
	assert.Equal(t, []string{"f-000", "f-003"}, masked(first.ScanID))
	assert.Equal(t, []string{"other-f-000", "other-f-003"}, masked(second.ScanID))

	require.NoError(t, store.UnmaskResults(ctx, findings.MutationRequest{ScanID: first.ScanID, ResultIDs: []string{"f-003"}}))
	assert.Equal(t, []string{"f-000"}, masked(first.ScanID))

	require.NoError(t, store.NotifyResults(ctx, findings.MutationRequest{ScanID: first.ScanID, ResultIDs: []string{"f-001", "f-002"}}))
	n, err := store.NotificationCount(ctx, "f-001")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, store.DeleteResults(ctx, findings.MutationRequest{ScanID: first.ScanID, ResultIDs: []string{"f-001"}}))
	page, err := store.QueryResults(ctx, first.ScanID, findings.DefaultDescriptor())
	require.NoError(t, err)
	assert.Equal(t, 5, page.Pagination.TotalRows.Count)

	err = store.MaskResults(ctx, findings.MutationRequest{ScanID: first.ScanID})
	assert.Equal(t, shared.FailureValidation, shared.Classify(err))

	err = store.MaskResults(ctx, findings.MutationRequest{ScanID: "missing", ResultIDs: []string{"x"}})
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestStore_Reports(t *testing.T) {
	t.Parallel()
	ctx, store, clock, cleanup := setupStoreTest(t)
	defer cleanup()

	seedCompletedScan(t, ctx, store, clock, "node-a", testFindings(4))

	filters := reports.Filters{ScanType: scanning.ScanTypeSecret, NodeType: scanning.NodeTypeHost, Severity: []string{"high", "critical"}}
	id, err := store.RequestReport(ctx, filters, reports.FormatCSV)
	require.NoError(t, err)

	job, err := store.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reports.StatusPending, job.Status)

	claimed, found, err := store.ClaimReport(ctx)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, id, claimed.ReportID)
	assert.Equal(t, reports.FormatCSV, claimed.Format)
	assert.Equal(t, filters, claimed.Filters)

	_, found, err = store.ClaimReport(ctx)
	require.NoError(t, err)
	assert.False(t, found, "a claimed report is not handed out twice")

	rows, err := store.ReportFindings(ctx, claimed.Filters)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "f-003", rows[0].ID)

	require.NoError(t, store.CompleteReport(ctx, id, id+".csv"))
	job, err = store.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, reports.StatusReady, job.Status)
	assert.Equal(t, "http://localhost:8080/v1/artifacts/"+id+".csv", job.ArtifactURL)

	err = store.FailReport(ctx, id, "too late")
	assert.ErrorIs(t, err, shared.ErrNotFound, "resolved reports do not change")

	_, err = store.GetReport(ctx, "missing")
	assert.ErrorIs(t, err, shared.ErrNotFound)

	_, err = store.RequestReport(ctx, reports.Filters{ScanType: scanning.ScanTypeSecret}, reports.FormatJSON)
	assert.Equal(t, shared.FailureValidation, shared.Classify(err))
}

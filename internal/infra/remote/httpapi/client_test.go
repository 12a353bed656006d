package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/internal/infra/remote/wire"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL, RequestTimeout: 5 * time.Second}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient_RejectsBadURL(t *testing.T) {
	for _, u := range []string{"localhost:8080", "http://host/api", "://"} {
		_, err := NewClient(Config{BaseURL: u}, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
		assert.Error(t, err, u)
	}
}

func TestClient_TriggerScan(t *testing.T) {
	now := time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/scans/secret/start", r.URL.Path)

		var req wire.TriggerScanRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"h1"}, req.NodeIDs)
		assert.Equal(t, "host", req.NodeType)

		writeJSON(w, http.StatusAccepted, wire.ScanList{Scans: []wire.ScanJob{{
			ScanID: "s1", NodeID: "h1", NodeType: "host", ScanType: "secret", Status: "QUEUED", UpdatedAt: now,
		}}})
	}))

	jobs, err := c.TriggerScan(context.Background(), []string{"h1"}, scanning.NodeTypeHost, scanning.ScanTypeSecret)

	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, scanning.ScanStatusQueued, jobs[0].Status)
	assert.Equal(t, now, jobs[0].UpdatedAt)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        any
		wantKind    shared.FailureKind
		wantMessage string
	}{
		{
			name:        "validation with field errors",
			status:      http.StatusBadRequest,
			contentType: "application/json",
			body:        wire.ErrorBody{Message: "invalid", ErrorFields: map[string]string{"node_ids": "node_ids is required"}},
			wantKind:    shared.FailureValidation,
			wantMessage: "node_ids is required",
		},
		{
			name:        "conflict",
			status:      http.StatusConflict,
			contentType: "application/json",
			body:        wire.ErrorBody{Message: "scan is in progress"},
			wantKind:    shared.FailureValidation,
			wantMessage: "scan is in progress",
		},
		{
			name:        "forbidden",
			status:      http.StatusForbidden,
			contentType: "application/json",
			body:        wire.ErrorBody{Message: "read only user"},
			wantKind:    shared.FailurePermission,
			wantMessage: "read only user",
		},
		{
			name:        "not found",
			status:      http.StatusNotFound,
			contentType: "application/json",
			body:        wire.ErrorBody{Message: "scan not found"},
			wantKind:    shared.FailureNotFound,
			wantMessage: "scan not found",
		},
		{
			name:        "server error with html body",
			status:      http.StatusBadGateway,
			contentType: "text/html",
			body:        "<html>bad gateway</html>",
			wantKind:    shared.FailureTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", tt.contentType)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))

			_, err := c.GetScanStatus(context.Background(), "s1")

			require.Error(t, err)
			assert.Equal(t, tt.wantKind, shared.Classify(err))
			assert.Equal(t, tt.wantMessage, shared.Message(err))
		})
	}
}

func TestClient_NotFoundMatchesSentinel(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, wire.ErrorBody{Message: "report not found"})
	}))

	_, err := c.GetReport(context.Background(), "r1")

	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestClient_ListScanHistory(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/nodes/container_image/img%2F1/scans", r.URL.EscapedPath())
		assert.Equal(t, "malware", r.URL.Query().Get("scan_type"))
		writeJSON(w, http.StatusOK, wire.ScanHistory{Scans: []wire.ScanSummary{
			{ScanID: "a", Status: "COMPLETE"},
			{ScanID: "b", Status: ""},
		}})
	}))

	history, err := c.ListScanHistory(context.Background(), "img/1", scanning.NodeTypeContainerImage, scanning.ScanTypeMalware)

	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, scanning.ScanStatusComplete, history[0].Status)
	assert.Equal(t, scanning.ScanStatusNeverScanned, history[1].Status)
}

func TestClient_QueryResultsRoundTripsDescriptor(t *testing.T) {
	d := findings.DefaultDescriptor().WithFilter(findings.FieldSeverity, "high").WithPage(2)

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/scans/s1/results", r.URL.Path)
		var got findings.Descriptor
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.True(t, d.Equal(got))

		writeJSON(w, http.StatusOK, wire.ResultPage{
			Items:      []findings.Finding{{ID: "f1", ScanID: "s1"}},
			Pagination: findings.Pagination{CurrentPage: 2, PageSize: 10, TotalRows: findings.TotalRows{Count: 21}},
			Descriptor: got,
		})
	}))

	page, err := c.QueryResults(context.Background(), "s1", d)

	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.True(t, d.Equal(page.Descriptor))
	assert.Equal(t, 3, page.Pagination.TotalPages())
}

func TestClient_MaskSendsOptions(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/results/mask", r.URL.Path)
		var req wire.MutationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.ScanID)
		assert.Equal(t, "secret", req.ScanType)
		assert.Equal(t, []string{"f1", "f2"}, req.ResultIDs)
		assert.True(t, req.MaskAcrossHostsAndImages)
		w.WriteHeader(http.StatusNoContent)
	}))

	err := c.MaskResults(context.Background(), findings.MutationRequest{
		ScanID:    "s1",
		ScanType:  scanning.ScanTypeSecret,
		ResultIDs: []string{"f1", "f2"},
		Options:   findings.ActionOptions{MaskAcrossHostsAndImages: true},
	})

	require.NoError(t, err)
}

func TestClient_Reports(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/reports", func(w http.ResponseWriter, r *http.Request) {
		var req wire.ReportRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "csv", req.Format)
		assert.Equal(t, scanning.ScanTypeSecret, req.Filters.ScanType)
		writeJSON(w, http.StatusAccepted, wire.ReportAccepted{ReportID: "r1"})
	})
	mux.HandleFunc("GET /v1/reports/r1", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, wire.Report{ReportID: "r1", Status: "ready", URL: "http://x/r1.csv"})
	})
	c := newTestClient(t, mux)

	id, err := c.RequestReport(context.Background(),
		reports.Filters{ScanType: scanning.ScanTypeSecret, NodeType: scanning.NodeTypeHost}, reports.FormatCSV)
	require.NoError(t, err)
	assert.Equal(t, "r1", id)

	job, err := c.GetReport(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, reports.StatusReady, job.Status)
	assert.Equal(t, "http://x/r1.csv", job.ArtifactURL)
}

func TestClient_CancelledContextIsNotTransient(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.StopScans(ctx, []string{"s1"}, scanning.ScanTypeSecret)

	require.Error(t, err)
	assert.Equal(t, shared.FailureUnexpected, shared.Classify(err))
}

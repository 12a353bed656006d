package reports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/scan-console/internal/domain/scanning"
)

func TestReportJob_Observe(t *testing.T) {
	tests := []struct {
		name    string
		start   Status
		status  Status
		url     string
		wantErr bool
	}{
		{name: "pending stays pending", start: StatusPending, status: StatusPending},
		{name: "pending to ready", start: StatusPending, status: StatusReady, url: "http://x/a.json"},
		{name: "pending to failed", start: StatusPending, status: StatusFailed},
		{name: "ready without url", start: StatusPending, status: StatusReady, wantErr: true},
		{name: "ready back to pending", start: StatusReady, status: StatusPending, wantErr: true},
		{name: "failed to ready", start: StatusFailed, status: StatusReady, url: "http://x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := &ReportJob{ReportID: "r1", Status: tt.start}
			before := *job
			err := job.Observe(tt.status, tt.url, "")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, before, *job)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, job.Status)
			assert.Equal(t, tt.url, job.ArtifactURL)
		})
	}
}

func TestFilters_Validate(t *testing.T) {
	assert.NoError(t, Filters{ScanType: scanning.ScanTypeSecret, NodeType: scanning.NodeTypeHost}.Validate())
	assert.ErrorIs(t, Filters{NodeType: scanning.NodeTypeHost}.Validate(), ErrInvalidFilters)
	assert.ErrorIs(t, Filters{ScanType: scanning.ScanTypeSecret}.Validate(), ErrInvalidFilters)
}

func TestParseStatusAndFormat(t *testing.T) {
	st, err := ParseStatus("")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	_, err = ParseStatus("archived")
	assert.Error(t, err)

	f, err := ParseFormat("CSV")
	require.NoError(t, err)
	assert.Equal(t, FormatCSV, f)

	_, err = ParseFormat("pdf")
	assert.Error(t, err)
}

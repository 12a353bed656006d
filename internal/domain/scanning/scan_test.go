package scanning

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newQueuedJob() ScanJob {
	return ScanJob{
		ScanID:    "scan-1",
		NodeID:    "host-a",
		NodeType:  NodeTypeHost,
		ScanType:  ScanTypeSecret,
		Status:    ScanStatusQueued,
		UpdatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestScanJob_ObserveSequences(t *testing.T) {
	tests := []struct {
		name      string
		sequence  []ScanStatus
		violateAt int // index of the first rejected observation, -1 for none
	}{
		{name: "happy path", sequence: []ScanStatus{ScanStatusInProgress, ScanStatusComplete}, violateAt: -1},
		{name: "stop path", sequence: []ScanStatus{ScanStatusInProgress, ScanStatusStopping, ScanStatusStopped}, violateAt: -1},
		{name: "repeated polls", sequence: []ScanStatus{ScanStatusQueued, ScanStatusInProgress, ScanStatusInProgress, ScanStatusError}, violateAt: -1},
		{name: "regression to queued", sequence: []ScanStatus{ScanStatusInProgress, ScanStatusQueued}, violateAt: 1},
		{name: "complete after stopping", sequence: []ScanStatus{ScanStatusStopping, ScanStatusComplete}, violateAt: 1},
		{name: "never scanned after trigger", sequence: []ScanStatus{ScanStatusNeverScanned}, violateAt: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newQueuedJob()
			for i, st := range tt.sequence {
				before := job
				err := job.Observe(Observation{Status: st, UpdatedAt: job.UpdatedAt.Add(time.Minute)})
				if i == tt.violateAt {
					var pv *ProtocolViolationError
					require.True(t, errors.As(err, &pv))
					assert.Equal(t, before.Status, pv.From)
					assert.Equal(t, st, pv.To)
					assert.Equal(t, before, job, "rejected observation must not change the job")
					return
				}
				require.NoError(t, err)
				assert.Equal(t, st, job.Status)
			}
		})
	}
}

func TestScanJob_ObserveStatusMessage(t *testing.T) {
	job := newQueuedJob()

	require.NoError(t, job.Observe(Observation{Status: ScanStatusInProgress, Message: "ignored"}))
	assert.Empty(t, job.StatusMessage)

	require.NoError(t, job.Observe(Observation{Status: ScanStatusError, Message: "agent offline"}))
	assert.Equal(t, "agent offline", job.StatusMessage)
}

func TestScanJob_ObserveUpdatedAtNeverMovesBackwards(t *testing.T) {
	job := newQueuedJob()
	start := job.UpdatedAt

	require.NoError(t, job.Observe(Observation{Status: ScanStatusInProgress, UpdatedAt: start.Add(-time.Hour)}))
	assert.Equal(t, start, job.UpdatedAt)

	later := start.Add(time.Hour)
	require.NoError(t, job.Observe(Observation{Status: ScanStatusComplete, UpdatedAt: later}))
	assert.Equal(t, later, job.UpdatedAt)
}

func TestScanJob_IsActionable(t *testing.T) {
	tests := []struct {
		status   ScanStatus
		download bool
		stop     bool
		delete   bool
	}{
		{status: ScanStatusNeverScanned, download: false, stop: false, delete: true},
		{status: ScanStatusQueued, download: false, stop: true, delete: true},
		{status: ScanStatusInProgress, download: false, stop: true, delete: false},
		{status: ScanStatusStopping, download: false, stop: false, delete: false},
		{status: ScanStatusStopped, download: false, stop: false, delete: true},
		{status: ScanStatusComplete, download: true, stop: false, delete: true},
		{status: ScanStatusError, download: false, stop: false, delete: true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			job := ScanJob{Status: tt.status}
			assert.Equal(t, tt.download, job.IsActionable(ActionDownload))
			assert.Equal(t, tt.download, job.IsActionable(ActionCompare))
			assert.Equal(t, tt.stop, job.IsActionable(ActionStop))
			assert.Equal(t, tt.delete, job.IsActionable(ActionDelete))
		})
	}

	assert.False(t, ScanJob{Status: ScanStatusComplete}.IsActionable(Action("rescan")))
}

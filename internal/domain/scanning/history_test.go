package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectNextScan(t *testing.T) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		history []ScanSummary
		deleted string
		want    string
		wantErr error
	}{
		{
			name: "picks most recent remaining",
			history: []ScanSummary{
				{ScanID: "a", UpdatedAt: base},
				{ScanID: "b", UpdatedAt: base.Add(2 * time.Hour)},
				{ScanID: "c", UpdatedAt: base.Add(time.Hour)},
			},
			deleted: "b",
			want:    "c",
		},
		{
			name: "deleted scan absent from history",
			history: []ScanSummary{
				{ScanID: "a", UpdatedAt: base},
				{ScanID: "b", UpdatedAt: base.Add(time.Hour)},
			},
			deleted: "zzz",
			want:    "b",
		},
		{
			name: "ties broken by scan id",
			history: []ScanSummary{
				{ScanID: "a", UpdatedAt: base},
				{ScanID: "c", UpdatedAt: base},
				{ScanID: "b", UpdatedAt: base},
			},
			deleted: "x",
			want:    "c",
		},
		{
			name:    "only scan deleted",
			history: []ScanSummary{{ScanID: "a", UpdatedAt: base}},
			deleted: "a",
			wantErr: ErrNoScansRemain,
		},
		{
			name:    "empty history",
			deleted: "a",
			wantErr: ErrNoScansRemain,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SelectNextScan(tt.history, tt.deleted)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.ScanID)
		})
	}
}

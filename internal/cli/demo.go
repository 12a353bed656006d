package cli

import (
	"fmt"
	"time"

	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/remote/memory"
)

// Demo scan seeded into the in-memory backend.
const (
	DemoScanID = "demo-scan"
	DemoNodeID = "demo-host"
)

// newDemoBackend returns an in-memory backend holding one completed secret
// scan with n findings. Scans triggered in demo mode finish after two status
// polls.
func newDemoBackend(n int) *memory.Backend {
	b := memory.NewBackend(memory.WithFindingGenerator(memory.SampleFindings(n)))

	job := scanning.ScanJob{
		ScanID:    DemoScanID,
		NodeID:    DemoNodeID,
		NodeType:  scanning.NodeTypeHost,
		ScanType:  scanning.ScanTypeSecret,
		Status:    scanning.ScanStatusComplete,
		UpdatedAt: time.Now().UTC(),
	}
	results := memory.SampleFindings(n)(job)
	for i := range results {
		results[i].ID = fmt.Sprintf("%s-%03d", DemoScanID, i+1)
	}
	b.SeedScan(job, nil, results...)
	return b
}

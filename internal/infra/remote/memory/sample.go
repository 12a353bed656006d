package memory

import (
	"fmt"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
)

var sampleRules = []struct {
	id       string
	severity string
	level    int
}{
	{"aws-access-token", "critical", 4},
	{"github-pat", "high", 3},
	{"private-key", "high", 3},
	{"slack-webhook-url", "medium", 2},
	{"generic-api-key", "low", 1},
}

// SampleFindings returns a generator producing n findings per scan, cycling
// through a fixed set of rules. Used by demo mode.
func SampleFindings(n int) func(scanning.ScanJob) []findings.Finding {
	return func(job scanning.ScanJob) []findings.Finding {
		out := make([]findings.Finding, 0, n)
		for i := range n {
			r := sampleRules[i%len(sampleRules)]
			out = append(out, findings.Finding{
				NodeID:    job.NodeID,
				RuleID:    r.id,
				Severity:  r.severity,
				Level:     r.level,
				FilePath:  fmt.Sprintf("/srv/app/config/%02d.env", i),
				Active:    i%4 != 3,
				UpdatedAt: job.UpdatedAt,
			})
		}
		return out
	}
}

package scanning

// SelectNextScan picks the scan to show after deletedScanID is removed from a
// node's history: the most recently updated remaining scan, with ties broken
// by the greater scan id. It returns ErrNoScansRemain when nothing is left.
func SelectNextScan(history []ScanSummary, deletedScanID string) (ScanSummary, error) {
	var (
		best  ScanSummary
		found bool
	)
	for _, s := range history {
		if s.ScanID == deletedScanID {
			continue
		}
		if !found || s.UpdatedAt.After(best.UpdatedAt) ||
			(s.UpdatedAt.Equal(best.UpdatedAt) && s.ScanID > best.ScanID) {
			best, found = s, true
		}
	}
	if !found {
		return ScanSummary{}, ErrNoScansRemain
	}
	return best, nil
}

package jobrunner

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
)

var csvHeader = []string{
	"finding_id", "scan_id", "node_id", "rule_id", "severity", "level",
	"file_path", "masked", "active", "updated_at",
}

// artifactName is the file a report renders to.
func artifactName(reportID string, format reports.Format) string {
	return reportID + "." + string(format)
}

// writeArtifact renders rows into dir/name. The file appears under its final
// name only once fully written.
func writeArtifact(dir, name string, format reports.Format, rows []findings.Finding) error {
	tmp, err := os.CreateTemp(dir, "."+name+"-*")
	if err != nil {
		return fmt.Errorf("failed to create artifact file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if err := render(tmp, format, rows); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to publish artifact %s: %w", name, err)
	}
	return nil
}

func render(w io.Writer, format reports.Format, rows []findings.Finding) error {
	switch format {
	case reports.FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rows); err != nil {
			return fmt.Errorf("failed to encode json report: %w", err)
		}
		return nil
	case reports.FormatCSV:
		cw := csv.NewWriter(w)
		if err := cw.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write csv header: %w", err)
		}
		for _, f := range rows {
			if err := cw.Write([]string{
				f.ID, f.ScanID, f.NodeID, f.RuleID, f.Severity, strconv.Itoa(f.Level),
				f.FilePath, strconv.FormatBool(f.Masked), strconv.FormatBool(f.Active),
				f.UpdatedAt.UTC().Format(time.RFC3339),
			}); err != nil {
				return fmt.Errorf("failed to write csv row (finding_id: %s): %w", f.ID, err)
			}
		}
		cw.Flush()
		return cw.Error()
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

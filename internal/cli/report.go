package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	appreports "github.com/ahrav/scan-console/internal/app/reports"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
)

func (c *console) newReportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate result reports",
	}
	cmd.AddCommand(c.newReportGenerateCommand(), c.newReportStatusCommand())
	return cmd
}

// reportResult prints o and turns unusable outcomes into a command failure.
// A report still in progress is not a failure; its id can be polled later.
func (c *console) reportResult(o appreports.Outcome) error {
	if err := c.out.report(o); err != nil {
		return err
	}
	switch o.State {
	case appreports.StateFailed, appreports.StateRejected:
		return fmt.Errorf("report %s: %s", o.State, o.Message)
	default:
		return nil
	}
}

func (c *console) newReportGenerateCommand() *cobra.Command {
	var (
		nodeType, scanType, format string
		scanIDs, severity          []string
	)
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Request a report and wait for it to be ready",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := reports.ParseFormat(format)
			if err != nil {
				return err
			}
			// Unknown types are passed through; the backend rejects them and
			// the rejection is reported like any other.
			filters := reports.Filters{
				ScanType: scanning.ScanType(scanType),
				NodeType: scanning.NodeType(nodeType),
				ScanIDs:  scanIDs,
				Severity: severity,
			}

			outcome, err := c.pipeline.Generate(cmd.Context(), filters, f)
			if err != nil {
				return err
			}
			return c.reportResult(outcome)
		},
	}
	lineageFlags(cmd, &nodeType, &scanType)
	cmd.Flags().StringSliceVar(&scanIDs, "scan-id", nil, "limit the report to these scans")
	cmd.Flags().StringSliceVar(&severity, "severity", nil, "limit the report to these severities")
	cmd.Flags().StringVar(&format, "format", string(reports.FormatJSON), "artifact format: json, csv")
	return cmd
}

func (c *console) newReportStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <report-id>",
		Short: "Check a previously requested report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcome, err := c.pipeline.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.reportResult(outcome)
		},
	}
}

package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
)

func (c *console) newScanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Start, watch, stop and delete scans",
	}
	cmd.AddCommand(
		c.newScanStartCommand(),
		c.newScanStatusCommand(),
		c.newScanWaitCommand(),
		c.newScanStopCommand(),
		c.newScanDeleteCommand(),
		c.newScanHistoryCommand(),
	)
	return cmd
}

// lineageFlags registers the node and scan type flags shared by scan
// commands.
func lineageFlags(cmd *cobra.Command, nodeType, scanType *string) {
	if nodeType != nil {
		cmd.Flags().StringVar(nodeType, "node-type", scanning.NodeTypeHost.String(), "node type: host, container_image, cloud_account, kubernetes_cluster")
	}
	cmd.Flags().StringVar(scanType, "scan-type", scanning.ScanTypeSecret.String(), "scan type: secret, vulnerability, malware, host_compliance, cloud_compliance")
}

func (c *console) newScanStartCommand() *cobra.Command {
	var (
		nodeType, scanType string
		wait               bool
	)
	cmd := &cobra.Command{
		Use:   "start <node-id>...",
		Short: "Trigger a scan on one or more nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nt, err := scanning.ParseNodeType(nodeType)
			if err != nil {
				return err
			}
			st, err := scanning.ParseScanType(scanType)
			if err != nil {
				return err
			}

			jobs, err := c.tracker.Trigger(cmd.Context(), args, nt, st)
			if err != nil {
				return err
			}
			if !wait {
				return c.out.scans(jobs)
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			for i := range jobs {
				g.Go(func() error {
					done, err := c.tracker.AwaitTerminal(ctx, jobs[i].ScanID)
					if err != nil {
						return err
					}
					jobs[i] = done
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}
			return c.out.scans(jobs)
		},
	}
	lineageFlags(cmd, &nodeType, &scanType)
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for every scan to finish")
	return cmd
}

func (c *console) newScanStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <scan-id>",
		Short: "Show the current status of a scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.tracker.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.out.scans([]scanning.ScanJob{job})
		},
	}
}

func (c *console) newScanWaitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "wait <scan-id>",
		Short: "Poll a scan until it completes, fails or is stopped",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.tracker.AwaitTerminal(cmd.Context(), args[0])
			if err != nil {
				if job.ScanID != "" {
					_ = c.out.scans([]scanning.ScanJob{job})
				}
				return err
			}
			return c.out.scans([]scanning.ScanJob{job})
		},
	}
}

func (c *console) newScanStopCommand() *cobra.Command {
	var scanType string
	cmd := &cobra.Command{
		Use:   "stop <scan-id>...",
		Short: "Ask the backend to stop running scans",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := scanning.ParseScanType(scanType)
			if err != nil {
				return err
			}
			// The tracker only stops scans it has observed.
			for _, id := range args {
				if _, err := c.tracker.Refresh(cmd.Context(), id); err != nil && !errors.Is(err, shared.ErrNotFound) {
					return err
				}
			}

			res, err := c.tracker.Stop(cmd.Context(), args, st)
			if err != nil {
				return err
			}
			if err := c.out.stop(res); err != nil {
				return err
			}
			if len(res.Requested) == 0 {
				return errors.New("no scan could be stopped")
			}
			return nil
		},
	}
	lineageFlags(cmd, nil, &scanType)
	return cmd
}

func (c *console) newScanDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <scan-id>",
		Short: "Delete a scan and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := c.tracker.Refresh(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			outcome, err := c.executor.Apply(cmd.Context(), findings.BulkActionRequest{
				Kind:     findings.ActionDeleteScan,
				ScanID:   job.ScanID,
				ScanType: job.ScanType,
				Lineage:  job.Lineage(),
			})
			if err != nil {
				return err
			}
			if err := c.out.outcome(outcome); err != nil {
				return err
			}
			if !outcome.Success {
				return fmt.Errorf("%s was not applied", outcome.Action)
			}

			if next, ok := c.tracker.Current(job.Lineage()); ok {
				c.out.notice("Now viewing %s (%s)", next.ScanID, next.Status)
			} else {
				c.out.notice("No scans remain for %s", job.Lineage())
			}
			return nil
		},
	}
}

func (c *console) newScanHistoryCommand() *cobra.Command {
	var nodeType, scanType string
	cmd := &cobra.Command{
		Use:   "history <node-id>",
		Short: "List the scans run against a node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			nt, err := scanning.ParseNodeType(nodeType)
			if err != nil {
				return err
			}
			st, err := scanning.ParseScanType(scanType)
			if err != nil {
				return err
			}
			lineage := scanning.Lineage{NodeID: args[0], NodeType: nt, ScanType: st}

			history, err := c.remote.ListScanHistory(cmd.Context(), lineage.NodeID, lineage.NodeType, lineage.ScanType)
			if err != nil {
				return fmt.Errorf("failed to list scan history (node: %s): %w", lineage, err)
			}
			return c.out.history(lineage, history)
		},
	}
	lineageFlags(cmd, &nodeType, &scanType)
	return cmd
}

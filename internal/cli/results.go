package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ahrav/scan-console/internal/app/results"
	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/eventbus/kafka"
)

func (c *console) newResultsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Browse and act on scan results",
	}
	cmd.AddCommand(
		c.newResultsListCommand(),
		c.newResultsWatchCommand(),
		c.newResultsActionCommand(findings.ActionMask, "Mask results so they are hidden from views"),
		c.newResultsActionCommand(findings.ActionUnmask, "Unmask previously masked results"),
		c.newResultsActionCommand(findings.ActionNotify, "Send results to the notification channels"),
		c.newResultsActionCommand(findings.ActionDelete, "Delete results from a scan"),
	)
	return cmd
}

// descriptorFlags collects the paging, sorting and filtering flags of result
// views.
type descriptorFlags struct {
	page     int
	pageSize int
	sortBy   string
	asc      bool
	filters  []string
}

func (f *descriptorFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.page, "page", 1, "page number, starting at 1")
	cmd.Flags().IntVar(&f.pageSize, "page-size", findings.DefaultPageSize, "results per page")
	cmd.Flags().StringVar(&f.sortBy, "sort", findings.DefaultSortBy, "sort field: "+strings.Join(findings.FindingFields.Sortable, ", "))
	cmd.Flags().BoolVar(&f.asc, "asc", false, "sort ascending")
	cmd.Flags().StringArrayVar(&f.filters, "filter", nil,
		"filter as field=value[,value], repeatable; fields: "+strings.Join(findings.FindingFields.Filterable, ", "))
}

// descriptor builds the query descriptor. Filter and sort changes send the
// view back to the first page, so the page is applied last.
func (f *descriptorFlags) descriptor() (findings.Descriptor, error) {
	if f.page < 1 {
		return findings.Descriptor{}, fmt.Errorf("page must be at least 1, got %d", f.page)
	}

	d := findings.DefaultDescriptor().WithPageSize(f.pageSize).WithSort(f.sortBy, !f.asc)
	for _, raw := range f.filters {
		field, values, ok := strings.Cut(raw, "=")
		if !ok || field == "" {
			return findings.Descriptor{}, fmt.Errorf("invalid filter %q, expected field=value[,value]", raw)
		}
		var vals []string
		for _, v := range strings.Split(values, ",") {
			if v = strings.TrimSpace(v); v != "" {
				vals = append(vals, v)
			}
		}
		d = d.WithFilter(strings.TrimSpace(field), vals...)
	}
	return d.WithPage(f.page - 1), nil
}

func (c *console) newQuery(scanID string) *results.Query[findings.Finding] {
	return results.NewQuery[findings.Finding](scanID, c.remote, findings.FindingFields, c.log, c.tracer)
}

func (c *console) newResultsListCommand() *cobra.Command {
	var df descriptorFlags
	cmd := &cobra.Command{
		Use:   "list <scan-id>",
		Short: "Show one page of a scan's results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.descriptor()
			if err != nil {
				return err
			}
			page, err := c.newQuery(args[0]).Execute(cmd.Context(), d)
			if err != nil {
				return err
			}
			if page.Descriptor.Page != d.Page {
				c.out.notice("Page %d is past the end of the results, showing page 1", df.page)
			}
			return c.out.page(page)
		},
	}
	df.register(cmd)
	return cmd
}

func (c *console) newResultsWatchCommand() *cobra.Command {
	var df descriptorFlags
	cmd := &cobra.Command{
		Use:   "watch <scan-id>",
		Short: "Show a page of results and redraw it whenever the results change",
		Long: `Watch renders a page of results and renders it again each time the
results are invalidated, by this process or, with Kafka configured, by any
other console or backend replica. Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := df.descriptor()
			if err != nil {
				return err
			}
			return c.watch(cmd.Context(), args[0], d)
		},
	}
	df.register(cmd)
	return cmd
}

func (c *console) watch(ctx context.Context, scanID string, d findings.Descriptor) error {
	q := c.newQuery(scanID)
	if err := q.Start(ctx, c.events); err != nil {
		return fmt.Errorf("subscribing to invalidations: %w", err)
	}

	changed := make(chan struct{}, 1)
	if err := c.events.Subscribe(ctx, []events.EventType{findings.EventTypeResultsInvalidated},
		func(_ context.Context, env events.EventEnvelope) error {
			if evt, ok := env.Payload.(findings.ResultsInvalidatedEvent); ok && evt.ScanID == scanID {
				select {
				case changed <- struct{}{}:
				default:
				}
			}
			return nil
		}); err != nil {
		return fmt.Errorf("subscribing to invalidations: %w", err)
	}

	if c.cfg.Kafka.Enabled() {
		// A fresh group per console so every watcher sees every event.
		instance := uuid.NewString()
		mirror, err := kafka.ConnectWithRetry(kafka.Config{
			Brokers:    c.cfg.Kafka.Brokers,
			Topic:      c.cfg.Kafka.Topic,
			GroupID:    "scanctl-" + instance,
			ClientID:   c.cfg.Kafka.ClientID,
			InstanceID: instance,
		}, c.events, c.log, c.tracer)
		if err != nil {
			return err
		}
		defer mirror.Close()
		if err := mirror.Start(ctx); err != nil {
			return err
		}
	}

	page, err := q.Execute(ctx, d)
	for {
		switch {
		case errors.Is(err, context.Canceled):
			return nil
		case errors.Is(err, results.ErrStaleDescriptor):
		case err != nil:
			return err
		default:
			if err := c.out.page(page); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-changed:
			c.out.notice("Results changed, refreshing")
			page, err = q.Refresh(ctx)
		}
	}
}

func (c *console) newResultsActionCommand(kind findings.ActionKind, short string) *cobra.Command {
	var (
		scanType   string
		across     bool
		individual bool
	)
	cmd := &cobra.Command{
		Use:   kind.String() + " <scan-id> <result-id>...",
		Short: short,
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := scanning.ParseScanType(scanType)
			if err != nil {
				return err
			}

			outcome, err := c.executor.Apply(cmd.Context(), findings.BulkActionRequest{
				Kind:      kind,
				ScanID:    args[0],
				ScanType:  st,
				TargetIDs: args[1:],
				Options: findings.ActionOptions{
					MaskAcrossHostsAndImages: across,
					NotifyIndividual:         individual,
				},
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
			return nil
		},
	}
	lineageFlags(cmd, nil, &scanType)
	switch kind {
	case findings.ActionMask:
		cmd.Flags().BoolVar(&across, "across", false, "mask the same rule on every host and image")
	case findings.ActionNotify:
		cmd.Flags().BoolVar(&individual, "individual", false, "send one notification per result")
	}
	return cmd
}

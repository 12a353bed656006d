// Package cli implements scanctl, the command line console for the scan
// backend. Commands drive the scan tracker, the bulk executor, result queries
// and the report pipeline against either the HTTP backend or an in-memory
// demo backend.
package cli

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/app/actions"
	"github.com/ahrav/scan-console/internal/app/polling"
	appreports "github.com/ahrav/scan-console/internal/app/reports"
	appscanning "github.com/ahrav/scan-console/internal/app/scanning"
	"github.com/ahrav/scan-console/internal/config"
	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/eventbus"
	busmemory "github.com/ahrav/scan-console/internal/infra/eventbus/memory"
	"github.com/ahrav/scan-console/internal/infra/remote/httpapi"
	"github.com/ahrav/scan-console/pkg/common/logger"
	"github.com/ahrav/scan-console/pkg/common/otel"
)

var version = "dev"

// Backend is everything scanctl needs from the remote system.
type Backend interface {
	scanning.ScanClient
	findings.ResultsClient
	reports.ReportClient
}

// Option configures the root command.
type Option func(*console)

// WithBackend replaces the backend selected by flags.
func WithBackend(b Backend) Option {
	return func(c *console) { c.backend = b }
}

// WithBus makes commands share bus instead of a private one. The caller
// owns it and closes it.
func WithBus(b *busmemory.Bus) Option {
	return func(c *console) { c.bus = b }
}

type flags struct {
	configPath string
	server     string
	output     string
	demo       bool
	logLevel   string
}

// console carries the state built in PersistentPreRunE for subcommands.
type console struct {
	flags   flags
	backend Backend
	bus     *busmemory.Bus

	cfg       *config.Config
	log       *logger.Logger
	tracer    trace.Tracer
	remote    Backend
	events    *busmemory.Bus
	publisher events.DomainEventPublisher
	poller    *polling.Poller
	tracker   *appscanning.Tracker
	executor  *actions.Executor
	pipeline  *appreports.Pipeline
	out       *printer

	closers []func()
}

// NewRootCommand returns the scanctl command tree.
func NewRootCommand(opts ...Option) *cobra.Command {
	c := &console{}
	for _, opt := range opts {
		opt(c)
	}

	root := &cobra.Command{
		Use:           "scanctl",
		Short:         "scanctl drives scans, results and reports on the scan backend",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&c.flags.server, "server", "", "backend url, e.g. http://localhost:8080")
	pf.StringVarP(&c.flags.output, "output", "o", FormatTable, "output format: table, json, yaml")
	pf.BoolVar(&c.flags.demo, "demo", false, "use an in-memory backend seeded with a completed demo scan")
	pf.StringVar(&c.flags.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(c.newScanCommand(), c.newResultsCommand(), c.newReportCommand())
	c.releaseAfterRun(root)
	return root
}

// releaseAfterRun wraps every RunE so that resources built by setup are
// released whether or not the command fails. PersistentPostRun is skipped on
// error.
func (c *console) releaseAfterRun(cmd *cobra.Command) {
	for _, sub := range cmd.Commands() {
		c.releaseAfterRun(sub)
	}
	if run := cmd.RunE; run != nil {
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			defer c.close()
			return run(cmd, args)
		}
	}
}

func (c *console) setup(cmd *cobra.Command) (err error) {
	ctx := cmd.Context()
	defer func() {
		if err != nil {
			c.close()
		}
	}()

	v := config.NewViper()
	// Logs share stderr with command errors; keep them quiet unless asked.
	v.SetDefault("telemetry.log_level", "warn")
	if err := v.BindPFlag("client.base_url", cmd.Flags().Lookup("server")); err != nil {
		return err
	}
	if err := v.BindPFlag("telemetry.log_level", cmd.Flags().Lookup("log-level")); err != nil {
		return err
	}
	cfg, err := config.Load(v, c.flags.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	c.cfg = cfg

	out, err := newPrinter(cmd.OutOrStdout(), c.flags.output)
	if err != nil {
		return err
	}
	c.out = out

	c.log = logger.New(cmd.ErrOrStderr(), logger.ParseLevel(cfg.Telemetry.LogLevel), "scanctl", otel.GetTraceID)

	traceProvider, teardown, err := otel.InitTelemetry(c.log, otel.Config{
		ServiceName:        "scanctl",
		ExporterEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Probability:        cfg.Telemetry.SampleRatio,
		ResourceAttributes: map[string]string{"library.language": "go"},
		InsecureExporter:   true,
	})
	if err != nil {
		return fmt.Errorf("starting tracing: %w", err)
	}
	c.closers = append(c.closers, func() { teardown(context.Background()) })
	c.tracer = traceProvider.Tracer("scanctl")

	switch {
	case c.backend != nil:
		c.remote = c.backend
	case c.flags.demo:
		c.remote = newDemoBackend(cfg.Runner.FindingsPerScan)
	default:
		client, err := httpapi.NewClient(httpapi.Config{
			BaseURL:           cfg.Client.BaseURL,
			RequestTimeout:    cfg.Client.RequestTimeout,
			RequestsPerSecond: cfg.Client.RequestsPerSecond,
			Burst:             cfg.Client.Burst,
		}, c.log, c.tracer)
		if err != nil {
			return err
		}
		c.remote = client
	}

	c.events = c.bus
	if c.events == nil {
		c.events = busmemory.NewBus(c.log)
		bus := c.events
		c.closers = append(c.closers, func() { _ = bus.Close() })
	}
	c.publisher = eventbus.NewDomainEventPublisher(c.events)

	interval := cfg.Polling.Interval
	c.poller = polling.NewPoller(
		polling.Budget{MaxAttempts: cfg.Polling.MaxAttempts, MaxElapsed: cfg.Polling.MaxElapsed},
		c.log, c.tracer,
		polling.WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(interval) }),
	)

	trackerMetrics, err := appscanning.NewTrackerMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating tracker metrics: %w", err)
	}
	c.tracker = appscanning.NewTracker(c.remote, c.poller, trackerMetrics, c.log, c.tracer)
	if err := c.tracker.Start(ctx, c.events); err != nil {
		return fmt.Errorf("subscribing scan tracker: %w", err)
	}

	executorMetrics, err := actions.NewExecutorMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating executor metrics: %w", err)
	}
	c.executor = actions.NewExecutor(c.remote, c.remote, c.publisher, executorMetrics, c.log, c.tracer)
	c.pipeline = appreports.NewPipeline(c.remote, c.poller, c.log, c.tracer)
	return nil
}

func (c *console) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

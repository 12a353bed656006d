// Package jobrunner plays the part of the scanning workers behind the API.
// On every tick it moves due scans one step through their lifecycle, records
// findings for scans that complete, and renders pending report artifacts.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/infra/storage/postgres"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

// Messages recorded on resolved jobs.
const (
	StoppedMessage   = "stopped on request"
	NoResultsMessage = "no results match the filters"
	RenderMessage    = "failed to render report"
)

// Store is the persistence the runner drives.
type Store interface {
	AdvanceScans(ctx context.Context, adv postgres.Advance) ([]scanning.ScanJob, error)
	ClaimReport(ctx context.Context) (postgres.PendingReport, bool, error)
	ReportFindings(ctx context.Context, filters reports.Filters) ([]findings.Finding, error)
	CompleteReport(ctx context.Context, reportID, artifactName string) error
	FailReport(ctx context.Context, reportID, msg string) error
}

var _ Store = (*postgres.Store)(nil)

// Config controls pacing. A scan moves on once it has sat in its current
// status for the matching delay.
type Config struct {
	Interval    time.Duration
	QueueDelay  time.Duration
	RunDuration time.Duration
	StopDelay   time.Duration
	BatchSize   int
	// ReportsPerTick bounds how many reports one tick renders.
	ReportsPerTick int
	ArtifactDir    string
	// Produce returns the findings a completing scan records.
	Produce func(scanning.ScanJob) []findings.Finding
}

func (c *Config) setDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.ReportsPerTick <= 0 {
		c.ReportsPerTick = 10
	}
}

// Runner advances scans and renders reports on a fixed interval.
type Runner struct {
	store   Store
	cfg     Config
	metrics *Metrics

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a Runner.
func New(store Store, cfg Config, metrics *Metrics, log *logger.Logger, tracer trace.Tracer) *Runner {
	cfg.setDefaults()
	return &Runner{
		store:   store,
		cfg:     cfg,
		metrics: metrics,
		logger:  log.With("component", "job_runner"),
		tracer:  tracer,
	}
}

// Run ticks until ctx is cancelled. A failed tick is logged and retried on
// the next one.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info(ctx, "job runner started", "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info(ctx, "job runner stopped")
			return nil
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Error(ctx, "job runner tick failed", "error", err)
			}
		}
	}
}

// stages returns the lifecycle steps in the order a tick applies them.
func (r *Runner) stages() []postgres.Advance {
	return []postgres.Advance{
		{From: scanning.ScanStatusStopping, To: scanning.ScanStatusStopped, MinAge: r.cfg.StopDelay, Message: StoppedMessage},
		{From: scanning.ScanStatusInProgress, To: scanning.ScanStatusComplete, MinAge: r.cfg.RunDuration, Produce: r.cfg.Produce},
		{From: scanning.ScanStatusQueued, To: scanning.ScanStatusInProgress, MinAge: r.cfg.QueueDelay},
	}
}

// Tick runs one pass of scan advancement and report rendering. The two run
// concurrently; the first failure cancels the other.
func (r *Runner) Tick(ctx context.Context) error {
	ctx, span := r.tracer.Start(ctx, "job_runner.tick")
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.advanceScans(gctx) })
	g.Go(func() error { return r.renderReports(gctx) })

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "tick failed")
		return err
	}
	return nil
}

func (r *Runner) advanceScans(ctx context.Context) error {
	for _, adv := range r.stages() {
		adv.Limit = r.cfg.BatchSize
		jobs, err := r.store.AdvanceScans(ctx, adv)
		if err != nil {
			r.metrics.tickErrors.WithLabelValues("advance").Inc()
			return fmt.Errorf("failed to advance scans from %s to %s: %w", adv.From, adv.To, err)
		}
		if len(jobs) == 0 {
			continue
		}
		r.metrics.scansAdvanced.WithLabelValues(adv.From.String(), adv.To.String()).Add(float64(len(jobs)))
		for _, job := range jobs {
			r.logger.Debug(ctx, "scan advanced", "scan_id", job.ScanID, "from", adv.From, "to", adv.To)
		}
	}
	return nil
}

func (r *Runner) renderReports(ctx context.Context) error {
	for range r.cfg.ReportsPerTick {
		rep, found, err := r.store.ClaimReport(ctx)
		if err != nil {
			r.metrics.tickErrors.WithLabelValues("claim_report").Inc()
			return fmt.Errorf("failed to claim report: %w", err)
		}
		if !found {
			return nil
		}
		if err := r.resolveReport(ctx, rep); err != nil {
			r.metrics.tickErrors.WithLabelValues("render_report").Inc()
			return err
		}
	}
	return nil
}

// resolveReport renders one claimed report and records the result. A report
// whose filters match nothing fails with NoResultsMessage.
func (r *Runner) resolveReport(ctx context.Context, rep postgres.PendingReport) error {
	ctx, span := r.tracer.Start(ctx, "job_runner.render_report",
		trace.WithAttributes(
			attribute.String("report_id", rep.ReportID),
			attribute.String("format", string(rep.Format)),
		))
	defer span.End()
	logger := r.logger.With("report_id", rep.ReportID, "format", rep.Format)

	fail := func(msg string, cause error) error {
		if cause != nil {
			span.RecordError(cause)
			span.SetStatus(codes.Error, msg)
		}
		r.metrics.reportsResolved.WithLabelValues(string(rep.Format), reports.StatusFailed.String()).Inc()
		if err := r.store.FailReport(ctx, rep.ReportID, msg); err != nil {
			return fmt.Errorf("failed to mark report failed (report_id: %s): %w", rep.ReportID, err)
		}
		logger.Info(ctx, "report failed", "message", msg)
		return cause
	}

	start := time.Now()
	rows, err := r.store.ReportFindings(ctx, rep.Filters)
	if err != nil {
		return fail(RenderMessage, fmt.Errorf("failed to load report findings (report_id: %s): %w", rep.ReportID, err))
	}
	span.SetAttributes(attribute.Int("finding_count", len(rows)))
	if len(rows) == 0 {
		return fail(NoResultsMessage, nil)
	}

	name := artifactName(rep.ReportID, rep.Format)
	if err := writeArtifact(r.cfg.ArtifactDir, name, rep.Format, rows); err != nil {
		return fail(RenderMessage, fmt.Errorf("failed to render report (report_id: %s): %w", rep.ReportID, err))
	}
	r.metrics.renderDuration.Observe(time.Since(start).Seconds())

	if err := r.store.CompleteReport(ctx, rep.ReportID, name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to complete report")
		return fmt.Errorf("failed to complete report (report_id: %s): %w", rep.ReportID, err)
	}
	r.metrics.reportsResolved.WithLabelValues(string(rep.Format), reports.StatusReady.String()).Inc()
	logger.Info(ctx, "report ready", "artifact", name, "findings", len(rows))
	return nil
}

// Package reports drives report generation: request an artifact, poll until
// it is ready or has failed, and hand back a typed outcome. A report that is
// still being built when the polling budget runs out is reported as in
// progress, never as failed.
package reports

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/app/polling"
	domain "github.com/ahrav/scan-console/internal/domain/reports"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

// Messages shown for non-ready outcomes.
const (
	InProgressMessage = "Report generation is still in progress, check back later"
	DefaultMessage    = "Something went wrong, please try again"
)

// State is the user-facing state of a report request.
type State string

const (
	StateReady      State = "ready"
	StateFailed     State = "failed"
	StateInProgress State = "in_progress"
	StateRejected   State = "rejected"
)

// Outcome is the result of a Generate or Status call.
type Outcome struct {
	ReportID    string `json:"report_id,omitempty" yaml:"report_id,omitempty"`
	State       State  `json:"state" yaml:"state"`
	ArtifactURL string `json:"url,omitempty" yaml:"url,omitempty"`
	Message     string `json:"message,omitempty" yaml:"message,omitempty"`
}

// ErrEmptyReportID is returned when the remote accepted a request without
// naming the report.
var ErrEmptyReportID = errors.New("remote accepted report request without a report id")

// errTerminalRejection marks a poll answered with a validation or permission
// failure.
type errTerminalRejection struct{ err error }

func (e *errTerminalRejection) Error() string { return e.err.Error() }
func (e *errTerminalRejection) Unwrap() error { return e.err }

// Pipeline is the ReportGenerationPipeline.
type Pipeline struct {
	client domain.ReportClient
	poller *polling.Poller

	logger *logger.Logger
	tracer trace.Tracer
}

// NewPipeline creates a Pipeline polling client with poller's budget.
func NewPipeline(client domain.ReportClient, poller *polling.Poller, logger *logger.Logger, tracer trace.Tracer) *Pipeline {
	return &Pipeline{
		client: client,
		poller: poller,
		logger: logger.With("component", "report_pipeline"),
		tracer: tracer,
	}
}

// Generate requests a report and polls until it resolves or the budget runs
// out. A rejected request and a failed report are outcomes, not errors;
// errors are reserved for unclassified failures.
func (p *Pipeline) Generate(ctx context.Context, filters domain.Filters, format domain.Format) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "report_pipeline.generate",
		trace.WithAttributes(
			attribute.String("scan_type", filters.ScanType.String()),
			attribute.String("node_type", filters.NodeType.String()),
			attribute.String("format", string(format)),
		),
	)
	defer span.End()

	if err := filters.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid filters")
		return Outcome{State: StateRejected, Message: err.Error()}, nil
	}

	reportID, err := p.client.RequestReport(ctx, filters, format)
	if err != nil {
		span.RecordError(err)
		if kind := shared.Classify(err); kind == shared.FailureValidation || kind == shared.FailurePermission {
			span.SetStatus(codes.Error, "report request rejected")
			return Outcome{State: StateRejected, Message: rejectionMessage(err)}, nil
		}
		span.SetStatus(codes.Error, "report request failed")
		return Outcome{}, fmt.Errorf("failed to request report: %w", err)
	}
	if reportID == "" {
		span.RecordError(ErrEmptyReportID)
		span.SetStatus(codes.Error, "empty report id")
		return Outcome{}, ErrEmptyReportID
	}
	span.SetAttributes(attribute.String("report_id", reportID))
	p.logger.Info(ctx, "report requested", "report_id", reportID, "format", format)

	tracked := domain.NewReportJob(reportID)
	job, err := polling.Poll(ctx, p.poller,
		func(ctx context.Context) (domain.ReportJob, error) { return p.observe(ctx, tracked) },
		func(j domain.ReportJob) bool { return j.Status.IsTerminal() },
	)

	var rejected *errTerminalRejection
	switch {
	case err == nil:
	case errors.Is(err, polling.ErrBudgetExhausted):
		span.AddEvent("report_still_in_progress")
		p.logger.Info(ctx, "report not ready within polling budget", "report_id", reportID)
		return Outcome{ReportID: reportID, State: StateInProgress, Message: InProgressMessage}, nil
	case errors.As(err, &rejected):
		span.AddEvent("report_rejected_while_polling")
		return Outcome{ReportID: reportID, State: StateFailed, Message: rejectionMessage(rejected.err)}, nil
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "report polling failed")
		return Outcome{ReportID: reportID}, fmt.Errorf("failed to poll report (report_id: %s): %w", reportID, err)
	}

	return outcomeFor(job), nil
}

// observe fetches the report and applies it to tracked. Validation and
// permission failures are wrapped so they end polling as a failed report.
func (p *Pipeline) observe(ctx context.Context, tracked *domain.ReportJob) (domain.ReportJob, error) {
	observed, err := p.client.GetReport(ctx, tracked.ReportID)
	if err != nil {
		if kind := shared.Classify(err); kind == shared.FailureValidation || kind == shared.FailurePermission {
			return domain.ReportJob{}, &errTerminalRejection{err: err}
		}
		return domain.ReportJob{}, err
	}
	// The artifact URL decides completion: a ready status without one is not
	// done yet, and a URL on any non-failed status means the report is ready.
	status := observed.Status
	switch {
	case status == domain.StatusReady && observed.ArtifactURL == "":
		return *tracked, nil
	case status != domain.StatusFailed && observed.ArtifactURL != "":
		status = domain.StatusReady
	}
	if err := tracked.Observe(status, observed.ArtifactURL, observed.Message); err != nil {
		return domain.ReportJob{}, err
	}
	return *tracked, nil
}

// Status makes a single observation of a previously requested report.
func (p *Pipeline) Status(ctx context.Context, reportID string) (Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "report_pipeline.status",
		trace.WithAttributes(attribute.String("report_id", reportID)))
	defer span.End()

	job, err := p.client.GetReport(ctx, reportID)
	if err != nil {
		span.RecordError(err)
		switch shared.Classify(err) {
		case shared.FailureValidation, shared.FailurePermission:
			return Outcome{ReportID: reportID, State: StateFailed, Message: rejectionMessage(err)}, nil
		case shared.FailureNotFound:
			return Outcome{ReportID: reportID, State: StateFailed, Message: "Report not found"}, nil
		case shared.FailureTransient:
			return Outcome{ReportID: reportID, State: StateInProgress, Message: InProgressMessage}, nil
		default:
			span.SetStatus(codes.Error, "failed to get report")
			return Outcome{ReportID: reportID}, fmt.Errorf("failed to get report (report_id: %s): %w", reportID, err)
		}
	}
	return outcomeFor(job), nil
}

func outcomeFor(job domain.ReportJob) Outcome {
	out := Outcome{ReportID: job.ReportID, Message: job.Message}
	switch {
	case job.Status != domain.StatusFailed && job.ArtifactURL != "":
		out.State = StateReady
		out.ArtifactURL = job.ArtifactURL
	case job.Status == domain.StatusFailed:
		out.State = StateFailed
		if out.Message == "" {
			out.Message = DefaultMessage
		}
	default:
		out.State = StateInProgress
		out.Message = InProgressMessage
	}
	return out
}

func rejectionMessage(err error) string {
	if shared.Classify(err) == shared.FailurePermission {
		return shared.PermissionMessage(err, "generate reports")
	}
	if msg := shared.Message(err); msg != "" {
		return msg
	}
	return DefaultMessage
}

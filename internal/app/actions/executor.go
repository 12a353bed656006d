// Package actions applies bulk mutations to a scan's results and signals the
// components whose cached state they invalidate.
package actions

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

// DefaultFailureMessage is shown when the remote gave no usable message.
const DefaultFailureMessage = "Something went wrong, please try again"

// DefaultNotifyConcurrency bounds the per-result calls of an individual
// notification.
const DefaultNotifyConcurrency = 4

var successMessages = map[findings.ActionKind]string{
	findings.ActionMask:       "Masked successfully",
	findings.ActionUnmask:     "Unmasked successfully",
	findings.ActionNotify:     "Notified successfully",
	findings.ActionDelete:     "Deleted successfully",
	findings.ActionDeleteScan: "Scan deleted",
}

// permissionActions names each action in the default permission message.
var permissionActions = map[findings.ActionKind]string{
	findings.ActionMask:       "mask results",
	findings.ActionUnmask:     "unmask results",
	findings.ActionNotify:     "notify results",
	findings.ActionDelete:     "delete results",
	findings.ActionDeleteScan: "delete scan",
}

// Outcome is the classified result of one bulk action.
type Outcome struct {
	Action  findings.ActionKind
	Success bool
	// Kind is shared.FailureNone on success.
	Kind    shared.FailureKind
	Message string
	// PerID holds the result of every per-result call of an individual
	// notification; nil for single-call actions.
	PerID map[string]error
}

// Executor is the BulkMutationExecutor.
type Executor struct {
	results   findings.ResultsClient
	scans     scanning.ScanClient
	publisher events.DomainEventPublisher
	metrics   ExecutorMetrics

	notifyConcurrency int

	logger *logger.Logger
	tracer trace.Tracer
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithNotifyConcurrency bounds the concurrent calls of an individual
// notification.
func WithNotifyConcurrency(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.notifyConcurrency = n
		}
	}
}

// NewExecutor creates an Executor. Invalidation signals are sent through
// publisher.
func NewExecutor(
	results findings.ResultsClient,
	scans scanning.ScanClient,
	publisher events.DomainEventPublisher,
	metrics ExecutorMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
	opts ...ExecutorOption,
) *Executor {
	e := &Executor{
		results:           results,
		scans:             scans,
		publisher:         publisher,
		metrics:           metrics,
		notifyConcurrency: DefaultNotifyConcurrency,
		logger:            logger.With("component", "bulk_executor"),
		tracer:            tracer,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply performs req as one remote call (or one per result for individual
// notifications) and classifies the response. Validation, permission and
// not-found failures are reported in the Outcome with a nil error; any other
// failure, server errors included, is returned alongside the Outcome. A malformed request is returned as
// an error wrapping findings.ErrInvalidRequest before any remote call.
func (e *Executor) Apply(ctx context.Context, req findings.BulkActionRequest) (Outcome, error) {
	ctx, span := e.tracer.Start(ctx, "bulk_executor.apply",
		trace.WithAttributes(
			attribute.String("action", req.Kind.String()),
			attribute.String("scan_id", req.ScanID),
			attribute.Int("target_count", len(req.TargetIDs)),
		),
	)
	defer span.End()

	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request")
		return Outcome{Action: req.Kind}, err
	}
	e.metrics.ObserveTargets(ctx, req.Kind, len(req.TargetIDs))

	var (
		outcome Outcome
		err     error
	)
	switch req.Kind {
	case findings.ActionMask:
		outcome, err = e.single(ctx, req, e.results.MaskResults, "mask")
	case findings.ActionUnmask:
		outcome, err = e.single(ctx, req, e.results.UnmaskResults, "unmask")
	case findings.ActionDelete:
		outcome, err = e.single(ctx, req, e.results.DeleteResults, "delete")
	case findings.ActionNotify:
		if req.Options.NotifyIndividual {
			outcome, err = e.notifyIndividually(ctx, req)
		} else {
			outcome, err = e.single(ctx, req, e.results.NotifyResults, "")
		}
	case findings.ActionDeleteScan:
		outcome, err = e.deleteScan(ctx, req)
	}

	e.metrics.ObserveOutcome(ctx, req.Kind, outcome.Kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bulk action failed")
		e.logger.Error(ctx, "bulk action failed", "action", req.Kind, "scan_id", req.ScanID, "error", err)
		return outcome, err
	}

	span.SetAttributes(
		attribute.Bool("success", outcome.Success),
		attribute.String("failure_kind", outcome.Kind.String()),
	)
	e.logger.Info(ctx, "bulk action applied",
		"action", req.Kind,
		"scan_id", req.ScanID,
		"success", outcome.Success,
		"failure_kind", outcome.Kind.String(),
	)
	return outcome, nil
}

func mutation(req findings.BulkActionRequest, ids []string) findings.MutationRequest {
	return findings.MutationRequest{
		ScanID:    req.ScanID,
		ScanType:  req.ScanType,
		ResultIDs: ids,
		Options:   req.Options,
	}
}

// single runs one remote call for the whole target set. A non-empty
// invalidateReason publishes ResultsInvalidated on success.
func (e *Executor) single(
	ctx context.Context,
	req findings.BulkActionRequest,
	call func(context.Context, findings.MutationRequest) error,
	invalidateReason string,
) (Outcome, error) {
	if err := call(ctx, mutation(req, req.TargetIDs)); err != nil {
		return e.failure(req.Kind, err)
	}
	if invalidateReason != "" {
		if err := e.publishInvalidation(ctx, req.ScanID, invalidateReason); err != nil {
			return Outcome{Action: req.Kind, Kind: shared.FailureUnexpected}, err
		}
	}
	return e.success(req.Kind), nil
}

// notifyIndividually sends one notification per result. Every call runs;
// the aggregate succeeds only if all of them did. The first failure in
// target order decides the classification.
func (e *Executor) notifyIndividually(ctx context.Context, req findings.BulkActionRequest) (Outcome, error) {
	var (
		mu    sync.Mutex
		perID = make(map[string]error, len(req.TargetIDs))
	)

	g := new(errgroup.Group)
	g.SetLimit(e.notifyConcurrency)
	for _, id := range req.TargetIDs {
		g.Go(func() error {
			err := e.results.NotifyResults(ctx, mutation(req, []string{id}))
			mu.Lock()
			perID[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, id := range req.TargetIDs {
		if err := perID[id]; err != nil {
			outcome, ferr := e.failure(req.Kind, fmt.Errorf("notify result %s: %w", id, err))
			outcome.PerID = perID
			return outcome, ferr
		}
	}

	outcome := e.success(req.Kind)
	outcome.PerID = perID
	return outcome, nil
}

// deleteScan removes the scan itself. The tracker viewing the scan's node
// and any query over its results are signalled. A scan that is already gone
// is reported as not found but still signalled, so views move on.
func (e *Executor) deleteScan(ctx context.Context, req findings.BulkActionRequest) (Outcome, error) {
	err := e.scans.DeleteScan(ctx, req.ScanID, req.ScanType)
	if err != nil && shared.Classify(err) != shared.FailureNotFound {
		return e.failure(req.Kind, err)
	}

	lineage := req.Lineage
	if lineage.ScanType == "" {
		lineage.ScanType = req.ScanType
	}
	if perr := e.publisher.PublishDomainEvent(ctx,
		scanning.NewScanDeletedEvent(req.ScanID, lineage),
		events.WithKey(req.ScanID),
	); perr != nil {
		return Outcome{Action: req.Kind, Kind: shared.FailureUnexpected},
			fmt.Errorf("failed to publish scan deleted event (scan_id: %s): %w", req.ScanID, perr)
	}
	if perr := e.publishInvalidation(ctx, req.ScanID, "delete_scan"); perr != nil {
		return Outcome{Action: req.Kind, Kind: shared.FailureUnexpected}, perr
	}

	if err != nil {
		return e.failure(req.Kind, err)
	}
	return e.success(req.Kind), nil
}

func (e *Executor) publishInvalidation(ctx context.Context, scanID, reason string) error {
	if err := e.publisher.PublishDomainEvent(ctx,
		findings.NewResultsInvalidatedEvent(scanID, reason),
		events.WithKey(scanID),
	); err != nil {
		return fmt.Errorf("failed to publish results invalidated event (scan_id: %s): %w", scanID, err)
	}
	return nil
}

func (e *Executor) success(action findings.ActionKind) Outcome {
	return Outcome{Action: action, Success: true, Kind: shared.FailureNone, Message: successMessages[action]}
}

// failure classifies err. Failures the user can act on become the Outcome;
// the rest are returned as errors.
func (e *Executor) failure(action findings.ActionKind, err error) (Outcome, error) {
	kind := shared.Classify(err)
	outcome := Outcome{Action: action, Kind: kind}

	switch kind {
	case shared.FailurePermission:
		outcome.Message = shared.PermissionMessage(err, permissionActions[action])
	case shared.FailureValidation, shared.FailureNotFound:
		outcome.Message = shared.Message(err)
		if outcome.Message == "" {
			outcome.Message = DefaultFailureMessage
		}
	default:
		outcome.Message = DefaultFailureMessage
		return outcome, fmt.Errorf("failed to %s: %w", action, err)
	}
	return outcome, nil
}

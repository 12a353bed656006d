// Package scanning follows remote scans through their lifecycle. The tracker
// owns the engine's copy of every scan it has seen and decides which scan is
// in view for each node.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/scan-console/internal/app/polling"
	"github.com/ahrav/scan-console/internal/domain/events"
	domain "github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

// ErrNotTracked is returned for a scan id the tracker holds no state for.
var ErrNotTracked = errors.New("scan not tracked")

// StopResult reports which scans a stop request was sent for. Scans whose
// tracked status does not allow stopping are not sent.
type StopResult struct {
	Requested []string
	// Rejected maps scan id to the validation message for scans not sent.
	Rejected map[string]string
}

// Tracker is the ScanStatusTracker. Scan state changes only by observing a
// status fetched from the remote system; there is no optimistic update.
type Tracker struct {
	client  domain.ScanClient
	poller  *polling.Poller
	metrics TrackerMetrics

	mu      sync.Mutex
	jobs    map[string]*domain.ScanJob
	current map[domain.Lineage]string

	// scanLocks serialize observations for one scan so they apply in issue order.
	locksMu   sync.Mutex
	scanLocks map[string]*sync.Mutex

	logger *logger.Logger
	tracer trace.Tracer
}

// NewTracker creates a Tracker backed by client.
func NewTracker(
	client domain.ScanClient,
	poller *polling.Poller,
	metrics TrackerMetrics,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Tracker {
	logger = logger.With("component", "scan_tracker")
	return &Tracker{
		client:    client,
		poller:    poller,
		metrics:   metrics,
		jobs:      make(map[string]*domain.ScanJob),
		current:   make(map[domain.Lineage]string),
		scanLocks: make(map[string]*sync.Mutex),
		logger:    logger,
		tracer:    tracer,
	}
}

// Start subscribes the tracker to scan deletion events. It returns once the
// subscription is registered; the subscription ends with ctx.
func (t *Tracker) Start(ctx context.Context, bus events.EventBus) error {
	return bus.Subscribe(ctx, []events.EventType{domain.EventTypeScanDeleted},
		func(ctx context.Context, env events.EventEnvelope) error {
			evt, ok := env.Payload.(domain.ScanDeletedEvent)
			if !ok {
				return fmt.Errorf("unexpected payload type %T for %s", env.Payload, env.Type)
			}
			_, err := t.HandleScanDeleted(ctx, evt)
			if errors.Is(err, domain.ErrNoScansRemain) {
				return nil
			}
			return err
		})
}

func (t *Tracker) scanLock(scanID string) *sync.Mutex {
	t.locksMu.Lock()
	defer t.locksMu.Unlock()
	l, ok := t.scanLocks[scanID]
	if !ok {
		l = new(sync.Mutex)
		t.scanLocks[scanID] = l
	}
	return l
}

// Trigger starts a scan on each node and tracks every accepted scan. Each new
// scan becomes the one in view for its node. A rejected request is returned
// as the remote's error, classified shared.FailureValidation.
func (t *Tracker) Trigger(
	ctx context.Context,
	nodeIDs []string,
	nodeType domain.NodeType,
	scanType domain.ScanType,
) ([]domain.ScanJob, error) {
	ctx, span := t.tracer.Start(ctx, "scan_tracker.trigger",
		trace.WithAttributes(
			attribute.String("scan_type", scanType.String()),
			attribute.String("node_type", nodeType.String()),
			attribute.Int("node_count", len(nodeIDs)),
		),
	)
	defer span.End()

	if len(nodeIDs) == 0 {
		span.SetStatus(codes.Error, "no nodes provided")
		return nil, fmt.Errorf("no nodes provided")
	}

	jobs, err := t.client.TriggerScan(ctx, nodeIDs, nodeType, scanType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to trigger scan")
		return nil, fmt.Errorf("failed to trigger %s scan: %w", scanType, err)
	}

	t.mu.Lock()
	for i := range jobs {
		job := jobs[i]
		t.jobs[job.ScanID] = &job
		t.current[job.Lineage()] = job.ScanID
	}
	t.mu.Unlock()

	span.AddEvent("scans_triggered", trace.WithAttributes(attribute.Int("scan_count", len(jobs))))
	t.logger.Info(ctx, "scans triggered", "scan_type", scanType, "count", len(jobs))

	return jobs, nil
}

// Track seeds the tracker with a scan, e.g. one loaded from history. If no
// scan is in view for its node yet, it becomes the current one.
func (t *Tracker) Track(job domain.ScanJob) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.jobs[job.ScanID] = &job
	if _, ok := t.current[job.Lineage()]; !ok {
		t.current[job.Lineage()] = job.ScanID
	}
}

// Get returns the tracked state of a scan.
func (t *Tracker) Get(scanID string) (domain.ScanJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[scanID]
	if !ok {
		return domain.ScanJob{}, false
	}
	return *job, true
}

// Refresh fetches the scan's status and applies it. An observation the
// lifecycle does not allow returns a *domain.ProtocolViolationError and the
// tracked state is kept.
//
// A scan that no longer exists is dropped. If it was in view for its node, the
// node's most recent remaining scan becomes current and is returned instead;
// with none left the error matches both shared.ErrNotFound and
// domain.ErrNoScansRemain. A missing scan that was not in view returns an
// error matching shared.ErrNotFound.
func (t *Tracker) Refresh(ctx context.Context, scanID string) (domain.ScanJob, error) {
	ctx, span := t.tracer.Start(ctx, "scan_tracker.refresh",
		trace.WithAttributes(attribute.String("scan_id", scanID)))
	defer span.End()

	lock := t.scanLock(scanID)
	lock.Lock()
	defer lock.Unlock()

	observed, err := t.client.GetScanStatus(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, shared.ErrNotFound) {
			lineage, wasCurrent := t.drop(scanID)
			if !wasCurrent {
				span.SetStatus(codes.Error, "scan not found")
				return domain.ScanJob{}, fmt.Errorf("failed to refresh scan (scan_id: %s): %w", scanID, err)
			}
			span.AddEvent("scan_in_view_not_found")
			next, ferr := t.fallback(ctx, lineage, scanID)
			if errors.Is(ferr, domain.ErrNoScansRemain) {
				return domain.ScanJob{}, fmt.Errorf("failed to refresh scan (scan_id: %s): %w: %w", scanID, err, ferr)
			}
			return next, ferr
		}
		span.SetStatus(codes.Error, "failed to get scan status")
		return domain.ScanJob{}, fmt.Errorf("failed to refresh scan (scan_id: %s): %w", scanID, err)
	}
	t.metrics.IncRefreshes(ctx, observed.ScanType)

	t.mu.Lock()
	defer t.mu.Unlock()

	tracked, ok := t.jobs[scanID]
	if !ok {
		job := observed
		t.jobs[scanID] = &job
		if _, viewing := t.current[job.Lineage()]; !viewing {
			t.current[job.Lineage()] = scanID
		}
		span.AddEvent("scan_seeded_from_remote")
		return job, nil
	}

	next := *tracked
	if err := next.Observe(domain.Observation{
		Status:    observed.Status,
		Message:   observed.StatusMessage,
		UpdatedAt: observed.UpdatedAt,
	}); err != nil {
		t.metrics.IncProtocolViolations(ctx, tracked.ScanType)
		span.RecordError(err)
		span.SetStatus(codes.Error, "protocol violation")
		t.logger.Error(ctx, "illegal scan status transition observed",
			"scan_id", scanID, "from", tracked.Status, "to", observed.Status)
		return *tracked, err
	}
	*tracked = next

	span.SetAttributes(attribute.String("status", next.Status.String()))
	t.logger.Debug(ctx, "scan refreshed", "scan_id", scanID, "status", next.Status)
	return next, nil
}

// drop forgets a scan and reports its lineage and whether it was in view.
func (t *Tracker) drop(scanID string) (domain.Lineage, bool) {
	t.locksMu.Lock()
	delete(t.scanLocks, scanID)
	t.locksMu.Unlock()

	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[scanID]
	if !ok {
		return domain.Lineage{}, false
	}
	lineage := job.Lineage()
	delete(t.jobs, scanID)
	if t.current[lineage] != scanID {
		return lineage, false
	}
	delete(t.current, lineage)
	return lineage, true
}

// IsActionable reports whether action may be taken on a tracked scan.
func (t *Tracker) IsActionable(scanID string, action domain.Action) (bool, error) {
	job, ok := t.Get(scanID)
	if !ok {
		return false, fmt.Errorf("%w (scan_id: %s)", ErrNotTracked, scanID)
	}
	return job.IsActionable(action), nil
}

// Stop asks the remote to stop the given scans. Only scans whose tracked
// status allows stopping are sent; the tracked status is not changed until a
// later Refresh observes it.
func (t *Tracker) Stop(ctx context.Context, scanIDs []string, scanType domain.ScanType) (StopResult, error) {
	ctx, span := t.tracer.Start(ctx, "scan_tracker.stop",
		trace.WithAttributes(
			attribute.String("scan_type", scanType.String()),
			attribute.Int("scan_count", len(scanIDs)),
		),
	)
	defer span.End()

	res := StopResult{Rejected: make(map[string]string)}
	t.mu.Lock()
	for _, id := range scanIDs {
		job, ok := t.jobs[id]
		switch {
		case !ok:
			res.Rejected[id] = "scan is not tracked"
		case !job.IsActionable(domain.ActionStop):
			res.Rejected[id] = fmt.Sprintf("scan cannot be stopped while %s", job.Status)
		default:
			res.Requested = append(res.Requested, id)
		}
	}
	t.mu.Unlock()

	if len(res.Requested) == 0 {
		span.AddEvent("nothing_to_stop")
		return res, nil
	}

	if err := t.client.StopScans(ctx, res.Requested, scanType); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to stop scans")
		return StopResult{Rejected: res.Rejected}, fmt.Errorf("failed to stop scans: %w", err)
	}
	t.logger.Info(ctx, "stop requested", "scan_type", scanType, "count", len(res.Requested))

	return res, nil
}

// AwaitTerminal polls the scan until it reaches a terminal status, the
// poller's budget runs out, or a non-transient failure occurs. Protocol
// violations stop polling.
func (t *Tracker) AwaitTerminal(ctx context.Context, scanID string) (domain.ScanJob, error) {
	ctx, span := t.tracer.Start(ctx, "scan_tracker.await_terminal",
		trace.WithAttributes(attribute.String("scan_id", scanID)))
	defer span.End()

	job, err := polling.Poll(ctx, t.poller,
		func(ctx context.Context) (domain.ScanJob, error) {
			j, err := t.Refresh(ctx, scanID)
			if err == nil && j.ScanID != scanID {
				// The scan vanished and another one took its place in view.
				return domain.ScanJob{}, fmt.Errorf("scan disappeared while waiting (scan_id: %s): %w",
					scanID, shared.ErrNotFound)
			}
			return j, err
		},
		func(j domain.ScanJob) bool { return j.Status.IsTerminal() },
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan did not reach a terminal status")
		return job, err
	}
	return job, nil
}

// Current returns the scan in view for a node lineage.
func (t *Tracker) Current(lineage domain.Lineage) (domain.ScanJob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.current[lineage]
	if !ok {
		return domain.ScanJob{}, false
	}
	job, ok := t.jobs[id]
	if !ok {
		return domain.ScanJob{}, false
	}
	return *job, true
}

// View makes a tracked scan the one in view for its node.
func (t *Tracker) View(scanID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	job, ok := t.jobs[scanID]
	if !ok {
		return fmt.Errorf("%w (scan_id: %s)", ErrNotTracked, scanID)
	}
	t.current[job.Lineage()] = scanID
	return nil
}

// HandleScanDeleted drops a deleted scan. When it was the scan in view for
// its node, the node's history is fetched and the most recent remaining scan
// becomes current; domain.ErrNoScansRemain is returned when there is none.
// The returned job is the node's current scan after handling, if any.
func (t *Tracker) HandleScanDeleted(ctx context.Context, evt domain.ScanDeletedEvent) (domain.ScanJob, error) {
	ctx, span := t.tracer.Start(ctx, "scan_tracker.handle_scan_deleted",
		trace.WithAttributes(attribute.String("scan_id", evt.ScanID)))
	defer span.End()

	lineage := evt.Lineage()

	t.mu.Lock()
	if job, ok := t.jobs[evt.ScanID]; ok {
		lineage = job.Lineage()
		delete(t.jobs, evt.ScanID)
	}
	wasCurrent := t.current[lineage] == evt.ScanID
	if wasCurrent {
		delete(t.current, lineage)
	}
	var unchanged domain.ScanJob
	if id, ok := t.current[lineage]; ok {
		unchanged = *t.jobs[id]
	}
	t.mu.Unlock()

	t.locksMu.Lock()
	delete(t.scanLocks, evt.ScanID)
	t.locksMu.Unlock()

	if !wasCurrent {
		span.AddEvent("deleted_scan_not_in_view")
		return unchanged, nil
	}
	return t.fallback(ctx, lineage, evt.ScanID)
}

// fallback puts the most recent remaining scan of lineage in view after goneID
// disappeared. domain.ErrNoScansRemain is returned when the history is empty.
func (t *Tracker) fallback(ctx context.Context, lineage domain.Lineage, goneID string) (domain.ScanJob, error) {
	span := trace.SpanFromContext(ctx)

	history, err := t.client.ListScanHistory(ctx, lineage.NodeID, lineage.NodeType, lineage.ScanType)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list scan history")
		return domain.ScanJob{}, fmt.Errorf("failed to list scan history (node: %s): %w", lineage, err)
	}

	next, err := domain.SelectNextScan(history, goneID)
	if err != nil {
		span.AddEvent("no_scans_remain")
		t.logger.Info(ctx, "no scans remain for node", "node", lineage.String())
		return domain.ScanJob{}, err
	}

	job := domain.ScanJob{
		ScanID:    next.ScanID,
		NodeID:    lineage.NodeID,
		NodeType:  lineage.NodeType,
		ScanType:  lineage.ScanType,
		Status:    next.Status,
		UpdatedAt: next.UpdatedAt,
	}

	t.mu.Lock()
	if tracked, ok := t.jobs[next.ScanID]; ok {
		job = *tracked
	} else {
		t.jobs[next.ScanID] = &job
	}
	t.current[lineage] = next.ScanID
	t.mu.Unlock()

	span.SetAttributes(attribute.String("next_scan_id", next.ScanID))
	t.logger.Info(ctx, "fell back to previous scan", "gone_scan_id", goneID, "scan_id", next.ScanID)
	return job, nil
}

package actions

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ahrav/scan-console/internal/app/polling"
	"github.com/ahrav/scan-console/internal/app/results"
	appscanning "github.com/ahrav/scan-console/internal/app/scanning"
	"github.com/ahrav/scan-console/internal/domain/events"
	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/scanning"
	"github.com/ahrav/scan-console/internal/domain/shared"
	"github.com/ahrav/scan-console/internal/infra/eventbus"
	busmemory "github.com/ahrav/scan-console/internal/infra/eventbus/memory"
	"github.com/ahrav/scan-console/internal/infra/remote/memory"
	"github.com/ahrav/scan-console/pkg/common/logger"
)

var (
	lineage = scanning.Lineage{NodeID: "host-a", NodeType: scanning.NodeTypeHost, ScanType: scanning.ScanTypeSecret}
	t0      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

func scanJob(id string, at time.Time) scanning.ScanJob {
	return scanning.ScanJob{
		ScanID:    id,
		NodeID:    lineage.NodeID,
		NodeType:  lineage.NodeType,
		ScanType:  lineage.ScanType,
		Status:    scanning.ScanStatusComplete,
		UpdatedAt: at,
	}
}

type harness struct {
	backend  *memory.Backend
	bus      *busmemory.Bus
	executor *Executor

	mu        sync.Mutex
	published []events.EventEnvelope
}

func newHarness(t *testing.T, opts ...ExecutorOption) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{backend: memory.NewBackend(), bus: busmemory.NewBus(logger.Noop())}
	h.backend.SeedScan(scanJob("scan-1", t0), nil,
		findings.Finding{ID: "f1", RuleID: "r1", Level: 3},
		findings.Finding{ID: "f2", RuleID: "r2", Level: 2},
		findings.Finding{ID: "f3", RuleID: "r3", Level: 1},
	)

	require.NoError(t, h.bus.Subscribe(ctx,
		[]events.EventType{findings.EventTypeResultsInvalidated, scanning.EventTypeScanDeleted},
		func(_ context.Context, env events.EventEnvelope) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.published = append(h.published, env)
			return nil
		}))

	metrics, err := NewExecutorMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	h.executor = NewExecutor(h.backend, h.backend, eventbus.NewDomainEventPublisher(h.bus), metrics,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"), opts...)
	return h
}

func (h *harness) eventTypes() []events.EventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]events.EventType, 0, len(h.published))
	for _, env := range h.published {
		out = append(out, env.Type)
	}
	return out
}

func request(kind findings.ActionKind, ids ...string) findings.BulkActionRequest {
	return findings.BulkActionRequest{
		Kind:      kind,
		ScanID:    "scan-1",
		ScanType:  scanning.ScanTypeSecret,
		TargetIDs: ids,
		Lineage:   lineage,
	}
}

func TestExecutor_Success(t *testing.T) {
	tests := []struct {
		name        string
		req         findings.BulkActionRequest
		wantMessage string
		wantEvents  []events.EventType
	}{
		{
			name:        "mask",
			req:         request(findings.ActionMask, "f1"),
			wantMessage: "Masked successfully",
			wantEvents:  []events.EventType{findings.EventTypeResultsInvalidated},
		},
		{
			name:        "unmask",
			req:         request(findings.ActionUnmask, "f1"),
			wantMessage: "Unmasked successfully",
			wantEvents:  []events.EventType{findings.EventTypeResultsInvalidated},
		},
		{
			name:        "notify batched",
			req:         request(findings.ActionNotify, "f1", "f2"),
			wantMessage: "Notified successfully",
			wantEvents:  []events.EventType{},
		},
		{
			name:        "delete",
			req:         request(findings.ActionDelete, "f2"),
			wantMessage: "Deleted successfully",
			wantEvents:  []events.EventType{findings.EventTypeResultsInvalidated},
		},
		{
			name:        "delete scan",
			req:         request(findings.ActionDeleteScan),
			wantMessage: "Scan deleted",
			wantEvents:  []events.EventType{scanning.EventTypeScanDeleted, findings.EventTypeResultsInvalidated},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			outcome, err := h.executor.Apply(context.Background(), tt.req)

			require.NoError(t, err)
			assert.True(t, outcome.Success)
			assert.Equal(t, shared.FailureNone, outcome.Kind)
			assert.Equal(t, tt.wantMessage, outcome.Message)
			assert.Equal(t, tt.wantEvents, h.eventTypes())
		})
	}
}

func TestExecutor_MaskIsIdempotent(t *testing.T) {
	ctx := context.Background()
	masked := findings.DefaultDescriptor().WithFilter(findings.FieldVisibility, findings.VisibilityMasked)

	visibleAfter := func(times int) []string {
		h := newHarness(t)
		for range times {
			outcome, err := h.executor.Apply(ctx, request(findings.ActionMask, "f1", "f3"))
			require.NoError(t, err)
			require.True(t, outcome.Success)
		}
		page, err := h.backend.QueryResults(ctx, "scan-1", masked)
		require.NoError(t, err)
		ids := make([]string, 0, len(page.Items))
		for _, f := range page.Items {
			ids = append(ids, f.ID)
		}
		return ids
	}

	assert.Equal(t, visibleAfter(1), visibleAfter(2))
	assert.Equal(t, []string{"f1", "f3"}, visibleAfter(2))
}

func TestExecutor_FailureClassification(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantKind    shared.FailureKind
		wantMessage string
		wantErr     bool
	}{
		{
			name:        "validation with message",
			err:         shared.NewRemoteError(http.StatusBadRequest, "result ids do not belong to this scan"),
			wantKind:    shared.FailureValidation,
			wantMessage: "result ids do not belong to this scan",
		},
		{
			name:        "conflict without message",
			err:         shared.NewRemoteError(http.StatusConflict, ""),
			wantKind:    shared.FailureValidation,
			wantMessage: DefaultFailureMessage,
		},
		{
			name:        "permission without message",
			err:         shared.NewRemoteError(http.StatusForbidden, ""),
			wantKind:    shared.FailurePermission,
			wantMessage: "You do not have enough permissions to mask results",
		},
		{
			name:        "permission with message",
			err:         shared.NewRemoteError(http.StatusForbidden, "read only user"),
			wantKind:    shared.FailurePermission,
			wantMessage: "read only user",
		},
		{
			name:        "server error",
			err:         shared.NewRemoteError(http.StatusServiceUnavailable, "overloaded"),
			wantKind:    shared.FailureTransient,
			wantMessage: DefaultFailureMessage,
			wantErr:     true,
		},
		{
			name:        "internal server error without message",
			err:         shared.NewRemoteError(http.StatusInternalServerError, ""),
			wantKind:    shared.FailureTransient,
			wantMessage: DefaultFailureMessage,
			wantErr:     true,
		},
		{
			name:        "unexpected",
			err:         errors.New("boom"),
			wantKind:    shared.FailureUnexpected,
			wantMessage: DefaultFailureMessage,
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.backend.FailNext(memory.OpMaskResults, tt.err)

			outcome, err := h.executor.Apply(context.Background(), request(findings.ActionMask, "f1"))

			if tt.wantErr {
				assert.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.False(t, outcome.Success)
			assert.Equal(t, tt.wantKind, outcome.Kind)
			assert.Equal(t, tt.wantMessage, outcome.Message)
			assert.Empty(t, h.eventTypes(), "failed actions invalidate nothing")
		})
	}
}

func TestExecutor_ServerErrorIsReturned(t *testing.T) {
	h := newHarness(t)
	serverErr := shared.NewRemoteError(http.StatusInternalServerError, "")
	h.backend.FailNext(memory.OpDeleteResults, serverErr)

	outcome, err := h.executor.Apply(context.Background(), request(findings.ActionDelete, "f1"))

	require.ErrorIs(t, err, serverErr)
	assert.Equal(t, shared.FailureTransient, shared.Classify(err))
	assert.False(t, outcome.Success)
	assert.Empty(t, h.eventTypes())
}

func TestExecutor_InvalidRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.executor.Apply(context.Background(), request(findings.ActionMask))

	assert.ErrorIs(t, err, findings.ErrInvalidRequest)
	assert.Zero(t, h.backend.Calls(memory.OpMaskResults))
}

func TestExecutor_NotifyIndividually(t *testing.T) {
	t.Run("all succeed", func(t *testing.T) {
		h := newHarness(t, WithNotifyConcurrency(2))
		req := request(findings.ActionNotify, "f1", "f2", "f3")
		req.Options.NotifyIndividual = true

		outcome, err := h.executor.Apply(context.Background(), req)

		require.NoError(t, err)
		assert.True(t, outcome.Success)
		assert.Len(t, outcome.PerID, 3)
		assert.Equal(t, 3, h.backend.Calls(memory.OpNotifyResults))
		assert.ElementsMatch(t, []string{"f1", "f2", "f3"}, h.backend.Notified())
	})

	t.Run("one denied", func(t *testing.T) {
		h := newHarness(t, WithNotifyConcurrency(1))
		h.backend.FailNext(memory.OpNotifyResults, nil, shared.NewRemoteError(http.StatusForbidden, ""))
		req := request(findings.ActionNotify, "f1", "f2", "f3")
		req.Options.NotifyIndividual = true

		outcome, err := h.executor.Apply(context.Background(), req)

		require.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.Equal(t, shared.FailurePermission, outcome.Kind)
		assert.Equal(t, "You do not have enough permissions to notify results", outcome.Message)
		assert.Equal(t, 3, h.backend.Calls(memory.OpNotifyResults), "every result is attempted")

		var failed int
		for _, err := range outcome.PerID {
			if err != nil {
				failed++
			}
		}
		assert.Equal(t, 1, failed)
		assert.Len(t, h.backend.Notified(), 2)
	})
}

func TestExecutor_DeleteScanOfRunningScanIsRejected(t *testing.T) {
	h := newHarness(t)
	running := scanJob("scan-2", t0)
	running.Status = scanning.ScanStatusInProgress
	h.backend.SeedScan(running, nil)

	req := request(findings.ActionDeleteScan)
	req.ScanID = "scan-2"
	outcome, err := h.executor.Apply(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, shared.FailureValidation, outcome.Kind)
	assert.Empty(t, h.eventTypes())
}

func TestExecutor_DeleteScanAlreadyGoneStillSignals(t *testing.T) {
	h := newHarness(t)
	req := request(findings.ActionDeleteScan)
	req.ScanID = "scan-missing"

	outcome, err := h.executor.Apply(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, shared.FailureNotFound, outcome.Kind)
	assert.Equal(t, []events.EventType{scanning.EventTypeScanDeleted, findings.EventTypeResultsInvalidated}, h.eventTypes())
}

func newTracker(t *testing.T, client scanning.ScanClient) *appscanning.Tracker {
	t.Helper()
	metrics, err := appscanning.NewTrackerMetrics(metricnoop.NewMeterProvider())
	require.NoError(t, err)
	tracer := noop.NewTracerProvider().Tracer("test")
	poller := polling.NewPoller(polling.Budget{MaxAttempts: 3}, logger.Noop(), tracer,
		polling.WithWaiter(polling.WaiterFunc(func(ctx context.Context, _ time.Duration) error { return ctx.Err() })))
	return appscanning.NewTracker(client, poller, metrics, logger.Noop(), tracer)
}

func TestExecutor_BulkDeleteMarksCachedPagesStale(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)

	query := results.NewQuery[findings.Finding]("scan-1", h.backend, findings.FindingFields,
		logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, query.Start(ctx, h.bus))

	d := findings.DefaultDescriptor()
	before, err := query.Execute(ctx, d)
	require.NoError(t, err)
	require.Len(t, before.Items, 3)

	outcome, err := h.executor.Apply(ctx, request(findings.ActionDelete, "f1"))
	require.NoError(t, err)
	require.True(t, outcome.Success)

	after, err := query.Execute(ctx, d)
	require.NoError(t, err)
	assert.Len(t, after.Items, 2)
	assert.Equal(t, 2, h.backend.Calls(memory.OpQueryResults), "the cached page was refetched")
}

func TestExecutor_StopThenDeleteSelectsFallbackScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t)
	older := scanJob("scan-0", t0.Add(-time.Hour))
	h.backend.SeedScan(older, nil)

	running := scanJob("scan-2", t0.Add(time.Hour))
	running.Status = scanning.ScanStatusInProgress
	h.backend.SeedScan(running, nil)

	tracker := newTracker(t, h.backend)
	require.NoError(t, tracker.Start(ctx, h.bus))
	tracker.Track(running)

	res, err := tracker.Stop(ctx, []string{"scan-2"}, scanning.ScanTypeSecret)
	require.NoError(t, err)
	require.Equal(t, []string{"scan-2"}, res.Requested)

	stopped, err := tracker.AwaitTerminal(ctx, "scan-2")
	require.NoError(t, err)
	require.Equal(t, scanning.ScanStatusStopped, stopped.Status)

	req := request(findings.ActionDeleteScan)
	req.ScanID = "scan-2"
	outcome, err := h.executor.Apply(ctx, req)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	current, ok := tracker.Current(lineage)
	require.True(t, ok)
	assert.Equal(t, "scan-1", current.ScanID, "most recent remaining scan is in view")
}

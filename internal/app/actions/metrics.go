package actions

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ahrav/scan-console/internal/domain/findings"
	"github.com/ahrav/scan-console/internal/domain/shared"
)

// ExecutorMetrics defines metrics operations needed by the bulk executor.
type ExecutorMetrics interface {
	ObserveOutcome(ctx context.Context, action findings.ActionKind, kind shared.FailureKind)
	ObserveTargets(ctx context.Context, action findings.ActionKind, n int)
}

type executorMetrics struct {
	outcomes metric.Int64Counter
	targets  metric.Int64Histogram
}

var _ ExecutorMetrics = (*executorMetrics)(nil)

const namespace = "bulk_executor"

// NewExecutorMetrics creates the executor's instruments on mp.
func NewExecutorMetrics(mp metric.MeterProvider) (*executorMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(executorMetrics)
	var err error

	if m.outcomes, err = meter.Int64Counter(
		"bulk_executor.outcomes",
		metric.WithDescription("Total number of bulk actions applied, by action and failure kind"),
	); err != nil {
		return nil, err
	}

	if m.targets, err = meter.Int64Histogram(
		"bulk_executor.targets",
		metric.WithDescription("Number of results targeted by one bulk action"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *executorMetrics) ObserveOutcome(ctx context.Context, action findings.ActionKind, kind shared.FailureKind) {
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action.String()),
		attribute.String("failure_kind", kind.String()),
	))
}

func (m *executorMetrics) ObserveTargets(ctx context.Context, action findings.ActionKind, n int) {
	m.targets.Record(ctx, int64(n), metric.WithAttributes(attribute.String("action", action.String())))
}

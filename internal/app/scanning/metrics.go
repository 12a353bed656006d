package scanning

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ahrav/scan-console/internal/domain/scanning"
)

// TrackerMetrics defines metrics operations needed by the scan status tracker.
type TrackerMetrics interface {
	IncRefreshes(ctx context.Context, scanType domain.ScanType)
	IncProtocolViolations(ctx context.Context, scanType domain.ScanType)
}

type trackerMetrics struct {
	refreshes          metric.Int64Counter
	protocolViolations metric.Int64Counter
}

var _ TrackerMetrics = (*trackerMetrics)(nil)

const namespace = "scan_tracker"

// NewTrackerMetrics creates the tracker's instruments on mp.
func NewTrackerMetrics(mp metric.MeterProvider) (*trackerMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(trackerMetrics)
	var err error

	if m.refreshes, err = meter.Int64Counter(
		"scan_tracker.refreshes",
		metric.WithDescription("Total number of scan status observations fetched"),
	); err != nil {
		return nil, err
	}

	if m.protocolViolations, err = meter.Int64Counter(
		"scan_tracker.protocol_violations",
		metric.WithDescription("Total number of illegal scan status transitions observed"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *trackerMetrics) IncRefreshes(ctx context.Context, scanType domain.ScanType) {
	m.refreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("scan_type", scanType.String())))
}

func (m *trackerMetrics) IncProtocolViolations(ctx context.Context, scanType domain.ScanType) {
	m.protocolViolations.Add(ctx, 1, metric.WithAttributes(attribute.String("scan_type", scanType.String())))
}

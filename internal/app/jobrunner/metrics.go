package jobrunner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scan_jobrunner"

// Metrics holds the runner's Prometheus collectors.
type Metrics struct {
	scansAdvanced   *prometheus.CounterVec
	reportsResolved *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	tickErrors      *prometheus.CounterVec
}

// NewMetrics registers the runner's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scansAdvanced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_advanced_total",
			Help:      "Scans moved to a new status by the runner",
		}, []string{"from", "to"}),
		reportsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_resolved_total",
			Help:      "Reports resolved by the runner",
		}, []string{"format", "status"}),
		renderDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "report_render_duration_seconds",
			Help:      "Time spent rendering one report artifact",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		tickErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Failed runner stages",
		}, []string{"stage"}),
	}
}

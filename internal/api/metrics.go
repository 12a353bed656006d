package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const namespace = "scan_api"

// APIMetrics defines metrics operations needed by the API server.
type APIMetrics interface {
	IncRequestsTotal(ctx context.Context, method, route string, status int)
	ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration)
	IncScansTriggered(ctx context.Context, scanType string, n int)
	IncMutations(ctx context.Context, action string, results int)
}

type apiMetrics struct {
	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	scansTriggered  metric.Int64Counter
	mutations       metric.Int64Counter
	mutatedResults  metric.Int64Counter
}

var _ APIMetrics = (*apiMetrics)(nil)

func NewAPIMetrics(mp metric.MeterProvider) (*apiMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(apiMetrics)
	var err error

	if m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	); err != nil {
		return nil, err
	}

	if m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
	); err != nil {
		return nil, err
	}

	if m.scansTriggered, err = meter.Int64Counter(
		"scans_triggered_total",
		metric.WithDescription("Total number of scans accepted by trigger requests"),
	); err != nil {
		return nil, err
	}

	if m.mutations, err = meter.Int64Counter(
		"result_mutations_total",
		metric.WithDescription("Total number of applied bulk result mutations"),
	); err != nil {
		return nil, err
	}

	if m.mutatedResults, err = meter.Int64Counter(
		"mutated_results_total",
		metric.WithDescription("Total number of results targeted by applied mutations"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *apiMetrics) IncRequestsTotal(ctx context.Context, method, route string, status int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

func (m *apiMetrics) ObserveRequestDuration(ctx context.Context, method, route string, duration time.Duration) {
	m.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
	))
}

func (m *apiMetrics) IncScansTriggered(ctx context.Context, scanType string, n int) {
	m.scansTriggered.Add(ctx, int64(n), metric.WithAttributes(attribute.String("scan_type", scanType)))
}

func (m *apiMetrics) IncMutations(ctx context.Context, action string, results int) {
	attrs := metric.WithAttributes(attribute.String("action", action))
	m.mutations.Add(ctx, 1, attrs)
	m.mutatedResults.Add(ctx, int64(results), attrs)
}

// metricsMiddleware records every request under its route pattern, so ids in
// paths do not explode label cardinality.
func metricsMiddleware(m APIMetrics) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			m.IncRequestsTotal(r.Context(), r.Method, route, ww.Status())
			m.ObserveRequestDuration(r.Context(), r.Method, route, time.Since(start))
		})
	}
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

const emptyTraceID = "00000000000000000000000000000000"

// GetTraceID returns the trace id from the current span context, or the
// all-zero id when the context carries no valid span.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return emptyTraceID
	}
	return sc.TraceID().String()
}

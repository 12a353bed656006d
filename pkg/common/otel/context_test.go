package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestGetTraceID(t *testing.T) {
	assert.Equal(t, emptyTraceID, GetTraceID(context.Background()))

	traceID := trace.TraceID{0x01, 0x02, 0x03}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: traceID,
		SpanID:  trace.SpanID{0x0a},
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	assert.Equal(t, traceID.String(), GetTraceID(ctx))
}

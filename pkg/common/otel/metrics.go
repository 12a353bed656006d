package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/ahrav/scan-console"

// GetMeterProvider returns the globally registered meter provider. It is a
// noop provider until InitTelemetry installs an exporting one.
func GetMeterProvider() metric.MeterProvider { return otel.GetMeterProvider() }

// Meter returns the module's meter from the given provider, falling back to
// the global provider when mp is nil.
func Meter(mp metric.MeterProvider) metric.Meter {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return mp.Meter(instrumentationName)
}

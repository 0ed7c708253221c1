package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer installs a global TracerProvider for the process. When
// otlpEndpoint is empty, traces are recorded but never exported — spans
// still propagate through context for correlation, but no network call is
// made. Returns a shutdown func the caller should defer.
func InitTracer(ctx context.Context, otlpEndpoint, serviceName, serviceVersion string) (func(context.Context) error, error) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)

	if otlpEndpoint == "" {
		return tp.Shutdown, nil
	}

	// A real deployment wires an OTLP exporter here (e.g.
	// go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc)
	// pointed at otlpEndpoint; omitted because no such exporter is
	// registered as a dependency of this module.
	return tp.Shutdown, nil
}

// Tracer returns a named tracer for a component, e.g. "pkg/eventstore".
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

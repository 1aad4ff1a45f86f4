package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider configures the global tracer used by the Worker to
// emit one span per evaluation (spec.md §4.3). serviceName identifies
// this process in the resulting traces. No span exporter is registered,
// so spans are recorded in-process and are not sent anywhere.
func NewTracerProvider(serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(provider)
	return provider, nil
}

// Tracer returns the package-wide tracer used to instrument evaluations.
func Tracer() trace.Tracer {
	return otel.Tracer("kubewarden.policy.server")
}

// Package telemetry wires up the OpenTelemetry providers: traces exported to
// Jaeger and metrics exposed through a Prometheus registry.
package telemetry

import (
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

const Service = "millrace-focus"

type Config struct {
	// The URL of the Jaeger collector. Tracing is disabled when empty.
	JaegerURL string `yaml:"jaeger_url"`
}

// SetupTracing configures the global trace provider. Returns nil when tracing
// is disabled; the returned provider (if any) must be shut down on exit.
func SetupTracing(config Config) (*tracesdk.TracerProvider, error) {
	if config.JaegerURL == "" {
		return nil, nil
	}

	res, err := newResource()
	if err != nil {
		return nil, err
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
	if err != nil {
		return nil, err
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Identifies this focus instance in the exported traces.
func newResource() (*resource.Resource, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(Service),
		attribute.String("ID", id.String()),
	), nil
}

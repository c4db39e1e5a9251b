package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/picklr-io/lakestack"

// Common span attributes.
const (
	AttrResourceID   = attribute.Key("resource.id")
	AttrResourceKind = attribute.Key("resource.kind")
	AttrAction       = attribute.Key("resource.action")
	AttrRunID        = attribute.Key("run.id")
)

// SetupTracing installs a global tracer provider exporting spans as JSON to
// w. The returned function flushes and shuts the provider down.
func SetupTracing(w io.Writer, serviceName, serviceVersion string) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.version", serviceVersion),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the lakestack tracer from the global provider. Without
// SetupTracing it is a no-op.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

package observability

import (
	"context"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// tracerName scopes every span the agent records to this module.
const tracerName = "github.com/killianrms/sauvegarde"

// InitTracing installs the process-global OpenTelemetry tracer provider,
// exporting to a Jaeger collector when OTEL_EXPORTER_JAEGER_ENDPOINT is set
// (e.g. http://localhost:14268/api/traces). Without the endpoint the
// default no-op provider stays in place and the returned shutdown does
// nothing, so span recording costs nothing in an untraced deployment. The
// agent dispatcher opens one span per RPC frame, which is where commit,
// restore and GC all flow through.
func InitTracing(ctx context.Context, serviceName, version string) (func(context.Context) error, error) {
	endpoint := os.Getenv("OTEL_EXPORTER_JAEGER_ENDPOINT")
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp, trace.WithMaxExportBatchSize(512), trace.WithBatchTimeout(5*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the tracer RPC handlers record spans on. It resolves
// through the provider InitTracing installed, or the no-op default when
// tracing is disabled.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(tracerName)
}

// Package tracing provides shared OTel tracer initialization for fleetd.
//
// Real tracing requires tracing.enabled with an OTLP endpoint (or
// OTEL_EXPORTER_OTLP_ENDPOINT). Without it a no-op tracer is used
// (zero overhead).
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const serviceName = "fleetd"

var (
	initOnce       sync.Once
	tracerProvider trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider    *sdktrace.TracerProvider
)

// Init configures the global tracer provider against the given OTLP HTTP
// endpoint. Safe to call more than once; only the first call wins.
func Init(endpoint string) {
	initOnce.Do(func() {
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint == "" {
			return
		}

		ctx := context.Background()

		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpointHost(endpoint)),
			otlptracehttp.WithInsecure(),
		)
		if err != nil {
			return
		}

		res, err := resource.New(ctx,
			resource.WithAttributes(semconv.ServiceName(serviceName)),
		)
		if err != nil {
			res = resource.Default()
		}

		sdkProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		tracerProvider = sdkProvider
		otel.SetTracerProvider(tracerProvider)
	})
}

// endpointHost strips the scheme from the endpoint URL for otlptracehttp.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

// Tracer returns a named tracer. No-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	return tracerProvider.Tracer(name)
}

// StartSpan starts an internal span on the fleetd kernel tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer("fleetd-kernel").Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

// Shutdown flushes pending spans and shuts down the provider.
func Shutdown(ctx context.Context) error {
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

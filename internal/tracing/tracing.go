// Package tracing sets up the OpenTelemetry tracer provider the rest of
// the dataplane uses for crypto-op spans, whose trace IDs are attached to
// Prometheus histograms as exemplars (see internal/metrics).
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects and configures a span exporter.
type Config struct {
	// Exporter is one of "none", "stdout", "jaeger", "otlp". "none"
	// disables tracing entirely (a no-op tracer provider).
	Exporter string
	// JaegerEndpoint is the Jaeger collector HTTP endpoint, used when
	// Exporter is "jaeger".
	JaegerEndpoint string
	// OTLPEndpoint is the OTLP/gRPC collector address, used when Exporter
	// is "otlp".
	OTLPEndpoint string
	ServiceName  string
	// SampleRatio is the fraction of traces sampled, in [0, 1]. 0
	// defaults to always-on.
	SampleRatio float64
}

// Shutdown flushes and closes the tracer provider, if one was installed.
type Shutdown func(context.Context) error

// Setup builds a TracerProvider per cfg, installs it as the global
// provider via otel.SetTracerProvider, and returns a Shutdown to call
// during process teardown. Exporter "none" (or unset) installs a no-op
// provider and a no-op Shutdown.
func Setup(ctx context.Context, cfg Config) (trace.Tracer, Shutdown, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "async-crypto-core"
	}

	switch cfg.Exporter {
	case "", "none":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return otel.Tracer(cfg.ServiceName), func(context.Context) error { return nil }, nil
	}

	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build exporter %q: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("tracing: build resource: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 {
		ratio = 1.0
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(ratio)),
	)
	otel.SetTracerProvider(tp)

	return otel.Tracer(cfg.ServiceName), tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "jaeger":
		endpoint := cfg.JaegerEndpoint
		if endpoint == "" {
			endpoint = "http://localhost:14268/api/traces"
		}
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4317"
		}
		return otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("tracing: unknown exporter %q", cfg.Exporter)
	}
}

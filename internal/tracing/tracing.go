// Package tracing configures the OpenTelemetry tracer used for stage spans.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/sells-group/postconvo/internal/config"
)

// InstrumentationName is the tracer name used by the pipeline.
const InstrumentationName = "github.com/sells-group/postconvo/internal/pipeline"

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// Setup builds the tracer provider described by cfg and installs it as the
// global provider. A disabled config installs a no-op provider.
func Setup(cfg config.TracingConfig) (trace.TracerProvider, ShutdownFunc) {
	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return tp, func(context.Context) error { return nil }
	}

	name := cfg.ServiceName
	if name == "" {
		name = "postconvo"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
	}
	if cfg.LogSpans {
		opts = append(opts, sdktrace.WithSyncer(NewZapExporter(zap.L())))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)

	zap.L().Info("tracing enabled",
		zap.String("service", name),
		zap.Float64("sample_ratio", ratio),
		zap.Bool("log_spans", cfg.LogSpans),
	)
	return tp, tp.Shutdown
}

// Tracer returns the pipeline tracer from tp, or from the global provider
// when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(InstrumentationName)
}

package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sells-group/postconvo/internal/config"
)

func TestSetup_Disabled(t *testing.T) {
	tp, shutdown := Setup(config.TracingConfig{Enabled: false})
	require.NotNil(t, tp)
	assert.NoError(t, shutdown(context.Background()))

	_, span := Tracer(tp).Start(context.Background(), "stage.test")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestSetup_Enabled(t *testing.T) {
	tp, shutdown := Setup(config.TracingConfig{Enabled: true, ServiceName: "postconvo-test", SampleRatio: 1})
	defer func() { assert.NoError(t, shutdown(context.Background())) }()

	_, span := Tracer(tp).Start(context.Background(), "stage.test")
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
	span.End()
}

func TestTracer_GlobalFallback(t *testing.T) {
	assert.NotNil(t, Tracer(nil))
}

func TestZapExporter_ExportSpans(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	exp := NewZapExporter(zap.New(core))
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))

	_, span := tp.Tracer("test").Start(context.Background(), "stage.extraction")
	span.SetAttributes(attribute.String("stage.name", "extraction"), attribute.Bool("stage.critical", true))
	span.SetStatus(codes.Error, "boom")
	span.End()

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "span finished", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "stage.extraction", fields["span"])
	assert.Equal(t, "extraction", fields["stage.name"])
	assert.Equal(t, "true", fields["stage.critical"])
	assert.Equal(t, "Error", fields["status"])
	assert.Equal(t, "boom", fields["status_description"])
}

func TestZapExporter_WithRecorder(t *testing.T) {
	// The recorder and the zap exporter can run side by side on one provider.
	rec := tracetest.NewSpanRecorder()
	core, logs := observer.New(zapcore.DebugLevel)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(rec),
		sdktrace.WithSyncer(NewZapExporter(zap.New(core))),
	)

	_, span := tp.Tracer("test").Start(context.Background(), "stage.graph")
	span.End()

	assert.Len(t, rec.Ended(), 1)
	assert.Equal(t, 1, logs.Len())
}

package tracing

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// ZapExporter writes finished spans to a zap logger at debug level.
type ZapExporter struct {
	log *zap.Logger
}

// NewZapExporter creates an exporter writing to log.
func NewZapExporter(log *zap.Logger) *ZapExporter {
	if log == nil {
		log = zap.L()
	}
	return &ZapExporter{log: log}
}

// ExportSpans implements sdktrace.SpanExporter.
func (e *ZapExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []zap.Field{
			zap.String("span", s.Name()),
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		if d := s.Status().Description; d != "" {
			fields = append(fields, zap.String("status_description", d))
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.log.Debug("span finished", fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter. Sync errors on stderr are
// ignored.
func (e *ZapExporter) Shutdown(context.Context) error {
	_ = e.log.Sync()
	return nil
}

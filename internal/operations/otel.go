package operations

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lessonforge/internal/infrastructure"
)

const TracerName = "lessonforge.operations"

// OperationTracer provides OpenTelemetry instrumentation for runs and stages
type OperationTracer struct {
	tracer  trace.Tracer
	metrics *infrastructure.BusinessMetrics
}

// NewOperationTracer creates a tracer. metrics may be nil.
func NewOperationTracer(metrics *infrastructure.BusinessMetrics) *OperationTracer {
	return &OperationTracer{
		tracer:  otel.Tracer(TracerName),
		metrics: metrics,
	}
}

// TraceRun creates a span for a unit or batch run and counts it as active
func (pt *OperationTracer) TraceRun(ctx context.Context, kind, runID string) (context.Context, trace.Span) {
	ctx, span := pt.tracer.Start(ctx, fmt.Sprintf("%s.run", kind),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.kind", kind),
		),
	)
	pt.metrics.RecordActiveRun(ctx, kind, 1)
	return ctx, span
}

// EndRun closes a run span
func (pt *OperationTracer) EndRun(ctx context.Context, span trace.Span, kind string, status string) {
	pt.metrics.RecordActiveRun(ctx, kind, -1)
	span.SetAttributes(attribute.String("run.status", status))
	if status == string(UnitStatusCompleted) {
		span.SetStatus(codes.Ok, "run completed")
	} else {
		span.SetStatus(codes.Error, "run ended with status "+status)
	}
	span.End()
}

// TraceStage creates a span for one stage attempt
func (pt *OperationTracer) TraceStage(ctx context.Context, runID, stage string, attempt int) (context.Context, trace.Span) {
	return pt.tracer.Start(ctx, "stage."+stage,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("stage.id", stage),
			attribute.Int("stage.attempt", attempt),
		),
	)
}

// EndStage records the stage outcome on the span and in metrics
func (pt *OperationTracer) EndStage(ctx context.Context, span trace.Span, stage string, status StepStatus, duration time.Duration, err error) {
	span.SetAttributes(
		attribute.String("stage.status", string(status)),
		attribute.Float64("stage.duration_seconds", duration.Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "stage completed")
	}
	span.End()
	pt.metrics.RecordStage(ctx, stage, string(status), duration)
}

// Package observability wires OpenTelemetry tracing and the span helpers
// used by the turn workflow.
package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/zhouzirui/turnflow"

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Environment string
	// Writer receives exported spans; nil means stdout.
	Writer io.Writer
}

// Setup installs a global tracer provider exporting to stdout when tracing
// is enabled. The returned shutdown flushes pending spans. When disabled the
// global no-op provider stays in place.
func Setup(cfg TracingConfig) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if cfg.Writer != nil {
		opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
	}
	exporter, err := stdouttrace.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("deployment.environment", cfg.Environment),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the service tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// ExecutionAttributes returns the attributes shared by workflow spans.
func ExecutionAttributes(executionID, chatID string, turn int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("execution.id", executionID),
		attribute.String("chat.id", chatID),
		attribute.Int("turn.index", turn),
	}
}

// StartExecutionSpan starts the span covering one workflow execution.
func StartExecutionSpan(ctx context.Context, executionID, chatID string, turn int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.execute",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(ExecutionAttributes(executionID, chatID, turn)...),
	)
}

// StartStepSpan starts the span of one workflow step.
func StartStepSpan(ctx context.Context, step string, resumed bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "workflow.step."+step,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("step.name", step),
			attribute.Bool("step.resumed", resumed),
		),
	)
}

// RecordError marks span as failed.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// AddRetryEvent records a retried store operation.
func AddRetryEvent(span trace.Span, op string, attempt int, reason string) {
	span.AddEvent("retry",
		trace.WithAttributes(
			attribute.String("retry.op", op),
			attribute.Int("retry.attempt", attempt),
			attribute.String("retry.reason", reason),
		),
	)
}

// AddStatusTransition records a chat status change.
func AddStatusTransition(span trace.Span, from, to string) {
	span.AddEvent("status.transition",
		trace.WithAttributes(
			attribute.String("status.from", from),
			attribute.String("status.to", to),
		),
	)
}

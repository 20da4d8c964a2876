package observer

import (
	"context"
	"encoding/json"
	"time"

	ensemble "github.com/ensembleai/ensemble"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedEndpoint wraps an ensemble.Endpoint with OTEL instrumentation.
type ObservedEndpoint struct {
	inner ensemble.Endpoint
	inst  *Instruments
}

// WrapEndpoint returns an instrumented endpoint.
func WrapEndpoint(inner ensemble.Endpoint, inst *Instruments) *ObservedEndpoint {
	return &ObservedEndpoint{inner: inner, inst: inst}
}

func (o *ObservedEndpoint) Specs() []ensemble.ToolSpec {
	return o.inner.Specs()
}

func (o *ObservedEndpoint) Call(ctx context.Context, name string, args json.RawMessage, ic ensemble.InvocationContext) (string, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "tool.call", trace.WithAttributes(
		AttrToolName.String(name),
	))
	defer span.End()
	start := time.Now()

	content, err := o.inner.Call(ctx, name, args, ic)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrToolStatus.String(status),
		AttrToolResultLength.Int(len(content)),
	)

	o.inst.ToolInvocations.Add(ctx, 1, metric.WithAttributes(
		AttrToolName.String(name),
		attribute.String("status", status),
	))
	o.inst.ToolDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrToolName.String(name),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("tool invoked"))
	rec.AddAttributes(
		otellog.String("tool.name", name),
		otellog.String("tool.status", status),
		otellog.Int("tool.result_length", len(content)),
		otellog.Float64("tool.duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return content, err
}

var _ ensemble.Endpoint = (*ObservedEndpoint)(nil)

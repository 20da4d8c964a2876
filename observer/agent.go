package observer

import (
	"context"
	"time"

	ensemble "github.com/ensembleai/ensemble"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ObservedAgent wraps any Agent to emit OTEL lifecycle spans, metrics, and
// logs. The wrapper creates a parent span for each Answer call that contains
// all inner operations (LLM calls, tool invocations) as child spans via
// context propagation.
type ObservedAgent struct {
	inner ensemble.Agent
	inst  *Instruments
}

// WrapAgent returns an instrumented Agent that emits lifecycle telemetry.
func WrapAgent(inner ensemble.Agent, inst *Instruments) *ObservedAgent {
	return &ObservedAgent{inner: inner, inst: inst}
}

func (o *ObservedAgent) Describe() ensemble.Descriptor { return o.inner.Describe() }
func (o *ObservedAgent) Tools() []ensemble.ToolSpec    { return o.inner.Tools() }
func (o *ObservedAgent) CanHandle(tool string) bool    { return o.inner.CanHandle(tool) }

// Answer wraps the inner agent's Answer, emitting an agent.answer span that
// serves as the parent for all inner operations.
func (o *ObservedAgent) Answer(ctx context.Context, req ensemble.AnswerRequest) (ensemble.Message, error) {
	desc := o.inner.Describe()

	ctx, span := o.inst.Tracer.Start(ctx, "agent.answer", trace.WithAttributes(
		AttrAgentID.String(desc.ID),
		AttrAgentName.String(desc.Name),
		AttrSessionID.String(req.Invocation.SessionID),
	))
	defer span.End()
	start := time.Now()

	span.AddEvent("agent.started")

	msg, err := o.inner.Answer(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"

	if ctx.Err() != nil && err != nil {
		status = "cancelled"
		span.AddEvent("agent.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	} else if err != nil {
		status = "error"
		span.AddEvent("agent.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.AddEvent("agent.completed")
	}

	span.SetAttributes(AttrAgentStatus.String(status))

	// Metrics
	o.inst.AgentAnswers.Add(ctx, 1, metric.WithAttributes(
		AttrAgentID.String(desc.ID),
		attribute.String("status", status),
	))
	o.inst.AgentDuration.Record(ctx, durationMs, metric.WithAttributes(
		AttrAgentID.String(desc.ID),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("agent answer completed"))
	rec.AddAttributes(
		otellog.String("agent.id", desc.ID),
		otellog.String("agent.name", desc.Name),
		otellog.String("agent.status", status),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)

	return msg, err
}

// compile-time check
var _ ensemble.Agent = (*ObservedAgent)(nil)

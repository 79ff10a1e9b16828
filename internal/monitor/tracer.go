package monitor

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "browser-test-orchestrator"

// Tracer starts lifecycle spans on the global provider. Spans are no-ops
// until NewTracerProvider installs one.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartSpan opens the span "orchestrator.<op>".
func (t *Tracer) StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "orchestrator."+op, trace.WithAttributes(attrs...))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

var (
	AttrExecID     = attribute.Key("orchestrator.execution.id")
	AttrTestCaseID = attribute.Key("orchestrator.testcase.id")
	AttrStatus     = attribute.Key("orchestrator.status")
	AttrSteps      = attribute.Key("orchestrator.steps")
	AttrDurationMS = attribute.Key("orchestrator.duration_ms")
	AttrDuplicate  = attribute.Key("orchestrator.duplicate")
)

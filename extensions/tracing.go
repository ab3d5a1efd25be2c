package extensions

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/reflowlabs/reflow"
)

// Tracing opens a span around every operation. Span names follow
// "<kind>.<executor-or-flow-name>".
type Tracing struct {
	reflow.BaseExtension
	tracer trace.Tracer
}

// NewTracing creates a tracing extension. With a nil tracer the globally
// registered provider is used.
func NewTracing(tracer trace.Tracer) *Tracing {
	if tracer == nil {
		tracer = otel.Tracer("reflow")
	}
	return &Tracing{
		BaseExtension: reflow.NewBaseExtension("tracing"),
		tracer:        tracer,
	}
}

// Order places tracing outside the default extensions so spans cover
// their work too.
func (e *Tracing) Order() int { return 10 }

func (e *Tracing) Wrap(ctx context.Context, next func() (any, error), op *reflow.Operation) (any, error) {
	name := string(op.Kind) + "." + op.OperationName()
	attrs := []attribute.KeyValue{
		attribute.String("reflow.op", string(op.Kind)),
		attribute.String("reflow.name", op.OperationName()),
	}
	if op.Kind == reflow.OpExecution {
		attrs = append(attrs, attribute.String("reflow.target", string(op.Target)))
		if op.JournalKey != "" {
			attrs = append(attrs, attribute.String("reflow.journal_key", op.JournalKey))
		}
		if op.Exec != nil {
			attrs = append(attrs,
				attribute.String("reflow.exec_id", op.Exec.ID()),
				attribute.Int("reflow.depth", op.Exec.Depth()),
			)
		}
	}
	_, span := e.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
	defer span.End()

	result, err := next()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

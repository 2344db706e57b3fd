// Package telemetry wraps go.opentelemetry.io/otel span creation for the
// executor's per-node dispatch, so a run can be traced end to end when a
// TracerProvider is wired in. None of the teacher's surviving source
// covers tracing directly (the retrieved slice of dagu-org-dagu never
// reaches its instrumentation call sites), so this package is built
// straight from the otel/otel-trace APIs declared in go.mod, using the
// span-per-unit-of-work shape common to every otel integration: start a
// span scoped to the operation, set result attributes, End it via defer.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName identifies this package's spans in exported traces.
const tracerName = "github.com/dagucloud/pipeline/internal/executor"

// Tracer returns the module-wide tracer, sourced from whatever
// TracerProvider is registered globally (otel.SetTracerProvider). With no
// provider registered, otel's no-op tracer is returned and spans are free.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartStageSpan starts a span for one node's stage.process invocation,
// tagging it with the node id, op name, and attempt number so a trace
// viewer can correlate spans with provenance records.
func StartStageSpan(ctx context.Context, nodeID, opName string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stage.process",
		trace.WithAttributes(
			attribute.String("node_id", nodeID),
			attribute.String("op_name", opName),
			attribute.Int("attempt", attempt),
		),
	)
}

// EndStageSpan records the outcome of a stage.process invocation on span
// and closes it. Call via defer immediately after StartStageSpan.
func EndStageSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestEndStageSpan_EndsSpanOnSuccess(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	tracer := tp.Tracer(tracerName)
	ctx, span := tracer.Start(context.Background(), "stage.process")
	_ = ctx
	EndStageSpan(span, nil)

	require.NoError(t, tp.Shutdown(context.Background()))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "stage.process", spans[0].Name())
}

func TestEndStageSpan_RecordsErrorStatus(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	tracer := tp.Tracer(tracerName)
	_, span := tracer.Start(context.Background(), "stage.process")
	EndStageSpan(span, errors.New("boom"))

	require.NoError(t, tp.Shutdown(context.Background()))
	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "boom", spans[0].Status().Description)
}

func TestStartStageSpan_UsesNoOpTracerWithoutProvider(t *testing.T) {
	ctx, span := StartStageSpan(context.Background(), "node-a", "train", 1)
	assert.NotNil(t, ctx)
	EndStageSpan(span, nil)
}

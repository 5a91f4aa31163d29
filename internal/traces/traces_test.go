package traces

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Version: "test", SampleRatio: 1}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestStartSpanAndEnd(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "transfer.screen", ActorID("acct_1"), Currency("USD"))
	span.SetAttributes(RiskScore(0.71), CacheHit(false), Generation(3))
	End(span, nil)

	_, failed := StartSpan(context.Background(), "transfer.settle")
	End(failed, errors.New("store down"))

	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "transfer.screen", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), ActorID("acct_1"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("risk.model_generation", 3))
	assert.Equal(t, codes.Unset, spans[0].Status().Code)

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "store down", spans[1].Status().Description)
}

func TestSampler(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	never := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec), sdktrace.WithSampler(Sampler(0)))
	always := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec), sdktrace.WithSampler(Sampler(1)))

	_, dropped := never.Tracer("t").Start(context.Background(), "deposit")
	dropped.End()
	assert.Empty(t, rec.Ended())

	ctx, parent := always.Tracer("t").Start(context.Background(), "transfer")
	_, child := never.Tracer("t").Start(ctx, "transfer.settle")
	child.End()
	parent.End()
	assert.Len(t, rec.Ended(), 2, "child follows the sampled parent")
}

// Package traces wires OpenTelemetry spans around transfer stages (rate
// lookup, screening, settlement) and model retrains.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName  = "github.com/mbd888/walletguard"
	serviceName = "walletguard"
)

// Options configures Init.
type Options struct {
	Endpoint    string  // OTLP gRPC endpoint; empty disables export
	Version     string  // service.version resource attribute
	SampleRatio float64 // fraction of new root traces kept, in [0, 1]
}

// Init installs a batching OTLP tracer provider and W3C trace-context
// propagation. Without an endpoint it leaves the global no-op provider in
// place. The returned func flushes and stops the exporter.
func Init(ctx context.Context, opts Options, logger *slog.Logger) (func(context.Context) error, error) {
	if opts.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(opts.Version),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	logger.Info("tracing enabled", "endpoint", opts.Endpoint, "sample_ratio", opts.SampleRatio)
	return tp.Shutdown, nil
}

// Sampler keeps ratio of new root traces and follows the parent's decision
// for propagated ones.
func Sampler(ratio float64) sdktrace.Sampler {
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// StartSpan starts an internal span named name.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func ActorID(id string) attribute.KeyValue { return attribute.String("actor.id", id) }
func RecipientID(id string) attribute.KeyValue { return attribute.String("recipient.id", id) }
func TransactionID(id string) attribute.KeyValue { return attribute.String("transaction.id", id) }
func Amount(amount string) attribute.KeyValue { return attribute.String("transfer.amount", amount) }
func Currency(code string) attribute.KeyValue { return attribute.String("transfer.currency", code) }
func Outcome(o string) attribute.KeyValue { return attribute.String("transfer.outcome", o) }

func Verdict(v string) attribute.KeyValue { return attribute.String("risk.verdict", v) }
func RiskScore(s float64) attribute.KeyValue { return attribute.Float64("risk.score", s) }
func CacheHit(hit bool) attribute.KeyValue { return attribute.Bool("risk.cache_hit", hit) }
func Generation(g uint64) attribute.KeyValue { return attribute.Int64("risk.model_generation", int64(g)) }
func TrainingSize(n int) attribute.KeyValue { return attribute.Int("risk.training_size", n) }

// Package traces wires OpenTelemetry spans around escrow, dispute and custody
// operations.
package traces

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
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
	instrumentation = "github.com/mbd888/holdfast"
	serviceName     = "holdfast"
)

// Span attribute keys.
const (
	KeyEscrow    = attribute.Key("holdfast.escrow.id")
	KeyDispute   = attribute.Key("holdfast.dispute.id")
	KeyParty     = attribute.Key("holdfast.party.id")
	KeyChain     = attribute.Key("holdfast.chain")
	KeyAmount    = attribute.Key("holdfast.amount")
	KeyReference = attribute.Key("holdfast.custody.reference")
)

// Init installs an OTLP/gRPC tracer provider and W3C trace-context
// propagation. An empty endpoint leaves the global no-op provider in place.
// The returned func flushes pending spans.
func Init(ctx context.Context, endpoint string, logger *slog.Logger) (func(context.Context) error, error) {
	if endpoint == "" {
		logger.Info("tracing disabled", "reason", "no OTLP endpoint")
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(sdktrace.WithResource(res), sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	logger.Info("tracing enabled", "endpoint", endpoint)
	return provider.Shutdown, nil
}

// StartSpan opens a span named op tagged with attrs.
func StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation).Start(ctx, op, trace.WithAttributes(attrs...))
}

// End marks the span failed when err is set, then ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func EscrowID(id string) attribute.KeyValue   { return KeyEscrow.String(id) }
func DisputeID(id string) attribute.KeyValue  { return KeyDispute.String(id) }
func PartyID(id string) attribute.KeyValue    { return KeyParty.String(id) }
func Chain(chain string) attribute.KeyValue   { return KeyChain.String(chain) }
func Reference(ref string) attribute.KeyValue { return KeyReference.String(ref) }

// Amount records a money value as its exact decimal string.
func Amount(amount decimal.Decimal) attribute.KeyValue {
	return KeyAmount.String(amount.StringFixed(2))
}

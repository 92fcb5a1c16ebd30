// Package tracing bridges the bus to OpenTelemetry: W3C trace context travels in message
// attributes and every handled message is recorded as a consumer span.
package tracing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	cbus "github.com/next-trace/scg-bus-runtime/contract/bus"
	"github.com/next-trace/scg-bus-runtime/dispatcher"
)

const instrumentationName = "github.com/next-trace/scg-bus-runtime/tracing"

// Propagator implements cbus.HeaderPropagator and cbus.HeaderExtractor with an
// OpenTelemetry text map propagator.
type Propagator struct {
	tm propagation.TextMapPropagator
}

var (
	_ cbus.HeaderPropagator = Propagator{}
	_ cbus.HeaderExtractor  = Propagator{}
)

// NewPropagator wraps tm. A nil tm uses the global propagator.
func NewPropagator(tm propagation.TextMapPropagator) Propagator {
	if tm == nil {
		tm = otel.GetTextMapPropagator()
	}

	return Propagator{tm: tm}
}

func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	p.tm.Inject(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.tm.Extract(ctx, propagation.MapCarrier(headers))
}

// Observer records one span per delivery, from claim to resolve.
type Observer struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

var _ dispatcher.Observer = (*Observer)(nil)

// NewObserver uses tp, or the global provider when tp is nil.
func NewObserver(tp trace.TracerProvider) *Observer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}

	return &Observer{
		tracer: tp.Tracer(instrumentationName),
		spans:  make(map[string]trace.Span),
	}
}

func spanKey(env cbus.Envelope) string {
	return env.ID + "#" + strconv.Itoa(env.SeenCount)
}

func (o *Observer) OnClaimed(ctx context.Context, env cbus.Envelope) {
	_, span := o.tracer.Start(ctx, "process "+env.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.operation", "process"),
			attribute.String("messaging.message.id", env.ID),
			attribute.String("messaging.message.conversation_id", env.Attributes.CorrelationID),
			attribute.String("bus.message.name", env.Name),
			attribute.Int("bus.message.seen_count", env.SeenCount),
		),
	)

	o.mu.Lock()
	o.spans[spanKey(env)] = span
	o.mu.Unlock()
}

func (o *Observer) OnResolved(_ context.Context, env cbus.Envelope, outcome dispatcher.Outcome, err error, _ time.Duration) {
	key := spanKey(env)

	o.mu.Lock()
	span, ok := o.spans[key]
	delete(o.spans, key)
	o.mu.Unlock()

	if !ok {
		return
	}

	span.SetAttributes(attribute.String("bus.outcome", outcome.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

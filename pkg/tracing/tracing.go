package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName     = "meshcall"
	serviceVersion = "0.1.0"
)

type Config struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	JaegerURL   string  `yaml:"jaeger_url"`
	Environment string  `yaml:"environment"`
	SampleRate  float64 `yaml:"sample_rate"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "meshcall",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// TracerProvider owns the exporter pipeline installed by Init. The zero
// value, returned when tracing is disabled, shuts down as a no-op and leaves
// the global no-op tracer in place.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

// Init installs a Jaeger-backed provider and W3C propagation as the otel
// globals.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.ParentBased(tracesdk.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &TracerProvider{tp: tp}, nil
}

// Shutdown flushes buffered spans.
func (p *TracerProvider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// RecordError marks the span in ctx as failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetStatus(code, description)
	}
}

// MeasureDuration tags the span in ctx with the elapsed milliseconds of op.
func MeasureDuration(ctx context.Context, start time.Time, op string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("operation", op),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}

var (
	RoomIDKey     = attribute.Key("room.id")
	RemoteIDKey   = attribute.Key("peer.remote_id")
	UserIDKey     = attribute.Key("user.id")
	SignalKindKey = attribute.Key("signal.kind")
	DurationKey   = attribute.Key("duration_ms")
)

func TraceHTTPRequest(ctx context.Context, method, route string) (context.Context, trace.Span) {
	return StartSpan(ctx, "http."+method, trace.WithAttributes(
		semconv.HTTPMethodKey.String(method),
		semconv.HTTPRouteKey.String(route),
	))
}

// TraceWebSocketMessage covers one view snapshot pushed to a websocket client.
func TraceWebSocketMessage(ctx context.Context, messageType, userID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "websocket."+messageType, trace.WithAttributes(
		attribute.String("websocket.message_type", messageType),
		UserIDKey.String(userID),
	))
}

// TraceWebRTC covers one negotiation step (offer, answer, apply) with a
// remote participant.
func TraceWebRTC(ctx context.Context, step, remoteID, roomID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "webrtc."+step, trace.WithAttributes(
		attribute.String("webrtc.step", step),
		RemoteIDKey.String(remoteID),
		RoomIDKey.String(roomID),
	))
}

func TraceSignal(ctx context.Context, direction, kind, roomID string) (context.Context, trace.Span) {
	return StartSpan(ctx, "signal."+direction, trace.WithAttributes(
		SignalKindKey.String(kind),
		RoomIDKey.String(roomID),
	))
}

// TraceStoreOperation covers one roster or room store call.
func TraceStoreOperation(ctx context.Context, op, store string) (context.Context, trace.Span) {
	return StartSpan(ctx, "store."+op, trace.WithAttributes(
		attribute.String("store.operation", op),
		attribute.String("store.name", store),
	))
}

// Package tracing wires the OTLP exporter and gives pool code a few span
// helpers with the attribute names dashboards key on.
package tracing

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"dyno-go/internal/config"
	"dyno-go/internal/constants"
	"dyno-go/internal/logging"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentation = "dyno-go"

// Span attribute keys.
const (
	AttrPool         = attribute.Key("dyno.pool")
	AttrHost         = attribute.Key("dyno.host")
	AttrOperation    = attribute.Key("dyno.operation")
	AttrAttempts     = attribute.Key("dyno.attempts")
	AttrConnectionID = attribute.Key("dyno.connection_id")
	AttrErrorKind    = attribute.Key("dyno.error_kind")
)

// Init installs a batching OTLP/gRPC tracer provider when tracing is enabled
// and an endpoint is known from cfg or OTEL_EXPORTER_OTLP_ENDPOINT. The
// returned shutdown flushes pending spans; it is a no-op when tracing is off.
func Init(ctx context.Context, cfg config.TracingConfig) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	}
	if !cfg.Enabled || endpoint == "" {
		return noop, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return noop, fmt.Errorf("otlp exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(serviceAttrs(cfg)...),
		resource.WithProcess(),
		resource.WithFromEnv(),
	)
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return noop, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(cfg.SampleRatio)))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func serviceAttrs(cfg config.TracingConfig) []attribute.KeyValue {
	service := cfg.ServiceName
	if service == "" {
		service = instrumentation
	}
	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "unknown"
	}
	return []attribute.KeyValue{
		attribute.String("service.name", service),
		attribute.String("service.version", constants.Version),
		attribute.String("service.instance.id", instance),
	}
}

// sampleRatio clamps out-of-range ratios to always-sample.
func sampleRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return 1
	}
	return r
}

// StartSpan starts a span on the tracer for component, e.g. "pool".
func StartSpan(ctx context.Context, component, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentation+"/"+component).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Finish ends span, marking it failed with the error's pool kind when err is
// not nil.
func Finish(span trace.Span, err error) {
	if err != nil {
		kind := logging.ErrorKind(err)
		span.RecordError(err)
		span.SetAttributes(AttrErrorKind.String(kind))
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}

// Package tracing sets up the process-wide OpenTelemetry provider.
package tracing

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/goclaw/recall/config"
	"github.com/goclaw/recall/pkg/logger"
	"github.com/goclaw/recall/pkg/version"
)

// Root spans with these prefixes come from the schedulers, not from requests.
var backgroundSpans = []string{"reflection.", "digest."}

// ShutdownFunc flushes and stops the provider.
type ShutdownFunc func(ctx context.Context) error

var (
	reportExportFailure = func(err error, endpoint string, spans int) {
		logger.Warn("trace export failing", "error", err, "endpoint", endpoint, "span_count", spans)
	}
	reportExportRecovered = func(endpoint string) {
		logger.Info("trace export recovered", "endpoint", endpoint)
	}
)

var newOTLPExporter = func(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(collectorHost(cfg.Endpoint)),
		otlptracegrpc.WithTimeout(cfg.Timeout),
		otlptracegrpc.WithInsecure(),
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// quietExporter never fails the batcher. An outage is logged once when it
// starts and once when it ends.
type quietExporter struct {
	sdktrace.SpanExporter
	endpoint string
	failing  atomic.Bool
}

func (e *quietExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := e.SpanExporter.ExportSpans(ctx, spans); err != nil {
		if !e.failing.Swap(true) {
			reportExportFailure(err, e.endpoint, len(spans))
		}
		return nil
	}
	if e.failing.Swap(false) {
		reportExportRecovered(e.endpoint)
	}
	return nil
}

// Init installs the tracer provider and the W3C propagators. With tracing
// disabled a no-op provider is installed, but trace context still flows
// through inbound requests and outbound webhooks.
func Init(ctx context.Context, cfg *config.Config) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	tc := cfg.Tracing
	if !tc.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	if collectorHost(tc.Endpoint) == "" {
		return nil, fmt.Errorf("tracing endpoint cannot be empty")
	}
	if tc.Timeout <= 0 {
		return nil, fmt.Errorf("tracing timeout must be > 0")
	}

	exp, err := newOTLPExporter(ctx, tc)
	if err != nil {
		return nil, fmt.Errorf("create tracing exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.App.Name),
		semconv.ServiceVersion(version.Version),
		attribute.String("deployment.environment.name", cfg.App.Environment),
		attribute.String("recall.assistant_id", cfg.Reflection.AssistantID),
	))
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, fmt.Errorf("create tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(&quietExporter{SpanExporter: exp, endpoint: collectorHost(tc.Endpoint)}),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(selectSampler(tc)),
	)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		if err := tp.ForceFlush(ctx); err != nil {
			_ = tp.Shutdown(ctx)
			return fmt.Errorf("flush tracing provider: %w", err)
		}
		if err := tp.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracing provider: %w", err)
		}
		return nil
	}, nil
}

func selectSampler(cfg config.TracingConfig) sdktrace.Sampler {
	switch strings.ToLower(strings.TrimSpace(cfg.Sampler)) {
	case "always_on":
		return sdktrace.AlwaysSample()
	case "always_off":
		return sdktrace.NeverSample()
	default:
		return backgroundSampler{base: sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))}
	}
}

// backgroundSampler keeps every scheduled reflection cycle and digest run.
// They fire a few times a day, so ratio sampling would lose most of them.
type backgroundSampler struct {
	base sdktrace.Sampler
}

func (s backgroundSampler) ShouldSample(p sdktrace.SamplingParameters) sdktrace.SamplingResult {
	parent := trace.SpanContextFromContext(p.ParentContext)
	if !parent.IsValid() && isBackground(p.Name) {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample, Tracestate: parent.TraceState()}
	}
	return s.base.ShouldSample(p)
}

func (s backgroundSampler) Description() string {
	return "Background{" + s.base.Description() + "}"
}

func isBackground(name string) bool {
	for _, prefix := range backgroundSpans {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// collectorHost accepts either host:port or a URL.
func collectorHost(endpoint string) string {
	raw := strings.TrimSpace(endpoint)
	if !strings.Contains(raw, "://") {
		return raw
	}
	if u, err := url.Parse(raw); err == nil && u.Host != "" {
		return u.Host
	}
	return raw
}

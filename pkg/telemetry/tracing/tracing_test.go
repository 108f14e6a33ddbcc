package tracing

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/goclaw/recall/config"
)

type recordingExporter struct {
	fail     atomic.Bool
	exported atomic.Int32
	names    chan string
	shutdown atomic.Bool
}

func newRecordingExporter() *recordingExporter {
	return &recordingExporter{names: make(chan string, 64)}
}

func (e *recordingExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.fail.Load() {
		return errors.New("collector unavailable")
	}
	for _, s := range spans {
		e.exported.Add(1)
		e.names <- s.Name()
	}
	return nil
}

func (e *recordingExporter) Shutdown(context.Context) error {
	e.shutdown.Store(true)
	return nil
}

func useExporter(t *testing.T, exp sdktrace.SpanExporter) {
	t.Helper()
	orig := newOTLPExporter
	prevProvider := otel.GetTracerProvider()
	prevPropagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		newOTLPExporter = orig
		otel.SetTracerProvider(prevProvider)
		otel.SetTextMapPropagator(prevPropagator)
	})
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		return exp, nil
	}
}

func tracingConfig(sampler string, rate float64) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Tracing = config.TracingConfig{
		Enabled:    true,
		Exporter:   "otlp",
		Endpoint:   "http://collector:4317/v1/traces",
		Timeout:    time.Second,
		Sampler:    sampler,
		SampleRate: rate,
	}
	return cfg
}

func TestInit_DisabledKeepsPropagation(t *testing.T) {
	called := false
	useExporter(t, nil)
	newOTLPExporter = func(context.Context, config.TracingConfig) (sdktrace.SpanExporter, error) {
		called = true
		return nil, nil
	}

	shutdown, err := Init(context.Background(), config.DefaultConfig())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if called {
		t.Fatal("exporter created with tracing disabled")
	}

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(trace.ContextWithSpanContext(context.Background(), sc), carrier)
	if !strings.Contains(carrier.Get("traceparent"), sc.TraceID().String()) {
		t.Fatalf("traceparent = %q", carrier.Get("traceparent"))
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInit_RequiresEndpoint(t *testing.T) {
	cfg := tracingConfig("always_on", 1)
	cfg.Tracing.Endpoint = " "
	if _, err := Init(context.Background(), cfg); err == nil || !strings.Contains(err.Error(), "endpoint") {
		t.Fatalf("Init() error = %v, want endpoint error", err)
	}
}

func TestInit_ScheduledSpansSurviveRatioSampling(t *testing.T) {
	exp := newRecordingExporter()
	useExporter(t, exp)

	shutdown, err := Init(context.Background(), tracingConfig("parentbased_traceidratio", 0))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	tracer := otel.Tracer("test")
	for _, name := range []string{"reflection.cycle", "digest.run", "GET /api/v1/memory/counts"} {
		_, span := tracer.Start(context.Background(), name)
		span.End()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
	if !exp.shutdown.Load() {
		t.Fatal("exporter not shut down")
	}

	close(exp.names)
	var got []string
	for n := range exp.names {
		got = append(got, n)
	}
	if len(got) != 2 || got[0] != "reflection.cycle" || got[1] != "digest.run" {
		t.Fatalf("exported = %v, want only the scheduled spans", got)
	}
}

func TestQuietExporter_ReportsOutageOnce(t *testing.T) {
	origFail, origOK := reportExportFailure, reportExportRecovered
	t.Cleanup(func() { reportExportFailure, reportExportRecovered = origFail, origOK })

	var failures, recoveries int
	reportExportFailure = func(err error, endpoint string, spans int) {
		failures++
		if err == nil || endpoint != "collector:4317" || spans != 1 {
			t.Errorf("report(%v, %q, %d)", err, endpoint, spans)
		}
	}
	reportExportRecovered = func(string) { recoveries++ }

	inner := newRecordingExporter()
	exp := &quietExporter{SpanExporter: inner, endpoint: "collector:4317"}
	batch := make([]sdktrace.ReadOnlySpan, 1)

	inner.fail.Store(true)
	for range 3 {
		if err := exp.ExportSpans(context.Background(), batch); err != nil {
			t.Fatalf("ExportSpans() error = %v", err)
		}
	}
	if failures != 1 {
		t.Fatalf("failures reported = %d, want 1", failures)
	}

	inner.fail.Store(false)
	_ = exp.ExportSpans(context.Background(), nil)
	_ = exp.ExportSpans(context.Background(), nil)
	if recoveries != 1 {
		t.Fatalf("recoveries reported = %d, want 1", recoveries)
	}

	inner.fail.Store(true)
	_ = exp.ExportSpans(context.Background(), batch)
	if failures != 2 {
		t.Fatalf("second outage not reported: failures = %d", failures)
	}
}

func TestShutdown_Bounded(t *testing.T) {
	useExporter(t, blockingExporter{})

	shutdown, err := Init(context.Background(), tracingConfig("always_on", 1))
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := shutdown(ctx); err == nil {
		t.Fatal("expected shutdown to report the deadline")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took %v", elapsed)
	}
}

type blockingExporter struct{}

func (blockingExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }

func (blockingExporter) Shutdown(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestSelectSampler(t *testing.T) {
	tests := []struct {
		sampler string
		want    string
	}{
		{"always_on", "AlwaysOnSampler"},
		{"always_off", "AlwaysOffSampler"},
		{"parentbased_traceidratio", "Background{ParentBased"},
	}
	for _, tt := range tests {
		if got := selectSampler(config.TracingConfig{Sampler: tt.sampler, SampleRate: 0.25}).Description(); !strings.Contains(got, tt.want) {
			t.Errorf("%s: description = %q, want %q", tt.sampler, got, tt.want)
		}
	}
}

func TestCollectorHost(t *testing.T) {
	for in, want := range map[string]string{
		"localhost:4317":                  "localhost:4317",
		"http://localhost:4317/v1/traces": "localhost:4317",
		"":                                "",
	} {
		if got := collectorHost(in); got != want {
			t.Errorf("collectorHost(%q) = %q, want %q", in, got, want)
		}
	}
}

package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/jllopis/crew/pkg/core"
	cerrors "github.com/jllopis/crew/pkg/errors"
)

func TestInitNone(t *testing.T) {
	shutdown, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: "none"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitStdout(t *testing.T) {
	shutdown, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInitPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	shutdown, err := InitWithConfig("test-service", "v0.0.1", Config{Exporter: "prometheus", Registerer: reg})
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	m, err := NewPipelineMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewPipelineMetrics failed: %v", err)
	}
	m.RecordAttempt(context.Background(), "Writer", "llama2:13b", 10*time.Millisecond, nil)

	rec := httptest.NewRecorder()
	MetricsHandler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "crew_step_attempts") {
		t.Fatalf("scrape missing step attempts:\n%s", rec.Body.String())
	}
}

func TestInitRejectsBadConfig(t *testing.T) {
	if _, err := InitWithConfig("svc", "v", Config{Exporter: "otlp"}); err == nil {
		t.Errorf("expected error for otlp without endpoint")
	}
	if _, err := InitWithConfig("svc", "v", Config{Exporter: "zipkin"}); err == nil {
		t.Errorf("expected error for unknown exporter")
	}
}

func TestLoggerAddsTraceAndRunID(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLeveledLogger(&buf, slog.LevelDebug, "json")

	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	ctx = core.WithRunID(ctx, "run-123")

	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid json log: %v (%s)", err, buf.String())
	}
	if rec["run_id"] != "run-123" {
		t.Errorf("expected run_id, got %v", rec["run_id"])
	}
	if rec["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("expected trace_id, got %v", rec["trace_id"])
	}
	if rec["span_id"] == nil {
		t.Errorf("expected span_id")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogEmitterLevels(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(NewLeveledLogger(&buf, slog.LevelWarn, "text"))

	emitter.Emit(context.Background(), core.NewEvent(core.EventStepStarted, "run-1", "CEO", 0, nil))
	if buf.Len() != 0 {
		t.Errorf("expected debug event to be filtered at warn level, got %q", buf.String())
	}

	emitter.Emit(context.Background(), core.NewEvent(core.EventStepRetry, "run-1", "Researcher", 2,
		map[string]any{"attempt": 1}))
	out := buf.String()
	for _, want := range []string{"event=step.retry", "role=Researcher", "step=2", "attempt=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("log %q missing %q", out, want)
		}
	}
}

func TestPipelineMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	m, err := NewPipelineMetrics(provider)
	if err != nil {
		t.Fatalf("NewPipelineMetrics failed: %v", err)
	}
	ctx := context.Background()
	m.RecordAttempt(ctx, "CEO", "llama2:1b", 15*time.Millisecond, nil)
	m.RecordAttempt(ctx, "CEO", "llama2:1b", 5*time.Millisecond, errors.New("boom"))
	m.RecordRun(ctx, nil)
	m.RecordRun(ctx, cerrors.New(cerrors.CodeContextLost, "gone", nil))
	m.InflightAdd(ctx, 1)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("collect failed: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if data, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[metric.Name] += dp.Value
				}
			}
		}
	}
	if sums["crew.step.attempts"] != 2 {
		t.Errorf("expected 2 attempts, got %d", sums["crew.step.attempts"])
	}
	if sums["crew.pipeline.runs"] != 2 {
		t.Errorf("expected 2 runs, got %d", sums["crew.pipeline.runs"])
	}
	if sums["crew.gateway.inflight"] != 1 {
		t.Errorf("expected 1 inflight, got %d", sums["crew.gateway.inflight"])
	}
}

func TestNilPipelineMetrics(t *testing.T) {
	var m *PipelineMetrics
	m.RecordRun(context.Background(), nil)
	m.RecordAttempt(context.Background(), "r", "m", time.Millisecond, nil)
	m.InflightAdd(context.Background(), 1)
}

func TestLeveledLoggerFollowsLevelVar(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger := NewLeveledLogger(&buf, &level, "text")

	logger.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %s", buf.String())
	}
	level.Set(slog.LevelDebug)
	logger.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected debug line after lowering the level, got %q", buf.String())
	}
}

func TestConfigureSlogInstallsDefault(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	ConfigureSlog(&buf, slog.LevelInfo, "text")
	slog.InfoContext(core.WithRunID(context.Background(), "run-7"), "from default")
	if !strings.Contains(buf.String(), "run_id=run-7") {
		t.Fatalf("default logger lacks run id: %q", buf.String())
	}
}

package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"warning", WarnLevel},
		{" error ", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLevel_String(t *testing.T) {
	if DebugLevel.String() != "debug" || ErrorLevel.String() != "error" {
		t.Errorf("unexpected level names")
	}
	if Level(42).String() != "unknown" {
		t.Errorf("Level(42).String() = %q", Level(42).String())
	}
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: WarnLevel, Format: "json", Writer: &buf})

	log.Info("dropped")
	log.Warn("kept", "room", "general")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"message":"kept"`) {
		t.Errorf("expected message key in output: %s", out)
	}

	log.SetLevel(DebugLevel)
	if log.GetLevel() != DebugLevel {
		t.Errorf("GetLevel() = %v, want debug", log.GetLevel())
	}
	log.Debug("now visible")
	if !strings.Contains(buf.String(), "now visible") {
		t.Errorf("debug line missing after SetLevel")
	}
}

func TestSlogLogger_WithSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	parent := New(&Config{Level: ErrorLevel, Format: "json", Writer: &buf})
	child := parent.With("component", "digest")

	parent.SetLevel(InfoLevel)
	child.Info("child line")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid json line %q: %v", buf.String(), err)
	}
	if entry["component"] != "digest" {
		t.Errorf("component = %v, want digest", entry["component"])
	}
}

func TestSlogLogger_ContextTraceFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(&Config{Level: InfoLevel, Format: "json", Writer: &buf})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	log.InfoContext(ctx, "traced")
	if !strings.Contains(buf.String(), traceID.String()) {
		t.Errorf("trace_id missing: %s", buf.String())
	}

	buf.Reset()
	log.InfoContext(context.Background(), "untraced")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace_id without span: %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	log := Nop()
	ctx := log.WithContext(context.Background())
	if FromContext(ctx) != log {
		t.Error("expected logger stored in context")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected global logger when none is attached")
	}
}

func TestSetGlobal(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	var buf bytes.Buffer
	SetGlobal(New(&Config{Level: InfoLevel, Format: "text", Writer: &buf}))
	Info("through global")
	if !strings.Contains(buf.String(), "through global") {
		t.Errorf("global logger not replaced: %q", buf.String())
	}

	SetGlobal(nil)
	if Global() == nil {
		t.Error("SetGlobal(nil) must keep the current logger")
	}
}

func TestSlogLogger_FileOutput(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "recall.log")
	log := New(&Config{Level: InfoLevel, Format: "json", Output: logFile})

	log.Info("to file", "key", "value")
	if err := log.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(content), "to file") {
		t.Errorf("log file missing line: %s", content)
	}
}

func TestOpenOutput(t *testing.T) {
	for _, output := range []string{"stdout", "stderr", "", "/nonexistent/dir/x.log"} {
		if _, closer := openOutput(output); closer != nil {
			t.Errorf("openOutput(%q) returned a closer", output)
		}
	}
}

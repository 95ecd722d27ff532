package observability

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func setupHooks(t *testing.T, enabled bool) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	shutdown, err := Setup(context.Background(), Config{Enabled: enabled}, logger)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = shutdown(context.Background()) })
	buf.Reset()
	return &buf
}

func TestSpansAndMetricsWhenEnabled(t *testing.T) {
	buf := setupHooks(t, true)

	_, finish := StartSpan(context.Background(), "http", "login")
	finish(errors.New("boom"))
	RecordMetric(context.Background(), "requests_total", 1, map[string]string{"route": "/login"})

	out := buf.String()
	if !strings.Contains(out, "span start") || !strings.Contains(out, "span end") {
		t.Fatalf("expected span records, got %q", out)
	}
	if !strings.Contains(out, "boom") {
		t.Fatalf("expected the span error in the record, got %q", out)
	}
	if !strings.Contains(out, "requests_total") {
		t.Fatalf("expected the metric record, got %q", out)
	}
}

func TestHooksAreSilentWhenDisabled(t *testing.T) {
	buf := setupHooks(t, false)

	_, finish := StartSpan(context.Background(), "http", "login")
	finish(nil)
	RecordMetric(context.Background(), "requests_total", 1, nil)

	if got := buf.String(); got != "" {
		t.Fatalf("expected no output while disabled, got %q", got)
	}
}

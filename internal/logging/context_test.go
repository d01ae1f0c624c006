package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ThreadID(ctx))
	assert.Equal(t, "", Step(ctx))
	assert.Equal(t, "", EventID(ctx))

	ctx = WithThreadID(ctx, "digest-123")
	ctx = WithStep(ctx, "confirm")
	ctx = WithEventID(ctx, "m1_event_0")

	assert.Equal(t, "digest-123", ThreadID(ctx))
	assert.Equal(t, "confirm", Step(ctx))
	assert.Equal(t, "m1_event_0", EventID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithStep(WithThreadID(context.Background(), "digest-abc"), "detect")

	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "thread_id=digest-abc")
	assert.Contains(t, output, "step=detect")
	assert.NotContains(t, output, "event_id")
	assert.Contains(t, output, "test message")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "thread_id")
	assert.Contains(t, output, "no context")
}

// --- CorrelationHandler Tests ---

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithEventID(WithThreadID(context.Background(), "digest-9"), "m2_event_1")
	logger.InfoContext(ctx, "decision received")

	output := buf.String()
	assert.Contains(t, output, `"thread_id":"digest-9"`)
	assert.Contains(t, output, `"event_id":"m2_event_1"`)
	assert.NotContains(t, output, "trace_id")
}

func TestCorrelationHandler_TraceIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.InfoContext(ctx, "step completed")

	output := buf.String()
	assert.Contains(t, output, "trace_id=4bf92f3577b34da6a3ce929d0e0e4736")
	assert.Contains(t, output, "span_id=00f067aa0ba902b7")
}

func TestCorrelationHandler_WithAttrsKeepsInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil))).With("component", "engine")

	logger.InfoContext(WithThreadID(context.Background(), "digest-1"), "hi")

	output := buf.String()
	assert.Contains(t, output, "component=engine")
	assert.Contains(t, output, "thread_id=digest-1")
}

func TestNew_LevelAndFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "warn", Format: "json", Output: &buf})

	logger.Info("hidden")
	logger.Warn("shown")

	output := buf.String()
	assert.NotContains(t, output, "hidden")
	assert.Contains(t, output, `"msg":"shown"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNew_LevelerFollowsReload(t *testing.T) {
	var buf bytes.Buffer
	lv := new(slog.LevelVar)
	lv.Set(slog.LevelWarn)
	logger := New(Options{Level: "debug", Leveler: lv, Output: &buf})

	logger.Info("before")
	lv.Set(slog.LevelInfo)
	logger.Info("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}

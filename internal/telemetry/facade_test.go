package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
)

type stubLogger struct {
	event   string
	keyvals []any
}

func (s *stubLogger) Debug(context.Context, string, ...any) {}
func (s *stubLogger) Info(_ context.Context, msg string, keyvals ...any) {
	s.event = msg
	s.keyvals = keyvals
}
func (s *stubLogger) Warn(context.Context, string, ...any)  {}
func (s *stubLogger) Error(context.Context, string, ...any) {}

type stubMetrics struct {
	counters map[string]float64
}

func (m *stubMetrics) IncCounter(name string, value float64, _ ...string) {
	if m.counters == nil {
		m.counters = map[string]float64{}
	}
	m.counters[name] += value
}
func (m *stubMetrics) RecordTimer(string, time.Duration, ...string) {}
func (m *stubMetrics) RecordGauge(string, float64, ...string)      {}

func TestFacade_Emit_LogsAndIncrementsCounter(t *testing.T) {
	logger := &stubLogger{}
	metrics := &stubMetrics{}
	f := NewFacade(logger, metrics, NewNoopTracer())

	f.Emit(context.Background(), "adapter_dispatch", map[string]any{"adapter": "mcp", "dedup": "hit"})

	require.Equal(t, "adapter_dispatch", logger.event)
	require.Len(t, logger.keyvals, 4)
	require.Equal(t, float64(1), metrics.counters["flowhost_session_events_total"])
}

func TestFacade_Emit_NilFacadeIsSafe(t *testing.T) {
	var f *Facade
	require.NotPanics(t, func() {
		f.Emit(context.Background(), "event", nil)
	})
}

func TestNoopFacade_DoesNotPanic(t *testing.T) {
	f := NewNoopFacade()
	require.NotPanics(t, func() {
		f.Emit(context.Background(), "event", map[string]any{"a": 1})
	})
}

func TestNoopTracer_StartAndSpan(t *testing.T) {
	tracer := NewNoopTracer()
	ctx, span := tracer.Start(context.Background(), "op")
	require.NotNil(t, ctx)
	span.End()
	span.AddEvent("tick")
	span.SetStatus(codes.Ok, "")
	span.RecordError(nil)
	require.NotNil(t, tracer.Span(ctx))
}

package telemetry

import "context"

// Facade composes Logger, Metrics and Tracer into the single
// session.Telemetry.Emit(ctx, event, fields) shape the session machine
// calls on each adapter dispatch (an outbox dedup hit or a finished call).
// The richer three-interface surface stays the engine's primary API for
// call sites that want a span or a counter directly (driver observers,
// adapter wrappers); Facade only adapts the narrow event-stream view the
// state machine needs.
type Facade struct {
	Logger  Logger
	Metrics Metrics
	Tracer  Tracer
}

// NewFacade composes the given backends. Pass NewNoopLogger()/etc for any
// concern not wired.
func NewFacade(l Logger, m Metrics, t Tracer) *Facade {
	return &Facade{Logger: l, Metrics: m, Tracer: t}
}

// NewClueFacade composes the Clue/OTEL-backed implementations.
func NewClueFacade() *Facade {
	return &Facade{Logger: NewClueLogger(), Metrics: NewClueMetrics(), Tracer: NewClueTracer()}
}

// NewNoopFacade composes the discarding implementations.
func NewNoopFacade() *Facade {
	return &Facade{Logger: NewNoopLogger(), Metrics: NewNoopMetrics(), Tracer: NewNoopTracer()}
}

// Emit implements session.Telemetry: it logs event at info level with
// fields flattened to keyvals, and increments the
// flowhost_session_events_total counter tagged with the event name, so
// dispatch volumes show up in metrics without a second call site in the
// session machine.
func (f *Facade) Emit(ctx context.Context, event string, fields map[string]any) {
	if f == nil {
		return
	}
	if f.Logger != nil {
		keyvals := make([]any, 0, len(fields)*2)
		for k, v := range fields {
			keyvals = append(keyvals, k, v)
		}
		f.Logger.Info(ctx, event, keyvals...)
	}
	if f.Metrics != nil {
		f.Metrics.IncCounter("flowhost_session_events_total", 1, "event", event)
	}
}

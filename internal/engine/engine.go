// Package engine abstracts the durable-execution backend behind one flow
// step's adapter-call sub-loop. The CAS-guarded session and state stores
// are the system's actual durability boundary; Engine only decides
// whether one adapter call's retry sequence runs in-process (inmem, the
// default) or is scheduled as a durable Temporal activity so the sequence
// survives a process restart mid-retry.
//
// Scaled down from a general workflow/activity registry to the one shape
// flowhost actually needs: dispatching a single named adapter call.
// Registering arbitrary workflow/activity pairs has no counterpart here
// since a TenantRuntime only ever durably executes one kind of unit of
// work.
package engine

import (
	"context"
	"encoding/json"
	"time"
)

// CallRequest names one adapter dispatch to run durably.
type CallRequest struct {
	// ID is the durable execution identifier: stable across retries of the
	// same outbox entry so a Temporal-backed engine can dedupe a restarted
	// attempt against one already in flight.
	ID        string
	Adapter   string
	Operation string
	Payload   json.RawMessage
}

// RetryPolicy bounds one durable call's attempts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Adapters is the narrow slice of session.Adapters the engine needs; it is
// redeclared here (rather than imported from internal/session) so this
// package has no dependency on the session package's wider surface.
type Adapters interface {
	Call(ctx context.Context, adapter, operation string, payload json.RawMessage) (json.RawMessage, error)
}

// Engine dispatches one adapter call under a chosen durability model.
type Engine interface {
	Call(ctx context.Context, req CallRequest) (json.RawMessage, error)
}

// Package inmem implements engine.Engine directly in-process: each call
// runs on a bounded goroutine pool with context-scoped cancellation and no
// durability beyond what the caller's own retry.Policy buys within one
// process lifetime. This is the default engine; correctness holds with
// this engine alone since the session/state stores are the real
// durability boundary.
//
// Reduced to the one operation this package needs (dispatch one adapter
// call) instead of a general workflow/activity/signal machinery.
package inmem

import (
	"context"
	"encoding/json"

	"github.com/flowforge/flowhost/internal/driver"
	"github.com/flowforge/flowhost/internal/engine"
	"github.com/flowforge/flowhost/internal/host/retry"
)

// maxInFlight bounds concurrent adapter calls in flight through one
// Engine, since this engine wraps real adapter I/O rather than pure
// in-memory test handlers.
const maxInFlight = 64

// Engine is the in-process engine.Engine implementation.
type Engine struct {
	adapters engine.Adapters
	policy   retry.Policy
	sem      chan struct{}
}

// New builds an Engine dispatching through adapters under policy.
func New(adapters engine.Adapters, policy retry.Policy) *Engine {
	return &Engine{adapters: adapters, policy: policy, sem: make(chan struct{}, maxInFlight)}
}

// Call implements engine.Engine.
func (e *Engine) Call(ctx context.Context, req engine.CallRequest) (json.RawMessage, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	var resp json.RawMessage
	err := retry.Do(ctx, e.policy, driver.IsTransient, func(ctx context.Context, _ int) error {
		r, callErr := e.adapters.Call(ctx, req.Adapter, req.Operation, req.Payload)
		if callErr != nil {
			return driver.Classify(callErr)
		}
		resp = r
		return nil
	})
	return resp, err
}

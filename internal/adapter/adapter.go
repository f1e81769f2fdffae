// Package adapter defines the Adapter contract mcp.exec nodes dispatch
// through and a name-keyed Registry implementing
// session.Adapters.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/flowforge/flowhost/internal/errs"
)

// Adapter performs one named side-effectful operation. Call is
// synchronous from the caller's point of view; implementations MAY fail
// with an error whose text carries "transient"/"unavailable"/"internal" to
// mark it retriable.
type Adapter interface {
	Call(ctx context.Context, operation string, payload json.RawMessage) (json.RawMessage, error)
}

// Registry resolves adapters by name and implements session.Adapters. An
// optional per-name rate.Limiter bounds how often a single adapter can be
// dispatched, independent of the flow-level egress-node count bound that
// shapes the plan itself.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	limiters map[string]*rate.Limiter
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter), limiters: make(map[string]*rate.Limiter)}
}

// Register installs adapter under name, replacing any existing entry.
func (r *Registry) Register(name string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

// SetRateLimit bounds adapter name to rps calls per second with the given
// burst, replacing any previously configured limit. A zero rps removes the
// limit. This is a static token bucket rather than an adaptive one: an
// MCP/Wasm side effect has no common backpressure signal to adapt to.
func (r *Registry) SetRateLimit(name string, rps float64, burst int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rps <= 0 {
		delete(r.limiters, name)
		return
	}
	r.limiters[name] = rate.NewLimiter(rate.Limit(rps), burst)
}

// Call implements session.Adapters: it resolves adapter by name, waits on
// that adapter's rate limiter if one is configured, and forwards the call,
// surfacing an unregistered name as errs.AdapterMissing.
func (r *Registry) Call(ctx context.Context, name, operation string, payload json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	a, ok := r.adapters[name]
	limiter := r.limiters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.AdapterMissing, fmt.Sprintf("adapter %q not registered", name), nil)
	}
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return a.Call(ctx, operation, payload)
}

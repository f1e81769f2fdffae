package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/flowhost/internal/flowir"
	"github.com/flowforge/flowhost/internal/pack"
)

// flowEngine implements session.Flows over a tenant's resolved packs.
// Overlays shadow the main pack: a flow id present in more than one pack
// resolves to the highest-priority pack that declares it, with later
// overlays in the index taking priority over earlier ones. A flow is
// loaded once per pack version and cached thereafter.
type flowEngine struct {
	mu    sync.RWMutex
	cache map[flowir.FlowID]*flowir.Flow
	packs []*pack.ResolvedPack // priority order: last overlay first, main pack last
}

func newFlowEngine(main *pack.ResolvedPack, overlays []*pack.ResolvedPack) *flowEngine {
	packs := make([]*pack.ResolvedPack, 0, len(overlays)+1)
	for i := len(overlays) - 1; i >= 0; i-- {
		packs = append(packs, overlays[i])
	}
	packs = append(packs, main)
	return &flowEngine{cache: make(map[flowir.FlowID]*flowir.Flow), packs: packs}
}

// Flow implements session.Flows.
func (f *flowEngine) Flow(_ context.Context, id flowir.FlowID) (*flowir.Flow, error) {
	f.mu.RLock()
	if flow, ok := f.cache[id]; ok {
		f.mu.RUnlock()
		return flow, nil
	}
	f.mu.RUnlock()

	var lastErr error
	for _, p := range f.packs {
		raw, err := pack.FlowIR(p.Path, string(id))
		if err != nil {
			lastErr = err
			continue
		}
		flow, err := flowir.ParseFlow(raw)
		if err != nil {
			return nil, fmt.Errorf("registry: parse flow %q: %w", id, err)
		}
		f.mu.Lock()
		f.cache[id] = flow
		f.mu.Unlock()
		return flow, nil
	}
	return nil, fmt.Errorf("registry: flow %q not found in any pack: %w", id, lastErr)
}

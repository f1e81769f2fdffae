// Package registry implements the runtime registry:
// tenant -> TenantRuntime under an atomic swap primitive. Readers load a
// snapshot reference without locking; writers install a whole new map and
// let the old one go once in-flight executions against it finish.
//
// The storage primitive favors a true atomic pointer swap over a
// sync.RWMutex guarding an in-place map: writers never mutate a published
// map, so the map here lives behind atomic.Pointer, and reload builds a
// brand-new map from scratch on every tick.
package registry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/flowhost/internal/dedup"
	"github.com/flowforge/flowhost/internal/driver"
	"github.com/flowforge/flowhost/internal/host"
	"github.com/flowforge/flowhost/internal/pack"
	"github.com/flowforge/flowhost/internal/session"
	"github.com/flowforge/flowhost/internal/telemetry"
)

// Config names one tenant's pack bindings, carried verbatim from the
// index entry that produced a TenantRuntime.
type Config struct {
	Tenant   string
	MainPack pack.Ref
	Overlays []pack.Ref
}

// TenantRuntime is one tenant's fully-resolved composition: config,
// main_pack, overlays, flow engine, state machine, and caches. It is
// immutable once built; pack reload produces a new TenantRuntime rather
// than mutating this one.
type TenantRuntime struct {
	Config   Config
	MainPack *pack.ResolvedPack
	Overlays []*pack.ResolvedPack
	Flows    session.Flows  // "flow_engine"
	Machine  *session.Machine // "state_machine"
	Caches   *dedup.Set
}

// Deps are the collaborators Registry needs to build a TenantRuntime from
// one index entry; BundleFor and AdaptersFor are called once per tenant
// per reload so a caller can scope secrets and adapter wiring per tenant
// binding.
type Deps struct {
	Resolver    *pack.Resolver
	BundleFor   func(tenant string) *host.Bundle
	AdaptersFor func(tenant string) session.Adapters
	Observer    driver.Observer
	Logger      telemetry.Logger
}

// Registry holds the atomically-swapped tenant -> *TenantRuntime table
// and drives the reload watcher.
type Registry struct {
	deps            Deps
	indexLocator    string
	refreshInterval time.Duration

	active atomic.Pointer[map[string]*TenantRuntime]

	stop   chan struct{}
	wg     sync.WaitGroup
	reload chan struct{} // buffered, best-effort trigger from the fsnotify watcher
}

// New builds a Registry with an empty active table; call Reload once (or
// Start) before serving traffic.
func New(indexLocator string, refreshInterval time.Duration, deps Deps) *Registry {
	r := &Registry{
		deps:            deps,
		indexLocator:    indexLocator,
		refreshInterval: refreshInterval,
		stop:            make(chan struct{}),
		reload:          make(chan struct{}, 1),
	}
	empty := map[string]*TenantRuntime{}
	r.active.Store(&empty)
	return r
}

// Runtime returns tenant's current TenantRuntime, or false if the tenant
// is absent from the active index.
func (r *Registry) Runtime(tenant string) (*TenantRuntime, bool) {
	m := *r.active.Load()
	rt, ok := m[tenant]
	return rt, ok
}

// Tenants returns the tenant slugs present in the active table.
func (r *Registry) Tenants() []string {
	m := *r.active.Load()
	out := make([]string, 0, len(m))
	for t := range m {
		out = append(out, t)
	}
	return out
}

// Reload re-reads the index, re-resolves every entry, builds fresh
// TenantRuntimes, and atomically swaps the active table. A tenant whose entry fails to resolve keeps its
// previous TenantRuntime (if any) rather than dropping out of service for
// one bad tick; the failure is logged.
func (r *Registry) Reload(ctx context.Context) error {
	idx, err := r.deps.Resolver.LoadIndex(ctx, r.indexLocator)
	if err != nil {
		return fmt.Errorf("registry: load index: %w", err)
	}

	next := make(map[string]*TenantRuntime, len(idx))
	for tenant, entry := range idx {
		rt, err := r.buildRuntime(ctx, tenant, entry)
		if err != nil {
			r.log(ctx, "registry_reload_tenant_failed", map[string]any{"tenant": tenant, "error": err.Error()})
			if prev, ok := r.Runtime(tenant); ok {
				next[tenant] = prev
			}
			continue
		}
		next[tenant] = rt
	}
	r.active.Store(&next)
	r.log(ctx, "registry_reloaded", map[string]any{"tenants": len(next)})
	return nil
}

func (r *Registry) buildRuntime(ctx context.Context, tenant string, entry pack.TenantEntry) (*TenantRuntime, error) {
	main, err := r.deps.Resolver.Resolve(ctx, entry.MainPack)
	if err != nil {
		return nil, fmt.Errorf("main pack: %w", err)
	}
	overlays := make([]*pack.ResolvedPack, 0, len(entry.Overlays))
	for _, ov := range entry.Overlays {
		resolved, err := r.deps.Resolver.Resolve(ctx, ov)
		if err != nil {
			return nil, fmt.Errorf("overlay %q: %w", ov.Name, err)
		}
		overlays = append(overlays, resolved)
	}

	flows := newFlowEngine(main, overlays)
	bundle := r.deps.BundleFor(tenant)
	machine := &session.Machine{
		Sessions:  bundle.Session,
		States:    bundle.State,
		Flows:     flows,
		Adapters:  r.deps.AdaptersFor(tenant),
		Telemetry: bundle.Telemetry,
		Policy:    bundle.Policy,
		Observer:  r.deps.Observer,
	}

	return &TenantRuntime{
		Config: Config{
			Tenant:   tenant,
			MainPack: entry.MainPack,
			Overlays: entry.Overlays,
		},
		MainPack: main,
		Overlays: overlays,
		Flows:    flows,
		Machine:  machine,
		Caches:   dedup.NewSet(),
	}, nil
}

// Start runs the fixed-interval poll loop and (when the index locator is
// a local fs path) the fsnotify-driven trigger alongside it, until Stop is
// called.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.Reload(ctx); err != nil {
		return err
	}

	if path, ok := fsLocatorPath(r.indexLocator); ok {
		stopWatch, err := watchFS(path, r.watchDebounce(), func() {
			select {
			case r.reload <- struct{}{}:
			default:
			}
		}, r.fsWatchLogger(ctx))
		if err != nil {
			r.log(ctx, "registry_fswatch_unavailable", map[string]any{"path": path, "error": err.Error()})
		} else {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				<-r.stop
				stopWatch()
			}()
		}
	}

	r.wg.Add(1)
	go r.pollLoop(ctx)
	return nil
}

func (r *Registry) pollLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Reload(ctx); err != nil {
				r.log(ctx, "registry_reload_failed", map[string]any{"error": err.Error()})
			}
		case <-r.reload:
			if err := r.Reload(ctx); err != nil {
				r.log(ctx, "registry_reload_failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

func (r *Registry) watchDebounce() time.Duration {
	d := r.refreshInterval / 10
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	if d > 2*time.Second {
		d = 2 * time.Second
	}
	return d
}

// Stop ends the poll loop and (if running) the fsnotify watcher, and
// blocks until both goroutines have returned.
func (r *Registry) Stop() {
	close(r.stop)
	r.wg.Wait()
}

func (r *Registry) log(ctx context.Context, event string, fields map[string]any) {
	if r.deps.Logger == nil {
		return
	}
	kvs := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		kvs = append(kvs, k, v)
	}
	r.deps.Logger.Info(ctx, event, kvs...)
}

func (r *Registry) fsWatchLogger(ctx context.Context) func(event string, fields map[string]any) {
	return func(event string, fields map[string]any) { r.log(ctx, event, fields) }
}

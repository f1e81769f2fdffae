// Package dedup implements the per-tenant, best-effort provider-level
// dedup caches: telegram update ids, webhook
// idempotency keys, and similar provider-supplied identifiers seen before
// a canonical envelope ever reaches the session state machine's own
// outbox dedup. Entries live only in memory and are dropped on restart;
// that is a deliberate difference from the outbox's CAS-guarded dedup,
// which is the durability boundary.
//
// Grounded on _examples/estuary-flow's direct dependency on
// github.com/hashicorp/golang-lru/v2 for exactly this shape of bounded,
// in-process cache.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Capacity tiers: a larger cache for high-volume provider update ids, a
// smaller one for webhook idempotency keys.
const (
	LargeCapacity = 1024
	SmallCapacity = 256
)

// Set holds the two capacity tiers of dedup caches, one cache per
// "tenant:provider" key in each tier, so a single Set can serve every
// tenant and provider.
type Set struct {
	mu    sync.Mutex
	large map[string]*lru.Cache[string, struct{}]
	small map[string]*lru.Cache[string, struct{}]
}

// NewSet returns an empty dedup Set.
func NewSet() *Set {
	return &Set{
		large: make(map[string]*lru.Cache[string, struct{}]),
		small: make(map[string]*lru.Cache[string, struct{}]),
	}
}

// SeenLarge reports whether id was already recorded for tenant:provider in
// the large (capacity 1024) tier, recording it if not. Intended for
// high-volume provider update ids.
func (s *Set) SeenLarge(tenant, provider, id string) bool {
	return s.seen(s.large, LargeCapacity, tenant, provider, id)
}

// SeenSmall reports whether id was already recorded for tenant:provider in
// the small (capacity 256) tier, recording it if not. Intended for
// webhook idempotency keys.
func (s *Set) SeenSmall(tenant, provider, id string) bool {
	return s.seen(s.small, SmallCapacity, tenant, provider, id)
}

func (s *Set) seen(tiers map[string]*lru.Cache[string, struct{}], capacity int, tenant, provider, id string) bool {
	key := tenant + ":" + provider
	s.mu.Lock()
	cache, ok := tiers[key]
	if !ok {
		cache, _ = lru.New[string, struct{}](capacity)
		tiers[key] = cache
	}
	s.mu.Unlock()

	if _, ok := cache.Get(id); ok {
		return true
	}
	cache.Add(id, struct{}{})
	return false
}

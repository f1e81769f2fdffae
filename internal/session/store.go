package session

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/flowhost/internal/host/retry"
)

// ErrNotFound indicates no snapshot exists for the given key. Defined here
// (the consumer package) rather than in a shared "store" package so
// backend implementations (inmem, mongo, redis) can depend on session
// without session depending on them — the interfaces below are satisfied
// structurally.
var ErrNotFound = errors.New("session: snapshot not found")

// SessionHost persists SessionSnapshots under strict, linearisable
// compare-and-swap semantics.
type SessionHost interface {
	// Get loads the snapshot for key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Snapshot, error)
	// Put stores a brand-new snapshot; it must fail if one already exists
	// for key. The store sets Revision to 1 on success.
	Put(ctx context.Context, snap *Snapshot) error
	// UpdateCAS atomically replaces the stored snapshot with snap iff the
	// stored revision equals expectedRevision, incrementing the stored
	// revision on success. Returns false (no error) on a CAS mismatch.
	UpdateCAS(ctx context.Context, snap *Snapshot, expectedRevision uint64) (bool, error)
	// Delete removes the snapshot for key.
	Delete(ctx context.Context, key Key) error
	// Touch refreshes the TTL of the snapshot for key.
	Touch(ctx context.Context, key Key, ttl time.Duration) error
}

// StateHost stores the flow-visible scratchpad out-of-band from the
// session snapshot's CAS write.
type StateHost interface {
	GetJSON(ctx context.Context, key string) ([]byte, error)
	SetJSON(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	DelPrefix(ctx context.Context, prefix string) error
}

// Policy bounds and configures one step() invocation.
type Policy struct {
	Retry             retry.Policy
	MaxEgressAdapters int
	MaxPayloadBytes   int64
}

// DefaultPolicy returns the default session step policy.
func DefaultPolicy() Policy {
	return Policy{
		Retry:             retry.DefaultPolicy(),
		MaxEgressAdapters: 32,
		MaxPayloadBytes:   512 * 1024,
	}
}

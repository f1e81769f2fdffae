// Package redis implements session.StateHost over a plain Redis keyspace
// behind a narrow client interface, so tests can substitute a fake
// without a live server. Scratchpad writes aren't themselves CAS'd: the
// session store's CAS is already the step's serialization point, so a
// plain keyspace suffices.
package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/flowhost/internal/session"
)

const scanBatchSize = 256

// Client is the narrow slice of *redis.Client this package uses, kept as
// an interface so tests can substitute miniredis or a hand-rolled fake.
type Client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// StateStore implements session.StateHost.
type StateStore struct {
	client Client
	prefix string
}

// NewStateStore wraps client, namespacing every key under prefix (so one
// Redis database can host several flowhost deployments).
func NewStateStore(client Client, prefix string) *StateStore {
	return &StateStore{client: client, prefix: prefix}
}

func (s *StateStore) key(k string) string {
	return s.prefix + k
}

// GetJSON implements session.StateHost.
func (s *StateStore) GetJSON(ctx context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrNotFound
		}
		return nil, err
	}
	return b, nil
}

// SetJSON implements session.StateHost.
func (s *StateStore) SetJSON(ctx context.Context, key string, value []byte) error {
	return s.client.Set(ctx, s.key(key), value, 0*time.Second).Err()
}

// Del implements session.StateHost.
func (s *StateStore) Del(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}

// DelPrefix implements session.StateHost by scanning the namespaced
// keyspace and batching deletes, since Redis has no native prefix-delete.
func (s *StateStore) DelPrefix(ctx context.Context, prefix string) error {
	pattern := s.key(prefix) + "*"
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

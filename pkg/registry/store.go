// Package registry implements the Registry Store (C1) and the Handler
// Registry & Router (C5) described in spec.md §4.1 and §4.4. The Store is
// a typed façade over Redis providing the set/hash/TTL primitives the
// router builds on; Router layers routing decisions and liveness
// semantics on top of it.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store is a durable key-value façade backing the routing table and
// liveness records (spec §4.1). It is a thin wrapper: all routing
// semantics live in Router.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a Store backed by the given Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// SetAdd adds value to the set at key.
func (s *Store) SetAdd(ctx context.Context, key, value string) error {
	if err := s.rdb.SAdd(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("registry: set_add %s: %w", key, err)
	}
	return nil
}

// SetRemove removes value from the set at key.
func (s *Store) SetRemove(ctx context.Context, key, value string) error {
	if err := s.rdb.SRem(ctx, key, value).Err(); err != nil {
		return fmt.Errorf("registry: set_remove %s: %w", key, err)
	}
	return nil
}

// SetMembers returns all members of the set at key. A missing key yields
// an empty slice, not an error.
func (s *Store) SetMembers(ctx context.Context, key string) ([]string, error) {
	members, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: set_members %s: %w", key, err)
	}
	return members, nil
}

// SetSize returns the cardinality of the set at key.
func (s *Store) SetSize(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.SCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("registry: set_size %s: %w", key, err)
	}
	return n, nil
}

// HashPutAll writes every field in fields into the hash at key.
func (s *Store) HashPutAll(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	values := make(map[string]any, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	if err := s.rdb.HSet(ctx, key, values).Err(); err != nil {
		return fmt.Errorf("registry: hash_put_all %s: %w", key, err)
	}
	return nil
}

// HashGetAll returns every field of the hash at key. A missing key yields
// an empty map, not an error.
func (s *Store) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: hash_get_all %s: %w", key, err)
	}
	return fields, nil
}

// HashGet returns a single field of the hash at key, and whether it was
// present.
func (s *Store) HashGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := s.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: hash_get %s.%s: %w", key, field, err)
	}
	return v, true, nil
}

// Delete removes key entirely.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("registry: delete %s: %w", key, err)
	}
	return nil
}

// Keys returns every key matching prefix+"*". Intended for cleanup sweeps
// and tests; not for hot-path routing.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var out []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("registry: keys %s*: %w", prefix, err)
	}
	return out, nil
}

// Expire sets a TTL on key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("registry: expire %s: %w", key, err)
	}
	return nil
}

// Exists reports whether key is present (TTL not expired).
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("registry: exists %s: %w", key, err)
	}
	return n > 0, nil
}

// Get returns the value stored at a plain string key (used for
// instance:<id> serialized descriptors).
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("registry: get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes a plain string key with a TTL.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("registry: set %s: %w", key, err)
	}
	return nil
}

// Package storage provides the two generic storage contracts the runtime
// consumes from external adapters: a key-value cache with TTL semantics and
// a root-confined JSON file store.
//
// The [KV] interface is satisfied by [RedisKV] (go-redis) for deployments
// with a cache server and by [MemKV] for tests and single-process runs.
// Both share the same miss semantics: lookups report absence instead of
// erroring, so callers branch on the ok flag rather than on error identity.
//
// The [FileStore] resolves every path relative to its configured root and
// rejects traversal (absolute paths, ".." components) before touching the
// filesystem.
package storage

import (
	"context"
	"time"
)

// KV is the key-value cache contract. Implementations must be safe for
// concurrent use.
type KV interface {
	// Get returns the string value of key. ok is false when the key does
	// not exist or has expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set stores value under key. A ttl of zero stores without expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)

	// DeletePattern removes every key matching the glob-style pattern
	// ("session:*") and returns how many were removed.
	DeletePattern(ctx context.Context, pattern string) (int, error)

	// HashGetAll returns every field of the hash at key. A missing key
	// yields an empty map.
	HashGetAll(ctx context.Context, key string) (map[string]string, error)

	// HashSetAll stores the fields into the hash at key, creating it when
	// absent and overwriting existing fields.
	HashSetAll(ctx context.Context, key string, fields map[string]string) error

	// ListPush appends the values to the list at key, creating it when
	// absent.
	ListPush(ctx context.Context, key string, values ...string) error

	// ListPop removes and returns the oldest value of the list at key.
	// ok is false when the list is empty or absent.
	ListPop(ctx context.Context, key string) (value string, ok bool, err error)

	// ListRange returns the list elements from start through stop
	// inclusive. Negative indexes count from the end, -1 being the last
	// element, as in Redis.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Exists reports whether the key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// Expire sets the key's TTL. ok is false when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// TTL returns the key's remaining lifetime. ok is false when the key
	// does not exist; a ttl of zero with ok true means no expiry is set.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Close releases the underlying resources.
	Close() error
}

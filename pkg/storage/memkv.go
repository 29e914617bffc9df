package storage

import (
	"context"
	"maps"
	"path"
	"sync"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

// MemKV is an in-memory [KV] for tests and single-process deployments.
// Expiry is enforced lazily on access; there is no background janitor, so
// an expired key occupies memory until the next operation touches it.
// Safe for concurrent use.
type MemKV struct {
	mu      sync.Mutex
	entries map[string]*memEntry

	// now is a test seam.
	now func() time.Time
}

type memEntry struct {
	value  string
	hash   map[string]string
	list   []string
	expiry time.Time // zero means no expiry
}

// Compile-time interface check.
var _ KV = (*MemKV)(nil)

// NewMemKV creates an empty in-memory cache.
func NewMemKV() *MemKV {
	return &MemKV{entries: make(map[string]*memEntry), now: time.Now}
}

// live returns the entry at key, dropping it first when expired. Callers
// hold kv.mu.
func (kv *MemKV) live(key string) (*memEntry, bool) {
	e, ok := kv.entries[key]
	if !ok {
		return nil, false
	}
	if !e.expiry.IsZero() && !kv.now().Before(e.expiry) {
		delete(kv.entries, key)
		return nil, false
	}
	return e, true
}

// upsert returns the live entry at key, creating an unexpiring empty one
// when absent. Callers hold kv.mu.
func (kv *MemKV) upsert(key string) *memEntry {
	if e, ok := kv.live(key); ok {
		return e
	}
	e := &memEntry{}
	kv.entries[key] = e
	return e
}

// Get implements [KV].
func (kv *MemKV) Get(ctx context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements [KV].
func (kv *MemKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return fault.New(fault.Validation, "storage", "key must not be empty")
	}
	if ttl < 0 {
		return fault.New(fault.Validation, "storage", "ttl must not be negative, got %s", ttl)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := &memEntry{value: value}
	if ttl > 0 {
		e.expiry = kv.now().Add(ttl)
	}
	kv.entries[key] = e
	return nil
}

// Delete implements [KV].
func (kv *MemKV) Delete(ctx context.Context, keys ...string) (int, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	removed := 0
	for _, key := range keys {
		if _, ok := kv.live(key); ok {
			delete(kv.entries, key)
			removed++
		}
	}
	return removed, nil
}

// DeletePattern implements [KV] using path.Match glob semantics, which
// cover the "prefix:*" patterns the runtime invalidates with.
func (kv *MemKV) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, fault.New(fault.Validation, "storage", "pattern must not be empty")
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	removed := 0
	for key := range kv.entries {
		matched, err := path.Match(pattern, key)
		if err != nil {
			return removed, fault.New(fault.Validation, "storage", "bad pattern %q: %v", pattern, err)
		}
		if !matched {
			continue
		}
		if _, ok := kv.live(key); ok {
			delete(kv.entries, key)
			removed++
		}
	}
	return removed, nil
}

// HashGetAll implements [KV].
func (kv *MemKV) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key)
	if !ok || e.hash == nil {
		return map[string]string{}, nil
	}
	return maps.Clone(e.hash), nil
}

// HashSetAll implements [KV].
func (kv *MemKV) HashSetAll(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return fault.New(fault.Validation, "storage", "key must not be empty")
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kv.upsert(key)
	if e.hash == nil {
		e.hash = make(map[string]string, len(fields))
	}
	maps.Copy(e.hash, fields)
	return nil
}

// ListPush implements [KV].
func (kv *MemKV) ListPush(ctx context.Context, key string, values ...string) error {
	if key == "" {
		return fault.New(fault.Validation, "storage", "key must not be empty")
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	e := kv.upsert(key)
	e.list = append(e.list, values...)
	return nil
}

// ListPop implements [KV].
func (kv *MemKV) ListPop(ctx context.Context, key string) (string, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key)
	if !ok || len(e.list) == 0 {
		return "", false, nil
	}
	value := e.list[0]
	e.list = e.list[1:]
	return value, true, nil
}

// ListRange implements [KV].
func (kv *MemKV) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key)
	if !ok {
		return []string{}, nil
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	start = max(start, 0)
	stop = min(stop, n-1)
	if start > stop || n == 0 {
		return []string{}, nil
	}

	out := make([]string, 0, stop-start+1)
	for i := start; i <= stop; i++ {
		out = append(out, e.list[i])
	}
	return out, nil
}

// Exists implements [KV].
func (kv *MemKV) Exists(ctx context.Context, key string) (bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	_, ok := kv.live(key)
	return ok, nil
}

// Expire implements [KV].
func (kv *MemKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, fault.New(fault.Validation, "storage", "ttl must not be negative, got %s", ttl)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key)
	if !ok {
		return false, nil
	}
	if ttl == 0 {
		e.expiry = time.Time{}
	} else {
		e.expiry = kv.now().Add(ttl)
	}
	return true, nil
}

// TTL implements [KV].
func (kv *MemKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	e, ok := kv.live(key)
	if !ok {
		return 0, false, nil
	}
	if e.expiry.IsZero() {
		return 0, true, nil
	}
	return e.expiry.Sub(kv.now()), true, nil
}

// Close implements [KV]. It drops every entry.
func (kv *MemKV) Close() error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries = make(map[string]*memEntry)
	return nil
}

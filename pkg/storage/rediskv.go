package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrWong99/scribax/pkg/fault"
)

// RedisConfig holds the connection settings for a [RedisKV].
type RedisConfig struct {
	// Addr is the host:port of the Redis server. Required.
	Addr string `yaml:"addr"`

	// Password authenticates the connection. Optional.
	Password string `yaml:"password,omitempty"`

	// DB selects the logical database. Defaults to 0.
	DB int `yaml:"db,omitempty"`

	// DialTimeout bounds connection establishment. Defaults to the
	// go-redis default (5 s) when zero.
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty"`

	// ScanCount is the COUNT hint for pattern deletion scans.
	// Defaults to 100.
	ScanCount int64 `yaml:"scan_count,omitempty"`
}

// Validate checks the configuration.
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fault.New(fault.Validation, "storage", "redis Addr must not be empty")
	}
	if c.DB < 0 {
		return fault.New(fault.Validation, "storage", "redis DB must not be negative, got %d", c.DB)
	}
	if c.ScanCount < 0 {
		return fault.New(fault.Validation, "storage", "redis ScanCount must not be negative, got %d", c.ScanCount)
	}
	return nil
}

// RedisKV is the [KV] implementation over a Redis server. One client with
// its connection pool is shared by all callers; Close releases it.
type RedisKV struct {
	client    redis.UniversalClient
	scanCount int64
}

// Compile-time interface check.
var _ KV = (*RedisKV)(nil)

// NewRedisKV connects a cache to the configured Redis server. The
// connection is lazy; the first operation surfaces reachability problems.
func NewRedisKV(cfg RedisConfig) (*RedisKV, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.ScanCount == 0 {
		cfg.ScanCount = 100
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	return &RedisKV{client: client, scanCount: cfg.ScanCount}, nil
}

// NewRedisKVFromClient wraps an existing client, for callers that manage
// connection options themselves. Close still closes the client.
func NewRedisKVFromClient(client redis.UniversalClient) *RedisKV {
	return &RedisKV{client: client, scanCount: 100}
}

// wireErr maps a go-redis error onto the fault taxonomy. Cache errors are
// transient by contract: the cache is an accelerator, callers retry or fall
// through to the source of truth.
func wireErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fault.Wrap(fault.Transient, "storage", op, err)
}

// Get implements [KV].
func (kv *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := kv.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wireErr("get "+key, err)
	}
	return value, true, nil
}

// Set implements [KV].
func (kv *RedisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return fault.New(fault.Validation, "storage", "key must not be empty")
	}
	if ttl < 0 {
		return fault.New(fault.Validation, "storage", "ttl must not be negative, got %s", ttl)
	}
	return wireErr("set "+key, kv.client.Set(ctx, key, value, ttl).Err())
}

// Delete implements [KV].
func (kv *RedisKV) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	removed, err := kv.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, wireErr("delete", err)
	}
	return int(removed), nil
}

// DeletePattern implements [KV] with SCAN + DEL batches, never KEYS, so a
// large invalidation cannot stall the server.
func (kv *RedisKV) DeletePattern(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		return 0, fault.New(fault.Validation, "storage", "pattern must not be empty")
	}

	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := kv.client.Scan(ctx, cursor, pattern, kv.scanCount).Result()
		if err != nil {
			return removed, wireErr("scan "+pattern, err)
		}
		if len(keys) > 0 {
			n, err := kv.client.Del(ctx, keys...).Result()
			if err != nil {
				return removed, wireErr("delete "+pattern, err)
			}
			removed += int(n)
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// HashGetAll implements [KV].
func (kv *RedisKV) HashGetAll(ctx context.Context, key string) (map[string]string, error) {
	fields, err := kv.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wireErr("hgetall "+key, err)
	}
	return fields, nil
}

// HashSetAll implements [KV].
func (kv *RedisKV) HashSetAll(ctx context.Context, key string, fields map[string]string) error {
	if key == "" {
		return fault.New(fault.Validation, "storage", "key must not be empty")
	}
	if len(fields) == 0 {
		return nil
	}
	return wireErr("hset "+key, kv.client.HSet(ctx, key, fields).Err())
}

// ListPush implements [KV].
func (kv *RedisKV) ListPush(ctx context.Context, key string, values ...string) error {
	if key == "" {
		return fault.New(fault.Validation, "storage", "key must not be empty")
	}
	if len(values) == 0 {
		return nil
	}
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return wireErr("rpush "+key, kv.client.RPush(ctx, key, args...).Err())
}

// ListPop implements [KV].
func (kv *RedisKV) ListPop(ctx context.Context, key string) (string, bool, error) {
	value, err := kv.client.LPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wireErr("lpop "+key, err)
	}
	return value, true, nil
}

// ListRange implements [KV].
func (kv *RedisKV) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	values, err := kv.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, wireErr("lrange "+key, err)
	}
	return values, nil
}

// Exists implements [KV].
func (kv *RedisKV) Exists(ctx context.Context, key string) (bool, error) {
	n, err := kv.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wireErr("exists "+key, err)
	}
	return n > 0, nil
}

// Expire implements [KV]. A zero ttl removes the expiry (PERSIST).
func (kv *RedisKV) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		return false, fault.New(fault.Validation, "storage", "ttl must not be negative, got %s", ttl)
	}
	var (
		ok  bool
		err error
	)
	if ttl == 0 {
		ok, err = kv.client.Persist(ctx, key).Result()
		if err == nil && !ok {
			// Persist reports false both for missing keys and for keys
			// without expiry; only the former is a miss here.
			ok, err = kv.Exists(ctx, key)
		}
	} else {
		ok, err = kv.client.Expire(ctx, key, ttl).Result()
	}
	if err != nil {
		return false, wireErr("expire "+key, err)
	}
	return ok, nil
}

// TTL implements [KV].
func (kv *RedisKV) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ttl, err := kv.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, wireErr("ttl "+key, err)
	}
	switch {
	case ttl == -2*time.Second || ttl == -2: // missing key
		return 0, false, nil
	case ttl == -1*time.Second || ttl == -1: // no expiry
		return 0, true, nil
	default:
		return ttl, true, nil
	}
}

// Close implements [KV].
func (kv *RedisKV) Close() error {
	return kv.client.Close()
}

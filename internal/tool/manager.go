package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
)

const (
	// defaultCallTimeout bounds tools whose schema declares no MaxDuration.
	defaultCallTimeout = 30 * time.Second

	// defaultBatchConcurrency is the BatchCall semaphore width.
	defaultBatchConcurrency = 4

	// defaultCacheEntries caps the result cache.
	defaultCacheEntries = 256

	// statsWindowSize is the per-tool latency window capacity.
	statsWindowSize = 100
)

// Config tunes a [Manager].
type Config struct {
	// DefaultTimeout bounds calls to tools that declare no MaxDuration.
	// Zero means 30s.
	DefaultTimeout time.Duration

	// BatchConcurrency is the maximum number of BatchCall executions in
	// flight at once. Zero means 4.
	BatchConcurrency int

	// CacheEntries caps the number of cached results. Zero means 256;
	// negative disables the cache entirely.
	CacheEntries int
}

// Validate checks the configuration for contract violations.
func (c Config) Validate() error {
	var errs []error
	if c.DefaultTimeout < 0 {
		errs = append(errs, errors.New("tool: DefaultTimeout must not be negative"))
	}
	if c.BatchConcurrency < 0 {
		errs = append(errs, errors.New("tool: BatchConcurrency must not be negative"))
	}
	return errors.Join(errs...)
}

// Call names one tool invocation for BatchCall and ChainCall.
type Call struct {
	// Name is the tool to invoke.
	Name string

	// Args is the argument map. May be nil for parameter-less tools.
	Args map[string]any
}

// Stats is a snapshot of one tool's execution accounting.
type Stats struct {
	// Calls is the total number of invocations, including rejected ones.
	Calls int64
	// Errors is the number of failed invocations.
	Errors int64
	// ErrorRate is the windowed failure fraction in [0, 1].
	ErrorRate float64
	// P50 is the windowed median call duration.
	P50 time.Duration
	// P99 is the windowed 99th-percentile call duration.
	P99 time.Duration
}

// toolStats accumulates per-tool accounting. Guarded by Manager.statsMu.
type toolStats struct {
	calls  int64
	errors int64
	window *latencyWindow
}

// Manager executes tools from a [Registry] with argument validation,
// per-tool timeouts, execution statistics, and an optional TTL result cache
// for idempotent tools.
type Manager struct {
	registry *Registry
	cfg      Config

	statsMu sync.Mutex
	stats   map[string]*toolStats

	batchSem *semaphore.Weighted
	cache    *resultCache
}

// NewManager creates a Manager over reg.
func NewManager(reg *Registry, cfg Config) (*Manager, error) {
	if reg == nil {
		return nil, errors.New("tool: registry must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = defaultCallTimeout
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}

	m := &Manager{
		registry: reg,
		cfg:      cfg,
		stats:    make(map[string]*toolStats),
		batchSem: semaphore.NewWeighted(int64(cfg.BatchConcurrency)),
	}
	switch {
	case cfg.CacheEntries > 0:
		m.cache = newResultCache(cfg.CacheEntries)
	case cfg.CacheEntries == 0:
		m.cache = newResultCache(defaultCacheEntries)
	}
	return m, nil
}

// Registry returns the underlying registry.
func (m *Manager) Registry() *Registry { return m.registry }

// List returns the registered tools matching f.
func (m *Manager) List(f Filter) []Info { return m.registry.List(f) }

// Definitions returns the LLM wire definitions of every registered tool,
// sorted by name.
func (m *Manager) Definitions() []llm.ToolDefinition {
	infos := m.registry.List(Filter{})
	defs := make([]llm.ToolDefinition, len(infos))
	for i, info := range infos {
		defs[i] = info.Schema.Definition()
	}
	return defs
}

// Call executes the named tool. The result carries all failure modes —
// unknown tool, argument validation, timeout, execution error — so callers
// branch on Result.OK rather than a separate error return.
//
// Arguments are completed from schema defaults, then validated against the
// compiled JSON Schema; validation failures never reach the tool. Execution
// is bounded by the schema's MaxDuration (or the manager default) and panics
// inside the tool are converted to errors.
func (m *Manager) Call(ctx context.Context, name string, args map[string]any) Result {
	entry, ok := m.registry.lookup(name)
	if !ok {
		return Result{
			Name: name,
			Err:  fault.New(fault.NotFound, "tool", "tool %q not registered", name),
		}
	}

	args = entry.schema.ApplyDefaults(args)

	if err := validateArgs(entry.compiled, args); err != nil {
		m.record(name, 0, true)
		return Result{
			Name: name,
			Err:  fault.Wrap(fault.Validation, "tool", fmt.Sprintf("invalid arguments for %q", name), err),
		}
	}

	if v, ok := m.cacheGet(entry.schema, args); ok {
		return Result{Name: name, Value: v, OK: true, Cached: true}
	}

	timeout := entry.schema.MaxDuration
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	value, err := runTool(callCtx, entry.tool, args)
	elapsed := time.Since(start)

	if err == nil && callCtx.Err() != nil {
		// The tool returned a value after its deadline passed; treat the
		// call as timed out so slow tools cannot hide behind partial output.
		err = callCtx.Err()
	}
	m.record(name, elapsed, err != nil)

	if err != nil {
		kind := fault.Tool
		if errors.Is(err, context.DeadlineExceeded) {
			kind = fault.Transient
		}
		slog.Debug("tool call failed", "tool", name, "elapsed", elapsed, "err", err)
		return Result{
			Name:    name,
			Err:     fault.Wrap(kind, "tool", fmt.Sprintf("%s failed", name), err),
			Elapsed: elapsed,
		}
	}

	m.cachePut(entry.schema, args, value)
	return Result{Name: name, Value: value, OK: true, Elapsed: elapsed}
}

// runTool executes the tool, converting panics into errors so one
// misbehaving tool cannot take down the caller's goroutine.
func runTool(ctx context.Context, t Tool, args map[string]any) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()
	return t.Execute(ctx, args)
}

// validateArgs checks args against the compiled schema. Arguments are
// round-tripped through encoding/json so typed values (int, custom types)
// compare like their JSON forms.
func validateArgs(schema *jsonschema.Schema, args map[string]any) error {
	doc, err := toJSONValue(args)
	if err != nil {
		return fmt.Errorf("arguments are not JSON encodable: %w", err)
	}
	return schema.Validate(doc)
}

// BatchCall executes the calls concurrently, bounded by the configured
// semaphore width. The returned slice is position-aligned with calls; every
// failure is carried in its Result.
func (m *Manager) BatchCall(ctx context.Context, calls []Call) []Result {
	results := make([]Result, len(calls))
	var wg sync.WaitGroup
	for i, c := range calls {
		if err := m.batchSem.Acquire(ctx, 1); err != nil {
			results[i] = Result{Name: c.Name, Err: fault.Wrap(fault.Internal, "tool", "batch call aborted", err)}
			continue
		}
		wg.Add(1)
		go func(i int, c Call) {
			defer wg.Done()
			defer m.batchSem.Release(1)
			results[i] = m.Call(ctx, c.Name, c.Args)
		}(i, c)
	}
	wg.Wait()
	return results
}

// ChainCall executes the calls sequentially, injecting each step's value
// into the next step's arguments under the key "previous_result". The chain
// stops at the first failed step; the returned slice covers the executed
// prefix including that failure.
func (m *Manager) ChainCall(ctx context.Context, calls []Call) []Result {
	results := make([]Result, 0, len(calls))
	var prev any
	for i, c := range calls {
		args := c.Args
		if i > 0 {
			merged := make(map[string]any, len(args)+1)
			for k, v := range args {
				merged[k] = v
			}
			merged["previous_result"] = prev
			args = merged
		}
		res := m.Call(ctx, c.Name, args)
		results = append(results, res)
		if !res.OK {
			break
		}
		prev = res.Value
	}
	return results
}

// Stats returns a per-tool accounting snapshot keyed by tool name. Tools
// that have never been called are absent.
func (m *Manager) Stats() map[string]Stats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	out := make(map[string]Stats, len(m.stats))
	for name, s := range m.stats {
		out[name] = Stats{
			Calls:     s.calls,
			Errors:    s.errors,
			ErrorRate: s.window.ErrorRate(),
			P50:       s.window.P50(),
			P99:       s.window.P99(),
		}
	}
	return out
}

// record accounts one call outcome.
func (m *Manager) record(name string, elapsed time.Duration, isError bool) {
	m.statsMu.Lock()
	s, ok := m.stats[name]
	if !ok {
		s = &toolStats{window: newLatencyWindow(statsWindowSize)}
		m.stats[name] = s
	}
	s.calls++
	if isError {
		s.errors++
	}
	m.statsMu.Unlock()

	s.window.Record(elapsed, isError)
}

// ─────────────────────────────────────────────────────────────────────────────
// Result cache
// ─────────────────────────────────────────────────────────────────────────────

// cacheKey derives a stable key from the tool name and arguments.
// encoding/json writes map keys in sorted order, so equal argument maps
// produce equal keys.
func cacheKey(name string, args map[string]any) (string, bool) {
	raw, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return name + "\x00" + string(raw), true
}

func (m *Manager) cacheGet(s Schema, args map[string]any) (any, bool) {
	if m.cache == nil || !s.Idempotent || s.CacheTTL <= 0 {
		return nil, false
	}
	key, ok := cacheKey(s.Name, args)
	if !ok {
		return nil, false
	}
	return m.cache.get(key, time.Now())
}

func (m *Manager) cachePut(s Schema, args map[string]any, value any) {
	if m.cache == nil || !s.Idempotent || s.CacheTTL <= 0 {
		return
	}
	key, ok := cacheKey(s.Name, args)
	if !ok {
		return
	}
	m.cache.put(key, value, s.CacheTTL, time.Now())
}

// cacheItem is one cached tool result.
type cacheItem struct {
	value   any
	expires time.Time
}

// resultCache is a bounded TTL map for idempotent tool results.
type resultCache struct {
	mu    sync.Mutex
	items map[string]cacheItem
	max   int
}

func newResultCache(max int) *resultCache {
	return &resultCache{items: make(map[string]cacheItem), max: max}
}

func (c *resultCache) get(key string, now time.Time) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		return nil, false
	}
	if now.After(item.expires) {
		delete(c.items, key)
		return nil, false
	}
	return item.value, true
}

func (c *resultCache) put(key string, value any, ttl time.Duration, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.items) >= c.max {
		c.evictLocked(now)
	}
	c.items[key] = cacheItem{value: value, expires: now.Add(ttl)}
}

// evictLocked drops expired items, then arbitrary ones until a slot is free.
func (c *resultCache) evictLocked(now time.Time) {
	for k, item := range c.items {
		if now.After(item.expires) {
			delete(c.items, k)
		}
	}
	for k := range c.items {
		if len(c.items) < c.max {
			break
		}
		delete(c.items, k)
	}
}

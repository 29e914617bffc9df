// Package llmrouter implements the LLM provider scheduler.
//
// Given a request, the [Router] enumerates every registered provider's
// eligible models, scores each (provider, model) pair by cost, latency, and
// request priority, and executes the request against the winner with
// exponential-backoff retries. When the chosen provider fails persistently,
// the router walks the configured fallback chain with the model constraint
// cleared, so a request pinned to one vendor's model can still be served by
// another vendor. Streaming requests that land on a fallback unable to
// stream are served from its unary endpoint and re-chunked.
//
// Every provider gets a circuit breaker and a metrics record
// (requests, successes, errors, latency, cost); the rolling latency average
// feeds back into scoring.
//
// Router is safe for concurrent use.
package llmrouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/scribax/internal/resilience"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
)

// ErrNoCandidates is returned when no registered provider offers a model that
// satisfies the request (after dropping deprecated models, image-incapable
// models for image requests, and providers with open circuit breakers).
var ErrNoCandidates = errors.New("llmrouter: no eligible provider/model for request")

const (
	defaultCostThreshold = 0.10 // dollars per request
	defaultLatency       = 2 * time.Second
)

// Config tunes the Router. The zero value is usable for tests; production
// configs come from the config layer.
type Config struct {
	// DefaultProvider is preferred over higher-scoring candidates as long as
	// it is acceptable: its estimated cost is at or under CostThreshold and,
	// for high-priority requests, its rolling latency is at or under
	// HighPriorityLatency. Empty disables the preference.
	DefaultProvider string

	// FallbackProviders is the ordered chain tried when the chosen provider
	// exhausts its retries. The failing provider is skipped; the model
	// constraint is cleared so each fallback serves its own best model.
	FallbackProviders []string

	// MaxRetries is the number of retries on the chosen provider; the total
	// attempt count is MaxRetries+1. Only transient failures are retried.
	MaxRetries int

	// RetryDelay is the backoff base: the sleep before retry n+1 is
	// RetryDelay · 2^n.
	RetryDelay time.Duration

	// CostThreshold is the per-request cost (dollars) above which a
	// candidate takes the full cost penalty in scoring. Zero means the
	// default of $0.10.
	CostThreshold float64

	// DefaultLatency is the latency assumed for providers with no recorded
	// samples. Zero means 2s.
	DefaultLatency time.Duration

	// HighPriorityLatency is the acceptability bound on the default
	// provider's rolling latency for high-priority requests. Zero means 2s.
	HighPriorityLatency time.Duration

	// Breaker tunes the per-provider circuit breakers.
	Breaker resilience.CircuitBreakerConfig
}

// Validate checks the configuration for contract violations.
func (c Config) Validate() error {
	var errs []error
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("llmrouter: MaxRetries must not be negative"))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, errors.New("llmrouter: RetryDelay must not be negative"))
	}
	if c.CostThreshold < 0 {
		errs = append(errs, errors.New("llmrouter: CostThreshold must not be negative"))
	}
	if c.DefaultLatency < 0 {
		errs = append(errs, errors.New("llmrouter: DefaultLatency must not be negative"))
	}
	if c.HighPriorityLatency < 0 {
		errs = append(errs, errors.New("llmrouter: HighPriorityLatency must not be negative"))
	}
	return errors.Join(errs...)
}

// Router schedules LLM requests across registered providers.
type Router struct {
	cfg      Config
	breakers *resilience.BreakerSet

	mu        sync.RWMutex
	providers map[string]llm.Provider
	order     []string

	statsMu sync.Mutex
	stats   map[string]*providerStats
}

// New creates a Router. Providers are added via [Router.Register].
func New(cfg Config) (*Router, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CostThreshold == 0 {
		cfg.CostThreshold = defaultCostThreshold
	}
	if cfg.DefaultLatency == 0 {
		cfg.DefaultLatency = defaultLatency
	}
	if cfg.HighPriorityLatency == 0 {
		cfg.HighPriorityLatency = defaultLatency
	}

	breakerCfg := cfg.Breaker
	if breakerCfg.IsFailure == nil {
		// A provider that parses and rejects a bad request is healthy;
		// only count errors that indicate backend unhealth.
		breakerCfg.IsFailure = func(err error) bool {
			return err != nil && !fault.IsValidation(err)
		}
	}

	return &Router{
		cfg:       cfg,
		breakers:  resilience.NewBreakerSet(breakerCfg),
		providers: make(map[string]llm.Provider),
		stats:     make(map[string]*providerStats),
	}, nil
}

// Register adds a provider under its Name. Registering the same name twice is
// an error.
func (r *Router) Register(p llm.Provider) error {
	if p == nil {
		return errors.New("llmrouter: provider must not be nil")
	}
	name := p.Name()
	if name == "" {
		return errors.New("llmrouter: provider name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[name]; dup {
		return fmt.Errorf("llmrouter: provider %q already registered", name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

// Providers returns the registered provider names in registration order.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// provider looks up a registered provider by name, or nil.
func (r *Router) provider(name string) llm.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// ─────────────────────────────────────────────────────────────────────────────
// Unary execution
// ─────────────────────────────────────────────────────────────────────────────

// Chat picks the best (provider, model) pair for req, executes it with
// retries, and walks the fallback chain on persistent failure.
//
// Validation faults are returned immediately — retrying or falling back
// cannot fix a malformed request. When every fallback fails, the returned
// error matches both [resilience.ErrAllFailed] and the last underlying fault.
func (r *Router) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	cand, err := r.pick(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := r.chatWithRetry(ctx, cand, req)
	if err == nil {
		return resp, nil
	}
	if fault.IsValidation(err) || ctx.Err() != nil {
		return nil, err
	}

	return r.chatFallback(ctx, cand.provider.Name(), req, err)
}

// chatWithRetry runs req against cand with exponential backoff. Transient and
// unclassified failures are retried; validation and permanent failures are
// returned at once.
func (r *Router) chatWithRetry(ctx context.Context, cand candidate, req llm.Request) (*llm.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.cfg.RetryDelay<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		resp, err := r.attemptChat(ctx, cand, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		switch fault.KindOf(err) {
		case fault.Validation, fault.Permanent:
			return nil, err
		}
		if attempt < r.cfg.MaxRetries {
			slog.Warn("provider chat failed, retrying",
				"provider", cand.provider.Name(),
				"attempt", attempt+1,
				"max_attempts", r.cfg.MaxRetries+1,
				"err", err)
		}
	}
	return nil, lastErr
}

// attemptChat makes exactly one request through the provider's circuit
// breaker and records metrics. A rejected call (breaker open) touches neither
// metrics nor the backend.
func (r *Router) attemptChat(ctx context.Context, cand candidate, req llm.Request) (*llm.Response, error) {
	pname := cand.provider.Name()
	req.Model = cand.model.ID

	start := time.Now()
	var resp *llm.Response
	err := r.breakers.For(pname).Execute(func() error {
		var cerr error
		resp, cerr = cand.provider.Chat(ctx, req)
		return cerr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, err
	}
	if err != nil {
		r.recordError(pname)
		return nil, err
	}
	r.recordSuccess(pname, time.Since(start), cand.provider.EstimateCost(req.Model, resp.Usage))
	return resp, nil
}

// chatFallback walks the fallback chain with the model constraint cleared.
// Each fallback gets a single attempt on its own best model.
func (r *Router) chatFallback(ctx context.Context, failed string, req llm.Request, cause error) (*llm.Response, error) {
	req.Model = ""
	lastErr := cause

	for _, fbName := range r.cfg.FallbackProviders {
		if fbName == failed {
			continue
		}
		fb := r.provider(fbName)
		if fb == nil {
			slog.Warn("fallback provider not registered", "provider", fbName)
			continue
		}
		cand, ok := r.bestOn(ctx, fb, req)
		if !ok {
			slog.Debug("fallback provider has no eligible model", "provider", fbName)
			continue
		}

		resp, err := r.attemptChat(ctx, cand, req)
		if err == nil {
			slog.Info("request served by fallback provider",
				"provider", fbName, "model", cand.model.ID, "failed", failed)
			return resp, nil
		}
		lastErr = err
		if fault.IsValidation(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("llmrouter: %w: %w", resilience.ErrAllFailed, lastErr)
}

// ─────────────────────────────────────────────────────────────────────────────
// Streaming execution
// ─────────────────────────────────────────────────────────────────────────────

// ChatStream picks the best (provider, model) pair and opens a streaming
// completion, with the same retry and fallback semantics as [Router.Chat].
// Only the stream-opening phase is covered by retries and fallback; once
// chunks flow, mid-stream errors reach the caller as a terminal error chunk.
//
// A fallback provider whose stream cannot be opened is tried once more on its
// unary endpoint; the response is re-chunked into a content chunk followed by
// a terminal finish chunk.
func (r *Router) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	cand, err := r.pick(ctx, req)
	if err != nil {
		return nil, err
	}

	ch, err := r.streamWithRetry(ctx, cand, req)
	if err == nil {
		return ch, nil
	}
	if fault.IsValidation(err) || ctx.Err() != nil {
		return nil, err
	}

	return r.streamFallback(ctx, cand.provider.Name(), req, err)
}

// streamWithRetry opens a stream against cand with exponential backoff.
func (r *Router) streamWithRetry(ctx context.Context, cand candidate, req llm.Request) (<-chan llm.Chunk, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, r.cfg.RetryDelay<<(attempt-1)); err != nil {
				return nil, err
			}
		}

		ch, err := r.attemptStream(ctx, cand, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, err
		}
		switch fault.KindOf(err) {
		case fault.Validation, fault.Permanent:
			return nil, err
		}
		if attempt < r.cfg.MaxRetries {
			slog.Warn("provider stream failed, retrying",
				"provider", cand.provider.Name(),
				"attempt", attempt+1,
				"max_attempts", r.cfg.MaxRetries+1,
				"err", err)
		}
	}
	return nil, lastErr
}

// attemptStream opens one stream through the provider's circuit breaker. On
// success the returned channel relays the provider's chunks while recording
// metrics from the terminal chunk.
func (r *Router) attemptStream(ctx context.Context, cand candidate, req llm.Request) (<-chan llm.Chunk, error) {
	pname := cand.provider.Name()
	req.Model = cand.model.ID

	start := time.Now()
	var ch <-chan llm.Chunk
	err := r.breakers.For(pname).Execute(func() error {
		var serr error
		ch, serr = cand.provider.ChatStream(ctx, req)
		return serr
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, err
	}
	if err != nil {
		r.recordError(pname)
		return nil, err
	}
	return r.observeStream(pname, cand, start, ch), nil
}

// observeStream relays chunks from the provider and records stream metrics
// when the terminal chunk arrives. Latency for a stream is time to the
// terminal chunk, not time to first byte.
func (r *Router) observeStream(provider string, cand candidate, start time.Time, in <-chan llm.Chunk) <-chan llm.Chunk {
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		recorded := false
		for chunk := range in {
			if !recorded {
				switch {
				case chunk.Err != nil:
					r.recordError(provider)
					recorded = true
				case chunk.FinishReason != "":
					var cost float64
					if chunk.Usage != nil {
						cost = cand.provider.EstimateCost(cand.model.ID, *chunk.Usage)
					}
					r.recordSuccess(provider, time.Since(start), cost)
					recorded = true
				}
			}
			out <- chunk
		}
		if !recorded {
			// Stream closed without a terminal chunk: cancelled mid-flight.
			r.recordError(provider)
		}
	}()
	return out
}

// streamFallback walks the fallback chain for a stream request. Each fallback
// is first tried on its streaming endpoint; if the stream cannot be opened,
// its unary endpoint is tried once and the response re-chunked.
func (r *Router) streamFallback(ctx context.Context, failed string, req llm.Request, cause error) (<-chan llm.Chunk, error) {
	req.Model = ""
	lastErr := cause

	for _, fbName := range r.cfg.FallbackProviders {
		if fbName == failed {
			continue
		}
		fb := r.provider(fbName)
		if fb == nil {
			slog.Warn("fallback provider not registered", "provider", fbName)
			continue
		}
		cand, ok := r.bestOn(ctx, fb, req)
		if !ok {
			slog.Debug("fallback provider has no eligible model", "provider", fbName)
			continue
		}

		ch, err := r.attemptStream(ctx, cand, req)
		if err == nil {
			slog.Info("stream served by fallback provider",
				"provider", fbName, "model", cand.model.ID, "failed", failed)
			return ch, nil
		}
		lastErr = err
		if fault.IsValidation(err) || ctx.Err() != nil {
			return nil, err
		}
		if errors.Is(err, resilience.ErrCircuitOpen) {
			continue
		}

		// The fallback cannot stream; serve its unary response re-chunked.
		resp, uerr := r.attemptChat(ctx, cand, req)
		if uerr == nil {
			slog.Info("stream served by fallback provider via unary re-chunk",
				"provider", fbName, "model", cand.model.ID, "failed", failed)
			return rechunk(resp), nil
		}
		lastErr = uerr
		if fault.IsValidation(uerr) || ctx.Err() != nil {
			return nil, uerr
		}
	}
	return nil, fmt.Errorf("llmrouter: %w: %w", resilience.ErrAllFailed, lastErr)
}

// rechunk converts a unary response into the two-chunk stream shape: one
// content chunk followed by a terminal finish chunk.
func rechunk(resp *llm.Response) <-chan llm.Chunk {
	finish := resp.FinishReason
	if finish == "" {
		finish = "stop"
	}
	ch := make(chan llm.Chunk, 2)
	ch <- llm.Chunk{Text: resp.Content}
	ch <- llm.Chunk{ToolCalls: resp.ToolCalls, FinishReason: finish, Usage: &resp.Usage}
	close(ch)
	return ch
}

// sleepCtx sleeps for d or until ctx is cancelled, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

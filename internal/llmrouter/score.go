package llmrouter

import (
	"context"
	"log/slog"
	"math"

	"github.com/MrWong99/scribax/internal/resilience"
	"github.com/MrWong99/scribax/pkg/provider/llm"
)

// candidate is one schedulable (provider, model) pair with its score inputs.
type candidate struct {
	provider  llm.Provider
	model     llm.ModelInfo
	cost      float64 // estimated dollars for this request
	latencyMS float64 // rolling average, or the configured default
	score     float64
}

// pick selects the candidate to execute req on.
//
// The highest-scoring candidate wins, with two overrides: a fixed req.Model
// restricts the field to providers serving that model, and an acceptable
// default provider is preferred over higher-scoring rivals.
func (r *Router) pick(ctx context.Context, req llm.Request) (candidate, error) {
	cands := r.candidates(ctx, req)
	best, ok := bestCandidate(cands)
	if !ok {
		return candidate{}, ErrNoCandidates
	}
	if req.Model != "" {
		return best, nil
	}

	if r.cfg.DefaultProvider != "" {
		if def, ok := bestForProvider(cands, r.cfg.DefaultProvider); ok && r.acceptable(def, req.Priority) {
			return def, nil
		}
	}
	return best, nil
}

// candidates enumerates eligible (provider, model) pairs across all
// registered providers, skipping providers whose circuit breaker is open.
func (r *Router) candidates(ctx context.Context, req llm.Request) []candidate {
	r.mu.RLock()
	order := make([]string, len(r.order))
	copy(order, r.order)
	provs := make(map[string]llm.Provider, len(r.providers))
	for name, p := range r.providers {
		provs[name] = p
	}
	r.mu.RUnlock()

	var cands []candidate
	for _, pname := range order {
		if r.breakers.State(pname) == resilience.StateOpen {
			slog.Debug("skipping provider, circuit open", "provider", pname)
			continue
		}
		cands = append(cands, r.candidatesOn(ctx, provs[pname], req)...)
	}
	return cands
}

// candidatesOn scores req against a single provider's model list. Deprecated
// models are never candidates; image requests only match image-capable
// models; a fixed req.Model matches only that model ID.
func (r *Router) candidatesOn(ctx context.Context, p llm.Provider, req llm.Request) []candidate {
	models, err := p.ListModels(ctx)
	if err != nil {
		slog.Debug("model listing failed, skipping provider", "provider", p.Name(), "err", err)
		return nil
	}

	hasImage := req.HasImage()
	var out []candidate
	for _, m := range models {
		if m.Deprecated {
			continue
		}
		if req.Model != "" && m.ID != req.Model {
			continue
		}
		if hasImage && !m.Capabilities.Images {
			continue
		}
		c := candidate{
			provider:  p,
			model:     m,
			cost:      r.estimateCost(req, p, m),
			latencyMS: r.estimatedLatencyMS(p.Name()),
		}
		c.score = scoreCandidate(c.cost, c.latencyMS, req.Priority, r.cfg.CostThreshold)
		out = append(out, c)
	}
	return out
}

// bestOn returns the top-scoring candidate on a single provider.
func (r *Router) bestOn(ctx context.Context, p llm.Provider, req llm.Request) (candidate, bool) {
	return bestCandidate(r.candidatesOn(ctx, p, req))
}

// bestCandidate returns the highest-scoring candidate. Ties keep the earlier
// entry, so registration order breaks ties deterministically.
func bestCandidate(cands []candidate) (candidate, bool) {
	if len(cands) == 0 {
		return candidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		if c.score > best.score {
			best = c
		}
	}
	return best, true
}

// bestForProvider returns the named provider's top-scoring candidate.
func bestForProvider(cands []candidate, provider string) (candidate, bool) {
	var best candidate
	found := false
	for _, c := range cands {
		if c.provider.Name() != provider {
			continue
		}
		if !found || c.score > best.score {
			best, found = c, true
		}
	}
	return best, found
}

// scoreCandidate computes the scheduling score from a base of 100:
//
//   - cost over the threshold costs the full 50-point penalty; under it the
//     penalty is cost·1000 capped at 30
//   - estimated latency costs latencyMS/200 points capped at 20
//   - priority adds 20 (high) or 10 (medium; the default) points
//
// The result is clamped at zero.
func scoreCandidate(cost, latencyMS float64, prio llm.Priority, costThreshold float64) float64 {
	score := 100.0

	if cost > costThreshold {
		score -= 50
	} else {
		score -= math.Min(30, cost*1000)
	}

	score -= math.Min(20, latencyMS/200)

	switch prio {
	case llm.PriorityHigh:
		score += 20
	case llm.PriorityLow:
		// no bonus
	default:
		score += 10
	}

	return math.Max(0, score)
}

// acceptable reports whether a default-provider candidate may preempt the
// top-scoring one: its cost must be at or under the threshold, and for
// high-priority requests its rolling latency must be at or under the
// configured bound.
func (r *Router) acceptable(c candidate, prio llm.Priority) bool {
	if c.cost > r.cfg.CostThreshold {
		return false
	}
	if prio == llm.PriorityHigh && c.latencyMS > float64(r.cfg.HighPriorityLatency.Milliseconds()) {
		return false
	}
	return true
}

// estimateCost predicts the dollar cost of req on model m: prompt tokens from
// the message text plus the completion budget (the request's MaxTokens, or
// the model's maximum when unset).
func (r *Router) estimateCost(req llm.Request, p llm.Provider, m llm.ModelInfo) float64 {
	completion := req.MaxTokens
	if completion <= 0 {
		completion = m.MaxTokens
	}
	return p.EstimateCost(m.ID, llm.TokenUsage{
		PromptTokens:     llm.CountTokens(req.Messages),
		CompletionTokens: completion,
	})
}

// estimatedLatencyMS returns the provider's rolling average latency, or the
// configured default when no successful request has been recorded yet.
func (r *Router) estimatedLatencyMS(provider string) float64 {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	if s, ok := r.stats[provider]; ok && s.successCount > 0 {
		return float64(s.totalLatency.Milliseconds()) / float64(s.successCount)
	}
	return float64(r.cfg.DefaultLatency.Milliseconds())
}

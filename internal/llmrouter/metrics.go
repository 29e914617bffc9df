package llmrouter

import "time"

// ProviderMetrics is a point-in-time snapshot of one provider's request
// accounting.
type ProviderMetrics struct {
	// RequestCount is the number of attempts that reached the provider.
	// Retries count individually; breaker-rejected calls do not count.
	RequestCount int64
	// SuccessCount is the number of attempts that returned a response.
	SuccessCount int64
	// ErrorCount is the number of attempts that failed.
	ErrorCount int64
	// TotalLatency is the summed wall time of successful attempts.
	TotalLatency time.Duration
	// AverageLatency is TotalLatency / SuccessCount, or zero before the
	// first success. It feeds back into candidate scoring.
	AverageLatency time.Duration
	// TotalCost is the summed estimated dollar cost of successful attempts.
	TotalCost float64
}

// providerStats is the mutable accumulator behind a ProviderMetrics snapshot.
// All access goes through Router.statsMu.
type providerStats struct {
	requestCount int64
	successCount int64
	errorCount   int64
	totalLatency time.Duration
	totalCost    float64
}

// Metrics returns a snapshot of per-provider accounting keyed by provider
// name. Providers that have not served an attempt yet are absent.
func (r *Router) Metrics() map[string]ProviderMetrics {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()

	out := make(map[string]ProviderMetrics, len(r.stats))
	for name, s := range r.stats {
		m := ProviderMetrics{
			RequestCount: s.requestCount,
			SuccessCount: s.successCount,
			ErrorCount:   s.errorCount,
			TotalLatency: s.totalLatency,
			TotalCost:    s.totalCost,
		}
		if s.successCount > 0 {
			m.AverageLatency = time.Duration(int64(s.totalLatency) / s.successCount)
		}
		out[name] = m
	}
	return out
}

// recordSuccess accounts one successful attempt. Latency samples come from
// successes only, so a string of fast failures cannot masquerade as a fast
// provider.
func (r *Router) recordSuccess(provider string, latency time.Duration, cost float64) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.statsLocked(provider)
	s.requestCount++
	s.successCount++
	s.totalLatency += latency
	s.totalCost += cost
}

// recordError accounts one failed attempt.
func (r *Router) recordError(provider string) {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	s := r.statsLocked(provider)
	s.requestCount++
	s.errorCount++
}

// statsLocked returns the provider's accumulator, creating it on first use.
// Callers must hold statsMu.
func (r *Router) statsLocked(provider string) *providerStats {
	s, ok := r.stats[provider]
	if !ok {
		s = &providerStats{}
		r.stats[provider] = s
	}
	return s
}

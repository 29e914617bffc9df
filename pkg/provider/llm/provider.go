// Package llm defines the Provider interface for Large Language Model backends.
//
// An LLM provider adapts one vendor API (e.g., OpenAI, Anthropic, a local
// Ollama instance, or any OpenAI-compatible endpoint) and exposes a uniform
// interface for the Scribax provider scheduler: model listing, unary chat,
// streaming chat, cost estimation, and config validation — without coupling
// the rest of the runtime to any specific SDK.
//
// Implementors must be safe for concurrent use. Channels returned by
// ChatStream must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/scribax/pkg/types"
)

// Provider is the abstraction over one LLM vendor.
//
// Implementations must be safe for concurrent use from multiple goroutines.
// Each method must propagate context cancellation promptly: when ctx is
// cancelled the method must return (or close its channel) as quickly as
// possible, aborting the underlying HTTP request.
type Provider interface {
	// Name returns the provider's stable identifier (e.g. "openai",
	// "anthropic", "ollama", "openrouter"). Used as the metrics and
	// fallback-chain key.
	Name() string

	// ListModels returns the models this provider can serve. Implementations
	// should cache the result with a TTL; a failed refresh may serve stale
	// data. Deprecated models are included with Deprecated set so the
	// scheduler can exclude them.
	ListModels(ctx context.Context) ([]ModelInfo, error)

	// Chat sends req to the model and waits for the full response.
	//
	// Returns an error when the request fails or ctx is cancelled before the
	// completion arrives. HTTP failures are classified: 5xx, 408, and
	// transport errors are transient; other 4xx are permanent.
	Chat(ctx context.Context, req Request) (*Response, error)

	// ChatStream sends req to the model and returns a read-only channel that
	// emits Chunk values as they arrive. The channel is closed by the
	// implementation after a terminal chunk (non-empty FinishReason or
	// non-nil Err) or when ctx is cancelled.
	//
	// Callers must drain the channel to avoid goroutine leaks. Errors that
	// occur after the channel is opened are surfaced as a final Chunk with
	// Err set; the initial error return is non-nil only for failures that
	// prevent the stream from starting (invalid credentials, malformed
	// request).
	//
	// The returned channel must never be nil when error is nil.
	ChatStream(ctx context.Context, req Request) (<-chan Chunk, error)

	// ValidateConfig checks the provider's configuration for contract
	// violations (e.g. neither API key nor base URL present). Returns nil
	// when the configuration is usable; otherwise an error describing every
	// violation, joined.
	ValidateConfig() error

	// EstimateCost prices usage against the model's pricing table:
	// sum((tokens_k / 1e6) · price_k) across prompt, completion, and
	// cache-write / cache-read where pricing provides those fields.
	// Returns 0 for unknown models.
	EstimateCost(model string, usage TokenUsage) float64

	// MaxOutputTokens returns the completion-token ceiling for model,
	// honouring any configured override. Returns 0 for unknown models.
	MaxOutputTokens(model string) int
}

// CountTokens estimates how many tokens messages would consume in a model's
// context window using the ~4 characters/token approximation plus a small
// per-message overhead for role and formatting tokens. The scheduler uses
// this for cost scoring before a request is sent; it need not be exact but
// should not undercount.
func CountTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		for _, p := range m.Parts {
			if p.Type == types.PartText {
				total += (len(p.Text) + 3) / 4
			}
		}
		// Per-message overhead (role + formatting tokens).
		total += 4
	}
	return total
}

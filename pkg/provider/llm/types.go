package llm

import (
	"errors"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// Priority expresses how urgent a request is to the scheduler. Higher
// priorities receive a scoring bonus and tighter latency expectations.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsValid reports whether p is one of the defined priorities.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// Request carries everything the scheduler and adapter need to produce a
// response. Callers should treat a zero-value request as invalid; at minimum
// Messages must be non-empty.
type Request struct {
	// Messages is the ordered conversation history. The last message is
	// typically from the "user" role and drives the response.
	Messages []types.Message

	// Model pins the request to a specific model ID. Empty lets the
	// scheduler choose.
	Model string

	// MaxTokens caps the number of completion tokens the model may generate.
	// Zero means use the provider default (usually the model's maximum).
	MaxTokens int

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// requests the provider default.
	Temperature float64

	// Stream indicates the caller wants incremental chunks. The scheduler
	// uses this to decide between Chat and ChatStream on fallback paths.
	Stream bool

	// Priority is the scheduling priority; empty means medium.
	Priority Priority

	// Tools is the set of function/tool definitions offered to the model.
	Tools []ToolDefinition

	// ToolChoice forces tool usage: "" (auto), "none", "required", or a
	// specific tool name.
	ToolChoice string

	// System is an optional high-priority instruction injected before the
	// conversation. Providers without a dedicated system field prepend it as
	// a "system"-role message.
	System string

	// ReasoningBudget requests extended thinking tokens on models that
	// support it (Anthropic-style). Zero disables extended thinking.
	ReasoningBudget int
}

// HasImage reports whether any message carries an image part. The scheduler
// excludes models without image support from the candidate set when true.
func (r Request) HasImage() bool {
	for _, m := range r.Messages {
		if m.HasImage() {
			return true
		}
	}
	return false
}

// ToolDefinition describes a tool offered to the model.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any
}

// TokenUsage holds token accounting returned by the LLM backend. All counts
// are in the model's native token unit and may differ between providers for
// the same textual content.
type TokenUsage struct {
	// PromptTokens is the number of tokens consumed by the input messages
	// and system prompt.
	PromptTokens int

	// CompletionTokens is the number of tokens generated in the response.
	CompletionTokens int

	// TotalTokens is PromptTokens + CompletionTokens.
	TotalTokens int

	// CacheWriteTokens counts tokens written to the provider's prompt cache,
	// when the provider reports them.
	CacheWriteTokens int

	// CacheReadTokens counts tokens served from the provider's prompt cache,
	// when the provider reports them.
	CacheReadTokens int
}

// Response is returned by the non-streaming Chat method.
type Response struct {
	// Content is the full text of the assistant's reply. Empty when the
	// model responds exclusively with tool calls.
	Content string

	// ToolCalls lists all tool invocations requested by the model. The
	// caller executes them and appends the results to the conversation.
	ToolCalls []types.ToolCall

	// Model is the model that actually served the request.
	Model string

	// FinishReason indicates why generation stopped: "stop", "length",
	// "tool_calls".
	FinishReason string

	// Usage contains token accounting for this request/response pair.
	Usage TokenUsage
}

// Chunk is a single fragment emitted by a streaming completion. A chunk may
// carry text, tool-call fragments, a finish signal, usage, an error, or any
// combination. A chunk is terminal when FinishReason is non-empty or Err is
// non-nil; the channel closes after the terminal chunk.
type Chunk struct {
	// Text is the incremental text content of this chunk.
	Text string

	// Thinking is incremental extended-thinking text, on models that
	// stream reasoning separately from the answer.
	Thinking string

	// ToolCalls contains completed tool invocations. Adapters accumulate
	// provider-side fragments internally and emit whole calls on the
	// terminal chunk.
	ToolCalls []types.ToolCall

	// FinishReason is set on the final chunk: "stop", "length",
	// "tool_calls".
	FinishReason string

	// Usage is set on the final chunk when the provider reports token
	// accounting for the stream.
	Usage *TokenUsage

	// Err is set when the stream failed mid-flight. A chunk with Err is
	// terminal.
	Err error
}

// ModelInfo describes one model a provider can serve.
type ModelInfo struct {
	// ID is the provider's model identifier used in requests.
	ID string

	// Name is the human-readable model name.
	Name string

	// MaxTokens is the maximum completion tokens the model can generate.
	MaxTokens int

	// ContextWindow is the maximum combined input + output token count.
	ContextWindow int

	// Capabilities describes optional features the model supports.
	Capabilities Capabilities

	// Pricing is the per-million-token price table. The zero value means
	// pricing is unknown and cost estimates return 0.
	Pricing Pricing

	// Tiers lists provider service tiers the model is available on, when
	// the provider exposes them.
	Tiers []string

	// Deprecated marks models the scheduler must never select.
	Deprecated bool
}

// Capabilities describes the optional features a model supports.
type Capabilities struct {
	// Images indicates the model accepts image input parts.
	Images bool

	// PromptCache indicates the provider supports prompt caching with
	// cache-write/cache-read accounting.
	PromptCache bool

	// ReasoningBudget indicates the model accepts an extended-thinking
	// token budget.
	ReasoningBudget bool

	// Temperature indicates the model honours the temperature parameter.
	Temperature bool

	// ToolCalling indicates native function/tool calling support.
	ToolCalling bool

	// Streaming indicates the model supports streaming completions.
	Streaming bool
}

// Pricing is a per-million-token price table in US dollars.
type Pricing struct {
	// Input is the price per 1e6 prompt tokens.
	Input float64

	// Output is the price per 1e6 completion tokens.
	Output float64

	// CacheWrite is the price per 1e6 cache-write tokens (0 when the
	// provider has no prompt cache).
	CacheWrite float64

	// CacheRead is the price per 1e6 cache-read tokens.
	CacheRead float64
}

// Cost prices usage against this table: sum((tokens_k / 1e6) · price_k)
// across prompt, completion, cache-write, and cache-read.
func (p Pricing) Cost(u TokenUsage) float64 {
	const million = 1e6
	cost := float64(u.PromptTokens)/million*p.Input +
		float64(u.CompletionTokens)/million*p.Output
	if p.CacheWrite > 0 {
		cost += float64(u.CacheWriteTokens) / million * p.CacheWrite
	}
	if p.CacheRead > 0 {
		cost += float64(u.CacheReadTokens) / million * p.CacheRead
	}
	return cost
}

// Config holds the connection settings common to every provider adapter.
// Vendor-specific options (organization, API version, extra headers) live on
// the adapter's functional options.
type Config struct {
	// APIKey authenticates requests. Read from an environment variable by
	// the config layer; never logged or persisted.
	APIKey string

	// BaseURL overrides the provider's default endpoint. Required for
	// OpenAI-compatible and Ollama adapters.
	BaseURL string

	// Timeout bounds a unary request end to end. Zero means the adapter
	// default. Streaming requests ignore it in favour of per-phase
	// transport timeouts.
	Timeout time.Duration

	// MaxRetries is advisory for the scheduler; adapters themselves never
	// retry.
	MaxRetries int
}

// Validate checks the provider contract: at least one of APIKey/BaseURL must
// be present, and numeric fields must be non-negative.
func (c Config) Validate() error {
	var errs []error
	if c.APIKey == "" && c.BaseURL == "" {
		errs = append(errs, errors.New("llm: at least one of APIKey or BaseURL must be set"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("llm: Timeout must not be negative"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("llm: MaxRetries must not be negative"))
	}
	return errors.Join(errs...)
}

// WireError classifies an HTTP failure from a provider: 408 and 5xx are
// transient (retryable), every other non-2xx status is permanent. The body
// is truncated to keep log lines bounded.
func WireError(provider string, status int, body string) *fault.Error {
	const maxBody = 512
	if len(body) > maxBody {
		body = body[:maxBody] + "…"
	}
	return fault.New(fault.FromHTTPStatus(status), provider, "api error: status %d: %s", status, body)
}

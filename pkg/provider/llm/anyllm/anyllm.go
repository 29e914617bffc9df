// Package anyllm provides a universal LLM provider backed by
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface that
// supports OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and more.
//
// It is the escape hatch for vendors without a native adapter: one instance
// wraps one backend and serves the models named at construction. The bridge
// is text-only; requests with image parts must be routed to a native adapter.
//
// Usage:
//
//	p, err := anyllm.New("gemini", []string{"gemini-2.0-flash"}, anyllmlib.WithAPIKey("..."))
//	p, err := anyllm.NewDeepSeek("deepseek-chat", anyllmlib.WithAPIKey("..."))
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend      anyllmlib.Provider
	providerName string
	defaultModel string
	catalogue    []llm.ModelInfo
}

// New creates a new Provider backed by the given LLM backend name.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama", "deepseek",
// "mistral", "groq", "llamacpp", "llamafile".
//
// models lists the model IDs this instance serves; the first is the default
// for requests that do not pin one.
//
// opts are any-llm-go configuration options (e.g., anyllmlib.WithAPIKey,
// anyllmlib.WithBaseURL). If no API key option is provided, the backend falls
// back to the relevant environment variable (OPENAI_API_KEY,
// ANTHROPIC_API_KEY, etc.).
func New(backendName string, models []string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if len(models) == 0 {
		return nil, fmt.Errorf("anyllm: models must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}

	catalogue := make([]llm.ModelInfo, 0, len(models))
	for _, m := range models {
		catalogue = append(catalogue, modelInfo(m))
	}

	return &Provider{
		backend:      backend,
		providerName: "anyllm-" + strings.ToLower(backendName),
		defaultModel: models[0],
		catalogue:    catalogue,
	}, nil
}

// NewGemini creates a Provider backed by Google Gemini.
// Without options, it reads the GEMINI_API_KEY or GOOGLE_API_KEY environment variable.
func NewGemini(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("gemini", []string{model}, opts...)
}

// NewDeepSeek creates a Provider backed by DeepSeek.
// Without options, it reads the DEEPSEEK_API_KEY environment variable.
func NewDeepSeek(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("deepseek", []string{model}, opts...)
}

// NewMistral creates a Provider backed by Mistral AI.
// Without options, it reads the MISTRAL_API_KEY environment variable.
func NewMistral(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("mistral", []string{model}, opts...)
}

// NewLlamaCpp creates a Provider backed by a running llama.cpp server.
// Without options, it connects to http://127.0.0.1:8080/v1.
func NewLlamaCpp(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamacpp", []string{model}, opts...)
}

// NewLlamaFile creates a Provider backed by a running llamafile server.
// Without options, it connects to the default llamafile server.
func NewLlamaFile(model string, opts ...anyllmlib.Option) (*Provider, error) {
	return New("llamafile", []string{model}, opts...)
}

// createBackend creates the underlying any-llm-go provider for the given backend name.
func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.providerName }

// ValidateConfig implements llm.Provider. Key handling is delegated to the
// backend, which reads environment variables when no option was given, so
// construction succeeding is the only check available.
func (p *Provider) ValidateConfig() error {
	if p.backend == nil {
		return fmt.Errorf("anyllm: backend must not be nil")
	}
	return nil
}

// ListModels implements llm.Provider.
func (p *Provider) ListModels(context.Context) ([]llm.ModelInfo, error) {
	out := make([]llm.ModelInfo, len(p.catalogue))
	copy(out, p.catalogue)
	return out, nil
}

// EstimateCost implements llm.Provider.
func (p *Provider) EstimateCost(model string, usage llm.TokenUsage) float64 {
	for _, m := range p.catalogue {
		if m.ID == model {
			return m.Pricing.Cost(usage)
		}
	}
	return 0
}

// MaxOutputTokens implements llm.Provider.
func (p *Provider) MaxOutputTokens(model string) int {
	for _, m := range p.catalogue {
		if m.ID == model {
			return m.MaxTokens
		}
	}
	return 0
}

// ChatStream implements llm.Provider.
func (p *Provider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	backendChunks, backendErrs := p.backend.CompletionStream(ctx, params)

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*types.ToolCall{}

		for chunk := range backendChunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments by index within this chunk.
			for i, tc := range delta.ToolCalls {
				if _, ok := toolCallAccum[i]; !ok {
					toolCallAccum[i] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[i]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the final chunk, emit accumulated tool calls.
			if choice.FinishReason == anyllmlib.FinishReasonToolCalls ||
				(choice.FinishReason != "" && len(toolCallAccum) > 0) {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		// Check for backend errors after the chunk channel is drained.
		if err := <-backendErrs; err != nil {
			select {
			case ch <- llm.Chunk{Err: fault.Wrap(fault.Transient, p.providerName, "stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.backend.Completion(ctx, params)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, p.providerName, "completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.Permanent, p.providerName, "empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.Response{
		Content:      choice.Message.ContentString(),
		Model:        params.Model,
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		result.Usage = llm.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// buildParams converts a Request into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.Request) (anyllmlib.CompletionParams, error) {
	if req.HasImage() {
		return anyllmlib.CompletionParams{}, fault.New(fault.Validation, p.providerName, "image content is not supported by this bridge")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []anyllmlib.Message
	if req.System != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    model,
		Messages: messages,
	}

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}

	if req.ToolChoice != "none" {
		for _, td := range req.Tools {
			params.Tools = append(params.Tools, anyllmlib.Tool{
				Type: "function",
				Function: anyllmlib.Function{
					Name:        td.Name,
					Description: td.Description,
					Parameters:  td.Parameters,
				},
			})
		}
	}

	return params, nil
}

// convertMessage converts our types.Message to anyllm.Message.
func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}

	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}

	return msg
}

// modelInfo builds a ModelInfo for a served model from known model families.
// Vision stays off even for vision-capable families because the bridge only
// carries string content. Unknown models receive sensible defaults with no
// pricing, which the scheduler treats as cost-unknown.
func modelInfo(model string) llm.ModelInfo {
	info := llm.ModelInfo{
		ID:            model,
		Name:          model,
		MaxTokens:     4_096,
		ContextWindow: 128_000,
		Capabilities:  llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
	}

	lower := strings.ToLower(model)

	switch {
	// ── OpenAI GPT-4o family ─────────────────────────────────────────────────
	case strings.HasPrefix(lower, "gpt-4o-mini"):
		info.ContextWindow = 128_000
		info.MaxTokens = 16_384
		info.Pricing = llm.Pricing{Input: 0.15, Output: 0.60}

	case strings.HasPrefix(lower, "gpt-4o"):
		info.ContextWindow = 128_000
		info.MaxTokens = 16_384
		info.Pricing = llm.Pricing{Input: 2.50, Output: 10.00}

	// ── Anthropic Claude models ──────────────────────────────────────────────
	case strings.Contains(lower, "claude-3-5-haiku"), strings.Contains(lower, "claude-3-haiku"):
		info.ContextWindow = 200_000
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 0.80, Output: 4.00}

	case strings.Contains(lower, "claude-3-opus"):
		info.ContextWindow = 200_000
		info.MaxTokens = 4_096
		info.Pricing = llm.Pricing{Input: 15.00, Output: 75.00}

	case strings.HasPrefix(lower, "claude"):
		// Catch-all for newer or unrecognised Claude models.
		info.ContextWindow = 200_000
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 3.00, Output: 15.00}

	// ── Google Gemini models ─────────────────────────────────────────────────
	case strings.Contains(lower, "gemini-2.0-flash"):
		info.ContextWindow = 1_048_576
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 0.10, Output: 0.40}

	case strings.Contains(lower, "gemini-1.5-pro"):
		info.ContextWindow = 2_097_152
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 1.25, Output: 5.00}

	case strings.HasPrefix(lower, "gemini"):
		// Catch-all for other Gemini models.
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 0.10, Output: 0.40}

	// ── DeepSeek models ──────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "deepseek-reasoner"):
		info.MaxTokens = 8_192
		info.Capabilities.ReasoningBudget = true
		info.Pricing = llm.Pricing{Input: 0.55, Output: 2.19}

	case strings.HasPrefix(lower, "deepseek"):
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 0.27, Output: 1.10}

	// ── Mistral models ───────────────────────────────────────────────────────
	case strings.HasPrefix(lower, "mistral-large"):
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 2.00, Output: 6.00}

	case strings.HasPrefix(lower, "mistral"):
		info.MaxTokens = 8_192
		info.Pricing = llm.Pricing{Input: 0.20, Output: 0.60}
	}

	return info
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

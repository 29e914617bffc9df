// Package openaicompat constructs providers for endpoints that speak the
// OpenAI chat-completions wire format under their own vendor names:
// OpenRouter, Groq, Zhipu and arbitrary self-hosted gateways such as vLLM.
//
// The wire handling lives in the openai package; this package contributes
// vendor base URLs, attribution headers and model catalogues.
package openaicompat

import (
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/provider/llm/openai"
)

// Vendor base URLs.
const (
	OpenRouterBaseURL = "https://openrouter.ai/api/v1"
	GroqBaseURL       = "https://api.groq.com/openai/v1"
	ZhipuBaseURL      = "https://open.bigmodel.cn/api/paas/v4"
)

// New constructs a provider for a generic OpenAI-compatible endpoint.
// cfg.BaseURL and cfg.APIKey are required; models describe what the
// endpoint serves since generic gateways expose no pricing.
func New(providerName string, cfg llm.Config, models []llm.ModelInfo, opts ...openai.Option) (llm.Provider, error) {
	return openai.NewCompatible(providerName, cfg, models, opts...)
}

// NewOpenRouter constructs a provider for the OpenRouter gateway. The
// attribution headers OpenRouter asks integrators to send are set here.
func NewOpenRouter(cfg llm.Config, opts ...openai.Option) (llm.Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OpenRouterBaseURL
	}
	opts = append(opts,
		openai.WithExtraHeader("HTTP-Referer", "https://github.com/MrWong99/scribax"),
		openai.WithExtraHeader("X-Title", "scribax"),
	)
	return openai.NewCompatible("openrouter", cfg, openRouterCatalogue(), opts...)
}

// NewGroq constructs a provider for the Groq API.
func NewGroq(cfg llm.Config, opts ...openai.Option) (llm.Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = GroqBaseURL
	}
	return openai.NewCompatible("groq", cfg, groqCatalogue(), opts...)
}

// NewZhipu constructs a provider for the Zhipu (BigModel) API.
func NewZhipu(cfg llm.Config, opts ...openai.Option) (llm.Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = ZhipuBaseURL
	}
	return openai.NewCompatible("zhipu", cfg, zhipuCatalogue(), opts...)
}

// openRouterCatalogue lists the routed models the runtime is tuned for.
// OpenRouter fronts hundreds of models; only the ones the scheduler should
// consider are listed, with OpenRouter's pass-through pricing.
func openRouterCatalogue() []llm.ModelInfo {
	return []llm.ModelInfo{
		{
			ID: "anthropic/claude-3.5-sonnet", Name: "Claude 3.5 Sonnet (OpenRouter)",
			MaxTokens: 8_192, ContextWindow: 200_000,
			Capabilities: llm.Capabilities{Images: true, PromptCache: true, Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 3.00, Output: 15.00},
		},
		{
			ID: "meta-llama/llama-3.1-70b-instruct", Name: "Llama 3.1 70B Instruct (OpenRouter)",
			MaxTokens: 4_096, ContextWindow: 131_072,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.40, Output: 0.40},
		},
		{
			ID: "mistralai/mistral-small", Name: "Mistral Small (OpenRouter)",
			MaxTokens: 4_096, ContextWindow: 32_000,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.20, Output: 0.60},
		},
	}
}

func groqCatalogue() []llm.ModelInfo {
	return []llm.ModelInfo{
		{
			ID: "llama-3.3-70b-versatile", Name: "Llama 3.3 70B Versatile",
			MaxTokens: 32_768, ContextWindow: 131_072,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.59, Output: 0.79},
		},
		{
			ID: "llama-3.1-8b-instant", Name: "Llama 3.1 8B Instant",
			MaxTokens: 8_192, ContextWindow: 131_072,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.05, Output: 0.08},
		},
		{
			ID: "mixtral-8x7b-32768", Name: "Mixtral 8x7B",
			MaxTokens: 4_096, ContextWindow: 32_768,
			Capabilities: llm.Capabilities{Temperature: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.24, Output: 0.24},
			Deprecated:   true,
		},
	}
}

func zhipuCatalogue() []llm.ModelInfo {
	return []llm.ModelInfo{
		{
			ID: "glm-4-plus", Name: "GLM-4 Plus",
			MaxTokens: 4_096, ContextWindow: 128_000,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.70, Output: 0.70},
		},
		{
			ID: "glm-4-flash", Name: "GLM-4 Flash",
			MaxTokens: 4_096, ContextWindow: 128_000,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.01, Output: 0.01},
		},
		{
			ID: "glm-4v", Name: "GLM-4V",
			MaxTokens: 4_096, ContextWindow: 8_192,
			Capabilities: llm.Capabilities{Images: true, Temperature: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.70, Output: 0.70},
		},
	}
}

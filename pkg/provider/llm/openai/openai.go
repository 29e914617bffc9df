// Package openai provides an LLM provider adapter backed by the OpenAI API.
//
// The adapter serves every model in its catalogue; requests carry the model
// ID and the scheduler picks one per request. A single pooled HTTP client is
// shared by all requests — unary calls get a deadline via context, streaming
// calls run until the stream ends or the context is cancelled.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// name is the provider identifier used in metrics and fallback chains.
const name = "openai"

// defaultModel serves requests that do not pin a model.
const defaultModel = "gpt-4o-mini"

// Provider implements llm.Provider using the OpenAI API.
type Provider struct {
	client       oai.Client
	cfg          llm.Config
	providerName string
	defaultModel string
	cache        *llm.ModelCache
	catalogue    []llm.ModelInfo
}

// config holds optional construction settings.
type config struct {
	organization string
	defaultModel string
	modelTTL     time.Duration
	headers      map[string]string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) { c.organization = org }
}

// WithExtraHeader adds a header to every request. Compatible endpoints such
// as OpenRouter use headers for attribution.
func WithExtraHeader(key, value string) Option {
	return func(c *config) {
		if c.headers == nil {
			c.headers = map[string]string{}
		}
		c.headers[key] = value
	}
}

// WithDefaultModel sets the model used when a request does not pin one.
func WithDefaultModel(model string) Option {
	return func(c *config) { c.defaultModel = model }
}

// WithModelCacheTTL overrides the model-list cache TTL.
func WithModelCacheTTL(ttl time.Duration) Option {
	return func(c *config) { c.modelTTL = ttl }
}

// New constructs an OpenAI provider from cfg. cfg.APIKey is required;
// cfg.BaseURL optionally redirects to a proxy endpoint.
func New(cfg llm.Config, opts ...Option) (*Provider, error) {
	return newProvider(name, cfg, catalogue(), opts)
}

// NewCompatible constructs a provider for an OpenAI-compatible endpoint
// under its own provider name and model catalogue. cfg.BaseURL is required.
func NewCompatible(providerName string, cfg llm.Config, models []llm.ModelInfo, opts ...Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("openai: providerName must not be empty")
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%s: BaseURL must not be empty", providerName)
	}
	return newProvider(providerName, cfg, models, opts)
}

func newProvider(providerName string, cfg llm.Config, models []llm.ModelInfo, opts []Option) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s: APIKey must not be empty", providerName)
	}

	c := &config{}
	for _, o := range opts {
		o(c)
	}
	if c.defaultModel == "" {
		c.defaultModel = pickDefault(providerName, models)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(newHTTPClient()),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if c.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(c.organization))
	}
	for k, v := range c.headers {
		reqOpts = append(reqOpts, option.WithHeader(k, v))
	}

	return &Provider{
		client:       oai.NewClient(reqOpts...),
		cfg:          cfg,
		providerName: providerName,
		defaultModel: c.defaultModel,
		cache:        llm.NewModelCache(c.modelTTL),
		catalogue:    models,
	}, nil
}

// pickDefault chooses the fallback model for requests that do not pin one:
// the package default for the OpenAI API itself, otherwise the first
// non-deprecated catalogue entry.
func pickDefault(providerName string, models []llm.ModelInfo) string {
	if providerName == name {
		return defaultModel
	}
	for _, m := range models {
		if !m.Deprecated {
			return m.ID
		}
	}
	return ""
}

// newHTTPClient builds the shared pooled client. No overall timeout — unary
// deadlines come from the request context so streams are never cut short.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:          16,
			MaxIdleConnsPerHost:   8,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 60 * time.Second,
		},
	}
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return p.providerName }

// ValidateConfig implements llm.Provider.
func (p *Provider) ValidateConfig() error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.cfg.APIKey == "" {
		return fmt.Errorf("%s: APIKey must not be empty", p.providerName)
	}
	return nil
}

// ListModels implements llm.Provider. The catalogue is static (pricing is
// not served by the API) and cached for interface symmetry with providers
// that fetch live lists.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return p.cache.Get(ctx, func(context.Context) ([]llm.ModelInfo, error) {
		return p.catalogue, nil
	})
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

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, p.providerName, "build params", err)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, classify(p.providerName, "chat completion", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.Permanent, p.providerName, "empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.Response{
		Content:      choice.Message.Content,
		Model:        resp.Model,
		FinishReason: choice.FinishReason,
		Usage: llm.TokenUsage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
			CacheReadTokens:  int(resp.Usage.PromptTokensDetails.CachedTokens),
		},
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

// ChatStream implements llm.Provider.
func (p *Provider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, p.providerName, "build params", err)
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{
		IncludeUsage: param.NewOpt(true),
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classify(p.providerName, "start stream", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// Accumulated tool calls keyed by index.
		toolCallAccum := map[int]*types.ToolCall{}
		var usage *llm.TokenUsage

		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				usage = &llm.TokenUsage{
					PromptTokens:     int(chunk.Usage.PromptTokens),
					CompletionTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:      int(chunk.Usage.TotalTokens),
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			delta := choice.Delta

			out := llm.Chunk{
				Text:         delta.Content,
				FinishReason: choice.FinishReason,
			}

			// Accumulate tool call fragments.
			for _, tc := range delta.ToolCalls {
				idx := int(tc.Index)
				if _, ok := toolCallAccum[idx]; !ok {
					toolCallAccum[idx] = &types.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
					}
				}
				existing := toolCallAccum[idx]
				if tc.ID != "" {
					existing.ID = tc.ID
				}
				if tc.Function.Name != "" {
					existing.Name = tc.Function.Name
				}
				existing.Arguments += tc.Function.Arguments
			}

			// On the terminal chunk emit accumulated tool calls and usage.
			if choice.FinishReason != "" {
				for i := 0; i < len(toolCallAccum); i++ {
					if tc, ok := toolCallAccum[i]; ok {
						out.ToolCalls = append(out.ToolCalls, *tc)
					}
				}
				out.Usage = usage
			}

			select {
			case ch <- out:
			case <-ctx.Done():
				return
			}
		}

		if err := stream.Err(); err != nil {
			select {
			case ch <- llm.Chunk{Err: classify(p.providerName, "stream", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

// classify maps an SDK error to the fault taxonomy using the embedded HTTP
// status when present; transport errors without a status are transient.
func classify(provider, action string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return fault.Wrap(fault.FromHTTPStatus(apiErr.StatusCode), provider, action, err)
	}
	return fault.Wrap(fault.Transient, provider, action, err)
}

// buildParams converts a Request into OpenAI SDK params.
func (p *Provider) buildParams(req llm.Request) (oai.ChatCompletionNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var messages []oai.ChatCompletionMessageParamUnion
	if req.System != "" {
		messages = append(messages, oai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	switch req.ToolChoice {
	case "", "auto":
		// Provider default.
	case "none":
		// Omitting the tool list is wire-equivalent and keeps the prompt
		// smaller than sending tools plus tool_choice=none.
		params.Tools = nil
	case "required":
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt("required"),
		}
	default:
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: req.ToolChoice},
			},
		}
	}

	return params, nil
}

// convertMessage converts a types.Message to an OpenAI SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case "system":
		return oai.SystemMessage(m.Content), nil

	case "user":
		if len(m.Parts) == 0 {
			return oai.UserMessage(m.Content), nil
		}
		parts, err := convertParts(m.Parts)
		if err != nil {
			return oai.ChatCompletionMessageParamUnion{}, err
		}
		user := oai.ChatCompletionUserMessageParam{}
		user.Content.OfArrayOfContentParts = parts
		return oai.ChatCompletionMessageParamUnion{OfUser: &user}, nil

	case "assistant":
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case "tool":
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

// convertParts maps multi-part content to OpenAI content-part unions.
// Base64 images are wrapped in a data URI, which the API accepts.
func convertParts(parts []types.ContentPart) ([]oai.ChatCompletionContentPartUnionParam, error) {
	out := make([]oai.ChatCompletionContentPartUnionParam, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case types.PartText:
			out = append(out, oai.TextContentPart(p.Text))
		case types.PartImageURL:
			out = append(out, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: p.URL,
			}))
		case types.PartImageBase64:
			uri := fmt.Sprintf("data:%s;base64,%s", p.MediaType, p.Data)
			out = append(out, oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{
				URL: uri,
			}))
		default:
			return nil, fmt.Errorf("openai: unsupported content part type %q", p.Type)
		}
	}
	return out, nil
}

// catalogue is the static model table. Pricing is per million tokens and is
// not served by the API, so the table is maintained by hand.
func catalogue() []llm.ModelInfo {
	full := llm.Capabilities{Images: true, PromptCache: true, Temperature: true, ToolCalling: true, Streaming: true}
	return []llm.ModelInfo{
		{
			ID: "gpt-4o", Name: "GPT-4o",
			MaxTokens: 16_384, ContextWindow: 128_000,
			Capabilities: full,
			Pricing:      llm.Pricing{Input: 2.50, Output: 10.00, CacheRead: 1.25},
		},
		{
			ID: "gpt-4o-mini", Name: "GPT-4o mini",
			MaxTokens: 16_384, ContextWindow: 128_000,
			Capabilities: full,
			Pricing:      llm.Pricing{Input: 0.15, Output: 0.60, CacheRead: 0.075},
		},
		{
			ID: "gpt-4.1", Name: "GPT-4.1",
			MaxTokens: 32_768, ContextWindow: 1_047_576,
			Capabilities: full,
			Pricing:      llm.Pricing{Input: 2.00, Output: 8.00, CacheRead: 0.50},
		},
		{
			ID: "gpt-4.1-mini", Name: "GPT-4.1 mini",
			MaxTokens: 32_768, ContextWindow: 1_047_576,
			Capabilities: full,
			Pricing:      llm.Pricing{Input: 0.40, Output: 1.60, CacheRead: 0.10},
		},
		{
			ID: "o3-mini", Name: "o3-mini",
			MaxTokens: 100_000, ContextWindow: 200_000,
			Capabilities: llm.Capabilities{PromptCache: true, ReasoningBudget: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 1.10, Output: 4.40, CacheRead: 0.55},
		},
		{
			ID: "gpt-4-turbo", Name: "GPT-4 Turbo",
			MaxTokens: 4_096, ContextWindow: 128_000,
			Capabilities: full,
			Pricing:      llm.Pricing{Input: 10.00, Output: 30.00},
			Deprecated:   true,
		},
		{
			ID: "gpt-3.5-turbo", Name: "GPT-3.5 Turbo",
			MaxTokens: 4_096, ContextWindow: 16_385,
			Capabilities: llm.Capabilities{Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.50, Output: 1.50},
			Deprecated:   true,
		},
	}
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

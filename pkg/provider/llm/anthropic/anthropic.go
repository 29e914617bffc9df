// Package anthropic provides an LLM provider adapter backed by the Anthropic
// Messages API.
//
// The Messages API differs from the chat-completions shape in three ways the
// adapter has to bridge: the system prompt is a top-level field rather than
// a message, tool results travel inside user messages as tool_result blocks,
// and extended thinking is a first-class request parameter. Everything else
// follows the same accumulate-and-emit streaming contract as the other
// adapters.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// name is the provider identifier used in metrics and fallback chains.
const name = "anthropic"

// defaultModel serves requests that do not pin a model.
const defaultModel = "claude-3-5-haiku-latest"

// defaultMaxTokens is used when neither the request nor the catalogue caps
// output. The Messages API requires max_tokens on every request.
const defaultMaxTokens = 4096

// minThinkingBudget is the smallest extended-thinking budget the API accepts.
const minThinkingBudget = 1024

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	client       sdk.Client
	cfg          llm.Config
	defaultModel string
	cache        *llm.ModelCache
	catalogue    []llm.ModelInfo
}

// config holds optional construction settings.
type config struct {
	defaultModel string
	modelTTL     time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithDefaultModel sets the model used when a request does not pin one.
func WithDefaultModel(model string) Option {
	return func(c *config) { c.defaultModel = model }
}

// WithModelCacheTTL overrides the model-list cache TTL.
func WithModelCacheTTL(ttl time.Duration) Option {
	return func(c *config) { c.modelTTL = ttl }
}

// New constructs an Anthropic provider from cfg. cfg.APIKey is required.
func New(cfg llm.Config, opts ...Option) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: APIKey must not be empty")
	}

	c := &config{defaultModel: defaultModel}
	for _, o := range opts {
		o(c)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(&http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          16,
				MaxIdleConnsPerHost:   8,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}

	return &Provider{
		client:       sdk.NewClient(reqOpts...),
		cfg:          cfg,
		defaultModel: c.defaultModel,
		cache:        llm.NewModelCache(c.modelTTL),
		catalogue:    catalogue(),
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return name }

// ValidateConfig implements llm.Provider.
func (p *Provider) ValidateConfig() error {
	if err := p.cfg.Validate(); err != nil {
		return err
	}
	if p.cfg.APIKey == "" {
		return fmt.Errorf("anthropic: APIKey must not be empty")
	}
	return nil
}

// ListModels implements llm.Provider.
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
		return nil, fault.Wrap(fault.Validation, name, "build params", err)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classify("create message", err)
	}
	return translate(msg), nil
}

// ChatStream implements llm.Provider.
func (p *Provider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, name, "build params", err)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, classify("start stream", err)
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Tool-use blocks arrive as a start event carrying id+name followed
		// by input_json deltas; completed calls are collected per index and
		// emitted on the terminal chunk.
		toolBlocks := map[int]*toolBuffer{}
		var completed []types.ToolCall
		var usage *llm.TokenUsage
		var stopReason string

		for stream.Next() {
			switch ev := stream.Current().AsAny().(type) {
			case sdk.ContentBlockStartEvent:
				if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
					toolBlocks[int(ev.Index)] = &toolBuffer{id: tu.ID, name: tu.Name}
				}

			case sdk.ContentBlockDeltaEvent:
				switch delta := ev.Delta.AsAny().(type) {
				case sdk.TextDelta:
					if delta.Text != "" && !emit(llm.Chunk{Text: delta.Text}) {
						return
					}
				case sdk.ThinkingDelta:
					if delta.Thinking != "" && !emit(llm.Chunk{Thinking: delta.Thinking}) {
						return
					}
				case sdk.InputJSONDelta:
					if tb := toolBlocks[int(ev.Index)]; tb != nil {
						tb.args += delta.PartialJSON
					}
				}

			case sdk.ContentBlockStopEvent:
				if tb := toolBlocks[int(ev.Index)]; tb != nil {
					delete(toolBlocks, int(ev.Index))
					completed = append(completed, tb.toolCall())
				}

			case sdk.MessageDeltaEvent:
				stopReason = mapStopReason(string(ev.Delta.StopReason))
				usage = &llm.TokenUsage{
					PromptTokens:     int(ev.Usage.InputTokens),
					CompletionTokens: int(ev.Usage.OutputTokens),
					TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
					CacheWriteTokens: int(ev.Usage.CacheCreationInputTokens),
					CacheReadTokens:  int(ev.Usage.CacheReadInputTokens),
				}

			case sdk.MessageStopEvent:
				if stopReason == "" {
					stopReason = "stop"
				}
				emit(llm.Chunk{FinishReason: stopReason, ToolCalls: completed, Usage: usage})
				return
			}
		}

		if err := stream.Err(); err != nil {
			emit(llm.Chunk{Err: classify("stream", err)})
		}
	}()

	return ch, nil
}

// toolBuffer accumulates a streamed tool_use block.
type toolBuffer struct {
	id   string
	name string
	args string
}

func (tb *toolBuffer) toolCall() types.ToolCall {
	args := tb.args
	if args == "" {
		args = "{}"
	}
	return types.ToolCall{ID: tb.id, Name: tb.name, Arguments: args}
}

// classify maps an SDK error to the fault taxonomy using the embedded HTTP
// status when present.
func classify(action string, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return fault.Wrap(fault.FromHTTPStatus(apiErr.StatusCode), name, action, err)
	}
	return fault.Wrap(fault.Transient, name, action, err)
}

// buildParams converts a Request into Messages API params.
func (p *Provider) buildParams(req llm.Request) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.MaxOutputTokens(model)
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	msgs, system, err := convertMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	if req.System != "" {
		system = append([]sdk.TextBlockParam{{Text: req.System}}, system...)
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one user or assistant message is required")
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(system) > 0 {
		params.System = system
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}

	if req.ReasoningBudget > 0 {
		if req.ReasoningBudget < minThinkingBudget {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: reasoning budget %d must be >= %d", req.ReasoningBudget, minThinkingBudget)
		}
		if req.ReasoningBudget >= maxTokens {
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: reasoning budget %d must be less than max tokens %d", req.ReasoningBudget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(int64(req.ReasoningBudget))
	}

	for _, td := range req.Tools {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: td.Parameters}, td.Name)
		if u.OfTool != nil && td.Description != "" {
			u.OfTool.Description = sdk.String(td.Description)
		}
		params.Tools = append(params.Tools, u)
	}

	tc, err := convertToolChoice(req.ToolChoice, req.Tools)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	params.ToolChoice = tc

	return params, nil
}

// convertToolChoice maps the generic tool-choice string to Messages API
// params. Empty and "auto" leave the provider default in place.
func convertToolChoice(choice string, tools []llm.ToolDefinition) (sdk.ToolChoiceUnionParam, error) {
	switch choice {
	case "", "auto":
		return sdk.ToolChoiceUnionParam{}, nil
	case "none":
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}, nil
	case "required":
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}, nil
	default:
		for _, td := range tools {
			if td.Name == choice {
				return sdk.ToolChoiceParamOfTool(choice), nil
			}
		}
		return sdk.ToolChoiceUnionParam{}, fmt.Errorf("anthropic: tool choice %q does not match any offered tool", choice)
	}
}

// convertMessages maps generic messages to Messages API params. System-role
// messages are hoisted into the top-level system blocks; consecutive
// tool-role messages merge into a single user message because the API
// requires tool results in the user turn that follows the tool_use.
func convertMessages(messages []types.Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var out []sdk.MessageParam
	var system []sdk.TextBlockParam
	var pendingResults []sdk.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) > 0 {
			out = append(out, sdk.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case "system":
			flushResults()
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}

		case "user":
			flushResults()
			blocks, err := convertUserBlocks(m)
			if err != nil {
				return nil, nil, err
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}

		case "assistant":
			flushResults()
			var blocks []sdk.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == "" {
					args = "{}"
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, json.RawMessage(args), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}

		case "tool":
			if m.ToolCallID == "" {
				return nil, nil, errors.New("anthropic: tool message missing tool call ID")
			}
			pendingResults = append(pendingResults, sdk.NewToolResultBlock(m.ToolCallID, m.Content, false))

		default:
			return nil, nil, fmt.Errorf("anthropic: unknown message role %q", m.Role)
		}
	}
	flushResults()

	return out, system, nil
}

// convertUserBlocks maps a user message's content or parts to content blocks.
func convertUserBlocks(m types.Message) ([]sdk.ContentBlockParamUnion, error) {
	if len(m.Parts) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}, nil
	}

	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
	for _, part := range m.Parts {
		switch part.Type {
		case types.PartText:
			if part.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			}
		case types.PartImageBase64:
			blocks = append(blocks, sdk.NewImageBlockBase64(part.MediaType, part.Data))
		case types.PartImageURL:
			blocks = append(blocks, sdk.ContentBlockParamUnion{
				OfImage: &sdk.ImageBlockParam{
					Source: sdk.ImageBlockParamSourceUnion{
						OfURL: &sdk.URLImageSourceParam{URL: part.URL},
					},
				},
			})
		default:
			return nil, fmt.Errorf("anthropic: unsupported content part type %q", part.Type)
		}
	}
	return blocks, nil
}

// translate converts an API response into the generic shape.
func translate(msg *sdk.Message) *llm.Response {
	resp := &llm.Response{
		Model:        string(msg.Model),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage: llm.TokenUsage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
			CacheWriteTokens: int(msg.Usage.CacheCreationInputTokens),
			CacheReadTokens:  int(msg.Usage.CacheReadInputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, types.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return resp
}

// mapStopReason converts Messages API stop reasons to the generic finish
// reasons shared by all adapters.
func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

// catalogue is the static model table. Pricing is per million tokens.
func catalogue() []llm.ModelInfo {
	return []llm.ModelInfo{
		{
			ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4",
			MaxTokens: 64_000, ContextWindow: 200_000,
			Capabilities: llm.Capabilities{Images: true, PromptCache: true, ReasoningBudget: true, Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
		},
		{
			ID: "claude-3-7-sonnet-20250219", Name: "Claude 3.7 Sonnet",
			MaxTokens: 64_000, ContextWindow: 200_000,
			Capabilities: llm.Capabilities{Images: true, PromptCache: true, ReasoningBudget: true, Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 3.00, Output: 15.00, CacheWrite: 3.75, CacheRead: 0.30},
		},
		{
			ID: "claude-3-5-haiku-latest", Name: "Claude 3.5 Haiku",
			MaxTokens: 8_192, ContextWindow: 200_000,
			Capabilities: llm.Capabilities{Images: true, PromptCache: true, Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 0.80, Output: 4.00, CacheWrite: 1.00, CacheRead: 0.08},
		},
		{
			ID: "claude-3-opus-20240229", Name: "Claude 3 Opus",
			MaxTokens: 4_096, ContextWindow: 200_000,
			Capabilities: llm.Capabilities{Images: true, Temperature: true, ToolCalling: true, Streaming: true},
			Pricing:      llm.Pricing{Input: 15.00, Output: 75.00},
			Deprecated:   true,
		},
	}
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

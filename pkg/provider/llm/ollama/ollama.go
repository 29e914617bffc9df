// Package ollama provides an LLM provider adapter for a local or remote
// Ollama server.
//
// Ollama speaks its own JSON dialect rather than the OpenAI wire format:
// chat responses stream as newline-delimited JSON objects with a done flag,
// tool calls carry structured arguments instead of raw JSON strings, and the
// server reports token counts as eval counts. Model listing is live via
// /api/tags since local installations vary per machine. Local inference is
// free, so cost estimates are always zero.
package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// name is the provider identifier used in metrics and fallback chains.
const name = "ollama"

// DefaultBaseURL is the standard local Ollama endpoint.
const DefaultBaseURL = "http://localhost:11434"

// maxLineBytes caps a single streamed JSON line. A line beyond this aborts
// the stream instead of growing the buffer without bound.
const maxLineBytes = 10 << 20

// Provider implements llm.Provider against an Ollama server.
type Provider struct {
	baseURL      string
	client       *http.Client
	cfg          llm.Config
	defaultModel string
	cache        *llm.ModelCache
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

// New constructs an Ollama provider. cfg.BaseURL defaults to the local
// server; no API key is required.
func New(cfg llm.Config, opts ...Option) (*Provider, error) {
	c := &config{}
	for _, o := range opts {
		o(c)
	}

	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	base = strings.TrimSuffix(base, "/")

	return &Provider{
		baseURL: base,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          8,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ResponseHeaderTimeout: 120 * time.Second,
			},
		},
		cfg:          cfg,
		defaultModel: c.defaultModel,
		cache:        llm.NewModelCache(c.modelTTL),
	}, nil
}

// Name implements llm.Provider.
func (p *Provider) Name() string { return name }

// ValidateConfig implements llm.Provider.
func (p *Provider) ValidateConfig() error {
	if p.baseURL == "" {
		return fmt.Errorf("ollama: BaseURL must not be empty")
	}
	if p.cfg.Timeout < 0 {
		return fmt.Errorf("ollama: Timeout must not be negative")
	}
	return nil
}

// EstimateCost implements llm.Provider. Local inference has no per-token
// price.
func (p *Provider) EstimateCost(string, llm.TokenUsage) float64 { return 0 }

// MaxOutputTokens implements llm.Provider. Ollama does not report a
// completion cap; zero lets callers apply their own defaults.
func (p *Provider) MaxOutputTokens(string) int { return 0 }

// ─── Wire types ──────────────────────────────────────────────────────────────

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Think    bool           `json:"think,omitempty"`
	Options  *modelOptions  `json:"options,omitempty"`
	Tools    []toolWrapper  `json:"tools,omitempty"`
	Format   map[string]any `json:"format,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Thinking  string         `json:"thinking,omitempty"`
	Images    []string       `json:"images,omitempty"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type modelOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type toolWrapper struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type wireToolCall struct {
	Function struct {
		Index     int            `json:"index,omitempty"`
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

type tagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Details struct {
			Family        string `json:"family"`
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

// ─── Provider operations ─────────────────────────────────────────────────────

// ListModels implements llm.Provider. The list is fetched live from the
// server's tag endpoint and cached; a stale list is served when the server
// is temporarily unreachable.
func (p *Provider) ListModels(ctx context.Context) ([]llm.ModelInfo, error) {
	return p.cache.Get(ctx, p.fetchModels)
}

func (p *Provider) fetchModels(ctx context.Context) ([]llm.ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, name, "create tags request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, name, "list models", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Transient, name, "read tags response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, llm.WireError(name, resp.StatusCode, string(body))
	}

	var tags tagsResponse
	if err := json.Unmarshal(body, &tags); err != nil {
		return nil, fault.Wrap(fault.Permanent, name, "decode tags response", err)
	}

	models := make([]llm.ModelInfo, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, llm.ModelInfo{
			ID:           m.Name,
			Name:         m.Name,
			Capabilities: guessCapabilities(m.Name),
		})
	}
	return models, nil
}

// guessCapabilities infers model features from the model name. Ollama's tag
// endpoint does not report capabilities, so family-name heuristics decide
// which models the scheduler may hand tools or images.
func guessCapabilities(model string) llm.Capabilities {
	lower := strings.ToLower(model)
	caps := llm.Capabilities{Temperature: true, Streaming: true}

	toolFamilies := []string{"llama3.1", "llama3.2", "llama3.3", "qwen2.5", "qwen3", "mistral-nemo", "command-r", "firefunction", "hermes3"}
	for _, f := range toolFamilies {
		if strings.Contains(lower, f) {
			caps.ToolCalling = true
			break
		}
	}

	visionFamilies := []string{"llava", "llama3.2-vision", "bakllava", "moondream", "minicpm-v", "granite3.2-vision"}
	for _, f := range visionFamilies {
		if strings.Contains(lower, f) {
			caps.Images = true
			break
		}
	}

	if isThinkingModel(lower) {
		caps.ReasoningBudget = true
	}
	return caps
}

// isThinkingModel reports whether the model streams a separate reasoning
// trace. Coder variants of the qwen3 family do not, despite the name.
func isThinkingModel(lower string) bool {
	if strings.Contains(lower, "qwen3-coder") {
		return false
	}
	for _, f := range []string{"deepseek-r1", "qwen3", "gpt-oss"} {
		if strings.Contains(lower, f) {
			return true
		}
	}
	return false
}

// Chat implements llm.Provider.
func (p *Provider) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	wire, err := p.buildRequest(req, false)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, name, "build request", err)
	}

	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	body, err := p.post(ctx, wire)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, maxLineBytes))
	if err != nil {
		return nil, fault.Wrap(fault.Transient, name, "read response", err)
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fault.Wrap(fault.Permanent, name, "decode response", err)
	}
	if cr.Error != "" {
		return nil, fault.New(fault.Permanent, name, "api error: %s", cr.Error)
	}

	resp := &llm.Response{
		Content:      cr.Message.Content,
		Model:        cr.Model,
		FinishReason: finishReason(cr, len(cr.Message.ToolCalls) > 0),
		Usage: llm.TokenUsage{
			PromptTokens:     cr.PromptEvalCount,
			CompletionTokens: cr.EvalCount,
			TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
		},
	}
	resp.ToolCalls = convertToolCalls(cr.Message.ToolCalls)
	return resp, nil
}

// ChatStream implements llm.Provider.
func (p *Provider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	wire, err := p.buildRequest(req, true)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, name, "build request", err)
	}

	body, err := p.post(ctx, wire)
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, 32)
	go func() {
		defer close(ch)
		defer body.Close()

		emit := func(c llm.Chunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

		toolAccum := map[int]*wireToolCall{}

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var cr chatResponse
			if err := json.Unmarshal(line, &cr); err != nil {
				// Malformed keep-alive or partial line; skip it.
				continue
			}
			if cr.Error != "" {
				emit(llm.Chunk{Err: fault.New(fault.Permanent, name, "api error: %s", cr.Error)})
				return
			}

			if cr.Message.Content != "" && !emit(llm.Chunk{Text: cr.Message.Content}) {
				return
			}
			if cr.Message.Thinking != "" && !emit(llm.Chunk{Thinking: cr.Message.Thinking}) {
				return
			}

			// Tool calls arrive keyed by function index; later chunks for the
			// same index merge their argument maps into the first.
			for i := range cr.Message.ToolCalls {
				tc := cr.Message.ToolCalls[i]
				if existing, ok := toolAccum[tc.Function.Index]; ok {
					for k, v := range tc.Function.Arguments {
						existing.Function.Arguments[k] = v
					}
				} else {
					if tc.Function.Arguments == nil {
						tc.Function.Arguments = map[string]any{}
					}
					toolAccum[tc.Function.Index] = &tc
				}
			}

			if cr.Done {
				calls := make([]wireToolCall, 0, len(toolAccum))
				for _, idx := range slices.Sorted(maps.Keys(toolAccum)) {
					calls = append(calls, *toolAccum[idx])
				}
				emit(llm.Chunk{
					FinishReason: finishReason(cr, len(calls) > 0),
					ToolCalls:    convertToolCalls(calls),
					Usage: &llm.TokenUsage{
						PromptTokens:     cr.PromptEvalCount,
						CompletionTokens: cr.EvalCount,
						TotalTokens:      cr.PromptEvalCount + cr.EvalCount,
					},
				})
				return
			}
		}

		if err := scanner.Err(); err != nil {
			kind := fault.Transient
			if errors.Is(err, bufio.ErrTooLong) {
				kind = fault.Permanent
			}
			emit(llm.Chunk{Err: fault.Wrap(kind, name, "read stream", err)})
		}
	}()

	return ch, nil
}

// post sends a chat request and returns the response body on HTTP 200.
func (p *Provider) post(ctx context.Context, wire chatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(wire)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, name, "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, name, "create request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, name, "chat request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return nil, llm.WireError(name, resp.StatusCode, apiErr.Error)
		}
		return nil, llm.WireError(name, resp.StatusCode, string(body))
	}
	return resp.Body, nil
}

// buildRequest converts a generic request to the Ollama wire shape.
func (p *Provider) buildRequest(req llm.Request, stream bool) (chatRequest, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return chatRequest{}, errors.New("ollama: no model requested and no default configured")
	}

	msgs := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		cm, err := convertMessage(m)
		if err != nil {
			return chatRequest{}, err
		}
		msgs = append(msgs, cm)
	}

	wire := chatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   stream,
		Think:    req.ReasoningBudget > 0 && isThinkingModel(strings.ToLower(model)),
	}

	if req.Temperature != 0 || req.MaxTokens > 0 {
		opts := &modelOptions{}
		if req.Temperature != 0 {
			opts.Temperature = req.Temperature
		}
		if req.MaxTokens > 0 {
			opts.NumPredict = req.MaxTokens
		}
		wire.Options = opts
	}

	if req.ToolChoice != "none" {
		for _, td := range req.Tools {
			wire.Tools = append(wire.Tools, toolWrapper{
				Type: "function",
				Function: toolFunction{
					Name:        td.Name,
					Description: td.Description,
					Parameters:  td.Parameters,
				},
			})
		}
	}

	return wire, nil
}

// convertMessage maps a generic message to the Ollama shape. Image parts go
// into the images array as raw base64 since Ollama does not fetch URLs.
func convertMessage(m types.Message) (chatMessage, error) {
	cm := chatMessage{Role: m.Role, Content: m.Content}

	switch m.Role {
	case "system", "user", "assistant":
	case "tool":
		// Ollama identifies tool results by tool name rather than call ID.
		cm.ToolName = m.Name
		if cm.ToolName == "" {
			cm.ToolName = m.ToolCallID
		}
	default:
		return chatMessage{}, fmt.Errorf("ollama: unknown message role %q", m.Role)
	}

	for _, part := range m.Parts {
		switch part.Type {
		case types.PartText:
			if cm.Content != "" {
				cm.Content += "\n"
			}
			cm.Content += part.Text
		case types.PartImageBase64:
			cm.Images = append(cm.Images, part.Data)
		case types.PartImageURL:
			return chatMessage{}, fmt.Errorf("ollama: image URLs are not supported, inline the image as base64")
		default:
			return chatMessage{}, fmt.Errorf("ollama: unsupported content part type %q", part.Type)
		}
	}

	for i, tc := range m.ToolCalls {
		var wtc wireToolCall
		wtc.Function.Index = i
		wtc.Function.Name = tc.Name
		if tc.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Arguments), &wtc.Function.Arguments); err != nil {
				return chatMessage{}, fmt.Errorf("ollama: tool call %s arguments are not valid JSON: %w", tc.Name, err)
			}
		}
		cm.ToolCalls = append(cm.ToolCalls, wtc)
	}

	return cm, nil
}

// convertToolCalls maps wire tool calls to the generic shape, synthesising
// IDs since Ollama does not assign them.
func convertToolCalls(calls []wireToolCall) []types.ToolCall {
	out := make([]types.ToolCall, 0, len(calls))
	for i, tc := range calls {
		args := "{}"
		if len(tc.Function.Arguments) > 0 {
			if data, err := json.Marshal(tc.Function.Arguments); err == nil {
				args = string(data)
			}
		}
		out = append(out, types.ToolCall{
			ID:        fmt.Sprintf("call_%d_%s", i, tc.Function.Name),
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// finishReason maps the done_reason field to the generic finish reasons.
func finishReason(cr chatResponse, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch cr.DoneReason {
	case "length":
		return "length"
	default:
		return "stop"
	}
}

// Compile-time interface check.
var _ llm.Provider = (*Provider)(nil)

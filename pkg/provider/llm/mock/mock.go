// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the scheduler sends correct
// Requests and to feed controlled responses without a live LLM backend.
// All fields are safe to set before calling any method; mutating them during
// a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{
//	    ChatResponse: &llm.Response{Content: "The door creaks open."},
//	}
//	resp, err := p.Chat(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/scribax/pkg/provider/llm"
)

// ChatCall records a single invocation of Chat or ChatStream.
type ChatCall struct {
	// Ctx is the context passed to the call.
	Ctx context.Context
	// Req is the Request passed to the call.
	Req llm.Request
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Models is returned by ListModels.
	Models []llm.ModelInfo

	// ListModelsErr, if non-nil, is returned as the error from ListModels.
	ListModelsErr error

	// ChatResponse is returned by Chat. May be nil (returns nil, nil).
	ChatResponse *llm.Response

	// ChatErr, if non-nil, is returned as the error from Chat.
	ChatErr error

	// ChatResponses, when non-empty, is consumed one per Chat call before
	// falling back to ChatResponse. Use it to script retry sequences.
	ChatResponses []ChatResult

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by ChatStream. All chunks are sent before the channel closes.
	StreamChunks []llm.Chunk

	// StreamErr, if non-nil, is returned as the error from ChatStream
	// instead of opening a channel.
	StreamErr error

	// ValidateErr is returned by ValidateConfig.
	ValidateErr error

	// CostPerCall is returned by EstimateCost regardless of usage.
	CostPerCall float64

	// MaxTokens is returned by MaxOutputTokens.
	MaxTokens int

	// ChatDelay, when non-zero, makes Chat block for the given duration or
	// until the context is cancelled. Use it to exercise timeout paths.
	ChatDelay time.Duration

	// --- Call records (read after test) ---

	// ChatCalls records every invocation of Chat in order.
	ChatCalls []ChatCall

	// StreamCalls records every invocation of ChatStream in order.
	StreamCalls []ChatCall

	// ListModelsCallCount is the number of times ListModels was called.
	ListModelsCallCount int
}

// ChatResult is one scripted Chat outcome.
type ChatResult struct {
	Resp *llm.Response
	Err  error
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// ListModels records the call and returns Models, ListModelsErr.
func (p *Provider) ListModels(context.Context) ([]llm.ModelInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListModelsCallCount++
	if p.ListModelsErr != nil {
		return nil, p.ListModelsErr
	}
	models := make([]llm.ModelInfo, len(p.Models))
	copy(models, p.Models)
	return models, nil
}

// Chat records the call and returns the next scripted result, falling back
// to ChatResponse/ChatErr.
func (p *Provider) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.ChatCalls = append(p.ChatCalls, ChatCall{Ctx: ctx, Req: req})
	delay := p.ChatDelay
	var resp *llm.Response
	var err error
	if len(p.ChatResponses) > 0 {
		next := p.ChatResponses[0]
		p.ChatResponses = p.ChatResponses[1:]
		resp, err = next.Resp, next.Err
	} else {
		resp, err = p.ChatResponse, p.ChatErr
	}
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return resp, err
}

// ChatStream records the call and returns a channel that emits StreamChunks.
// If StreamErr is set, it returns nil, StreamErr without opening a channel.
func (p *Provider) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, ChatCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- c:
			}
		}
	}()
	return ch, nil
}

// ValidateConfig returns ValidateErr.
func (p *Provider) ValidateConfig() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ValidateErr
}

// EstimateCost returns CostPerCall.
func (p *Provider) EstimateCost(string, llm.TokenUsage) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CostPerCall
}

// MaxOutputTokens returns MaxTokens.
func (p *Provider) MaxOutputTokens(string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.MaxTokens
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ChatCalls = nil
	p.StreamCalls = nil
	p.ListModelsCallCount = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)

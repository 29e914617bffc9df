package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

func testServer(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New(llm.Config{BaseURL: srv.URL}, WithDefaultModel("llama3.2:3b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return p
}

// TestChat_HappyPath checks a unary chat round trip.
func TestChat_HappyPath(t *testing.T) {
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var wire chatRequest
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if wire.Stream {
			t.Error("expected stream=false for unary chat")
		}
		if wire.Model != "llama3.2:3b" {
			t.Errorf("expected default model, got %s", wire.Model)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":             "llama3.2:3b",
			"message":           map[string]any{"role": "assistant", "content": "The door creaks open."},
			"done":              true,
			"done_reason":       "stop",
			"prompt_eval_count": 42,
			"eval_count":        11,
		})
	})

	resp, err := p.Chat(context.Background(), llm.Request{
		Messages: []types.Message{{Role: "user", Content: "I open the door."}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "The door creaks open." {
		t.Errorf("unexpected content: %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected finish reason stop, got %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 53 {
		t.Errorf("expected 53 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

// TestChat_APIError checks in-body error reporting.
func TestChat_APIError(t *testing.T) {
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "model not found"})
	})

	_, err := p.Chat(context.Background(), llm.Request{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "model not found") {
		t.Errorf("expected error to carry the API message, got %v", err)
	}
}

// TestChat_ServerErrorIsTransient checks 5xx maps to a retryable fault.
func TestChat_ServerErrorIsTransient(t *testing.T) {
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})

	_, err := p.Chat(context.Background(), llm.Request{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !fault.IsTransient(err) {
		t.Errorf("expected transient fault for 503, got %v", err)
	}
}

// TestChatStream checks NDJSON streaming with malformed lines skipped.
func TestChatStream(t *testing.T) {
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		var wire chatRequest
		_ = json.NewDecoder(r.Body).Decode(&wire)
		if !wire.Stream {
			t.Error("expected stream=true")
		}
		lines := []string{
			`{"message":{"role":"assistant","content":"The goblin "}}`,
			`this is not json`,
			`{"message":{"role":"assistant","content":"lunges!"}}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":10,"eval_count":5}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
	})

	ch, err := p.ChatStream(context.Background(), llm.Request{
		Messages: []types.Message{{Role: "user", Content: "What does the goblin do?"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var text strings.Builder
	var final llm.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		text.WriteString(chunk.Text)
		if chunk.FinishReason != "" {
			final = chunk
		}
	}
	if text.String() != "The goblin lunges!" {
		t.Errorf("unexpected streamed text: %q", text.String())
	}
	if final.FinishReason != "stop" {
		t.Errorf("expected terminal finish reason stop, got %q", final.FinishReason)
	}
	if final.Usage == nil || final.Usage.TotalTokens != 15 {
		t.Errorf("expected terminal usage 15 tokens, got %+v", final.Usage)
	}
}

// TestChatStream_ToolCalls checks tool calls are accumulated and emitted on
// the terminal chunk with synthesised IDs.
func TestChatStream_ToolCalls(t *testing.T) {
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"role":"assistant","content":"","tool_calls":[{"function":{"index":0,"name":"roll_dice","arguments":{"notation":"1d20"}}}]}}`,
			`{"message":{"role":"assistant","content":""},"done":true,"done_reason":"stop","prompt_eval_count":8,"eval_count":3}`,
		}
		for _, l := range lines {
			_, _ = w.Write([]byte(l + "\n"))
		}
	})

	ch, err := p.ChatStream(context.Background(), llm.Request{
		Messages: []types.Message{{Role: "user", Content: "Roll for initiative."}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var final llm.Chunk
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("unexpected stream error: %v", chunk.Err)
		}
		if chunk.FinishReason != "" {
			final = chunk
		}
	}
	if final.FinishReason != "tool_calls" {
		t.Errorf("expected finish reason tool_calls, got %q", final.FinishReason)
	}
	if len(final.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(final.ToolCalls))
	}
	tc := final.ToolCalls[0]
	if tc.Name != "roll_dice" {
		t.Errorf("expected tool name roll_dice, got %s", tc.Name)
	}
	if tc.ID == "" {
		t.Error("expected a synthesised tool call ID")
	}
	if !strings.Contains(tc.Arguments, "1d20") {
		t.Errorf("expected arguments to carry the notation, got %s", tc.Arguments)
	}
}

// TestListModels checks live tag fetching and capability heuristics.
func TestListModels(t *testing.T) {
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{
				{"name": "llama3.2:3b"},
				{"name": "llava:13b"},
				{"name": "deepseek-r1:7b"},
			},
		})
	})

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(models))
	}
	byID := map[string]llm.ModelInfo{}
	for _, m := range models {
		byID[m.ID] = m
	}
	if !byID["llama3.2:3b"].Capabilities.ToolCalling {
		t.Error("expected llama3.2 to support tool calling")
	}
	if !byID["llava:13b"].Capabilities.Images {
		t.Error("expected llava to support images")
	}
	if !byID["deepseek-r1:7b"].Capabilities.ReasoningBudget {
		t.Error("expected deepseek-r1 to support reasoning")
	}
}

// TestListModels_Cached checks the second call is served from cache.
func TestListModels_Cached(t *testing.T) {
	var hits atomic.Int32
	p := testServer(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"models": []map[string]any{{"name": "llama3.2:3b"}},
		})
	})

	for range 3 {
		if _, err := p.ListModels(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("expected 1 upstream fetch, got %d", hits.Load())
	}
}

// TestBuildRequest_NoModel checks requests need a model or default.
func TestBuildRequest_NoModel(t *testing.T) {
	p, err := New(llm.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err = p.buildRequest(llm.Request{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	}, false)
	if err == nil {
		t.Fatal("expected error when no model is configured")
	}
}

// TestBuildRequest_ToolChoiceNone checks tools are dropped when forced off.
func TestBuildRequest_ToolChoiceNone(t *testing.T) {
	p, err := New(llm.Config{}, WithDefaultModel("llama3.2:3b"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wire, err := p.buildRequest(llm.Request{
		Messages:   []types.Message{{Role: "user", Content: "hi"}},
		Tools:      []llm.ToolDefinition{{Name: "roll_dice"}},
		ToolChoice: "none",
	}, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(wire.Tools) != 0 {
		t.Errorf("expected no tools, got %d", len(wire.Tools))
	}
}

// TestConvertMessage_ImageURLRejected checks URL images are refused since
// Ollama only accepts inline base64.
func TestConvertMessage_ImageURLRejected(t *testing.T) {
	_, err := convertMessage(types.Message{
		Role:  "user",
		Parts: []types.ContentPart{{Type: types.PartImageURL, URL: "https://example.com/map.png"}},
	})
	if err == nil {
		t.Fatal("expected error for URL image part")
	}
}

// TestConvertMessage_ToolResult checks tool results carry the tool name.
func TestConvertMessage_ToolResult(t *testing.T) {
	cm, err := convertMessage(types.Message{
		Role: "tool", Name: "roll_dice", Content: "17", ToolCallID: "call_0_roll_dice",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cm.ToolName != "roll_dice" {
		t.Errorf("expected tool_name roll_dice, got %s", cm.ToolName)
	}
}

// TestGuessCapabilities_Coder checks qwen3 coder variants are excluded from
// the thinking heuristic.
func TestGuessCapabilities_Coder(t *testing.T) {
	if guessCapabilities("qwen3-coder:30b").ReasoningBudget {
		t.Error("expected qwen3-coder to be excluded from thinking models")
	}
	if !guessCapabilities("qwen3:8b").ReasoningBudget {
		t.Error("expected qwen3 to support thinking")
	}
}

// TestEstimateCost_AlwaysZero checks local inference is free.
func TestEstimateCost_AlwaysZero(t *testing.T) {
	p, err := New(llm.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c := p.EstimateCost("llama3.2:3b", llm.TokenUsage{TotalTokens: 1_000_000}); c != 0 {
		t.Errorf("expected zero cost, got %f", c)
	}
}

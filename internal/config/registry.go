package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/scribax/pkg/provider/embeddings"
	embedollama "github.com/MrWong99/scribax/pkg/provider/embeddings/ollama"
	embedopenai "github.com/MrWong99/scribax/pkg/provider/embeddings/openai"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/provider/llm/anthropic"
	"github.com/MrWong99/scribax/pkg/provider/llm/anyllm"
	"github.com/MrWong99/scribax/pkg/provider/llm/ollama"
	"github.com/MrWong99/scribax/pkg/provider/llm/openai"
	"github.com/MrWong99/scribax/pkg/provider/llm/openaicompat"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[string]func(ProviderEntry) (llm.Provider, error)
	embeddings map[string]func(ProviderEntry) (embeddings.Provider, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[string]func(ProviderEntry) (llm.Provider, error)),
		embeddings: make(map[string]func(ProviderEntry) (embeddings.Provider, error)),
	}
}

// RegisterLLM registers an LLM provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[name] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// CreateLLM instantiates an LLM provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}

// NewDefaultRegistry returns a [Registry] with every built-in provider
// adapter registered under its conventional name.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()

	r.RegisterLLM("openai", func(e ProviderEntry) (llm.Provider, error) {
		cfg, err := clientConfig(e)
		if err != nil {
			return nil, err
		}
		return openai.New(cfg)
	})
	r.RegisterLLM("anthropic", func(e ProviderEntry) (llm.Provider, error) {
		cfg, err := clientConfig(e)
		if err != nil {
			return nil, err
		}
		return anthropic.New(cfg)
	})
	r.RegisterLLM("ollama", func(e ProviderEntry) (llm.Provider, error) {
		cfg, err := clientConfig(e)
		if err != nil {
			return nil, err
		}
		return ollama.New(cfg)
	})
	r.RegisterLLM("openrouter", func(e ProviderEntry) (llm.Provider, error) {
		cfg, err := clientConfig(e)
		if err != nil {
			return nil, err
		}
		return openaicompat.NewOpenRouter(cfg)
	})
	r.RegisterLLM("groq", func(e ProviderEntry) (llm.Provider, error) {
		cfg, err := clientConfig(e)
		if err != nil {
			return nil, err
		}
		return openaicompat.NewGroq(cfg)
	})
	r.RegisterLLM("zhipu", func(e ProviderEntry) (llm.Provider, error) {
		cfg, err := clientConfig(e)
		if err != nil {
			return nil, err
		}
		return openaicompat.NewZhipu(cfg)
	})
	r.RegisterLLM("gemini", anyllmFactory(anyllm.NewGemini))
	r.RegisterLLM("deepseek", anyllmFactory(anyllm.NewDeepSeek))
	r.RegisterLLM("mistral", anyllmFactory(anyllm.NewMistral))
	r.RegisterLLM("llamacpp", anyllmFactory(anyllm.NewLlamaCpp))
	r.RegisterLLM("llamafile", anyllmFactory(anyllm.NewLlamaFile))

	r.RegisterEmbeddings("openai", func(e ProviderEntry) (embeddings.Provider, error) {
		key, err := e.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		return embedopenai.New(key, e.Model)
	})
	r.RegisterEmbeddings("ollama", func(e ProviderEntry) (embeddings.Provider, error) {
		return embedollama.New(e.BaseURL, e.Model)
	})

	return r
}

// clientConfig converts a ProviderEntry into the adapter client config,
// resolving the API key from the environment.
func clientConfig(e ProviderEntry) (llm.Config, error) {
	key, err := e.ResolveAPIKey()
	if err != nil {
		return llm.Config{}, err
	}
	return llm.Config{
		APIKey:  key,
		BaseURL: e.BaseURL,
		Timeout: time.Duration(e.TimeoutSeconds) * time.Second,
	}, nil
}

// anyllmFactory adapts an any-llm-go backend constructor into a registry
// factory. The API key, when named, is handed to the backend as an option;
// otherwise the backend reads its own conventional environment variable.
func anyllmFactory(construct func(model string, opts ...anyllmlib.Option) (*anyllm.Provider, error)) func(ProviderEntry) (llm.Provider, error) {
	return func(e ProviderEntry) (llm.Provider, error) {
		key, err := e.ResolveAPIKey()
		if err != nil {
			return nil, err
		}
		var opts []anyllmlib.Option
		if key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
		if e.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
		}
		return construct(e.Model, opts...)
	}
}

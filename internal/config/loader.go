package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/MrWong99/scribax/internal/tool/mcpbridge"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "openrouter", "groq", "zhipu", "ollama", "gemini", "deepseek", "mistral", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// LLM providers
	llmNames := make(map[string]int, len(cfg.Providers.LLM))
	for i, entry := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if entry.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := llmNames[entry.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.llm[%d]", prefix, entry.Name, prev))
		}
		llmNames[entry.Name] = i
		validateProviderName("llm", entry.Name)
		if entry.TimeoutSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout_seconds must not be negative, got %d", prefix, entry.TimeoutSeconds))
		}
		warnUnsetKeyEnv(entry)
	}
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)
	warnUnsetKeyEnv(cfg.Providers.Embeddings)

	if len(cfg.Providers.LLM) == 0 && len(cfg.NPCs) > 0 {
		slog.Warn("no LLM provider configured; NPCs will not be able to generate responses")
	}

	// Router — every named provider must be a configured LLM entry.
	if cfg.Router.DefaultProvider != "" {
		if _, ok := llmNames[cfg.Router.DefaultProvider]; !ok {
			errs = append(errs, fmt.Errorf("router.default_provider %q is not declared in providers.llm", cfg.Router.DefaultProvider))
		}
	}
	for i, name := range cfg.Router.FallbackProviders {
		if _, ok := llmNames[name]; !ok {
			errs = append(errs, fmt.Errorf("router.fallback_providers[%d] %q is not declared in providers.llm", i, name))
		}
	}
	if cfg.Router.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("router.max_retries must not be negative, got %d", cfg.Router.MaxRetries))
	}
	if cfg.Router.RetryDelayMS < 0 {
		errs = append(errs, fmt.Errorf("router.retry_delay_ms must not be negative, got %d", cfg.Router.RetryDelayMS))
	}
	if cfg.Router.CostThreshold < 0 {
		errs = append(errs, fmt.Errorf("router.cost_threshold must not be negative, got %v", cfg.Router.CostThreshold))
	}
	if cfg.Router.HighPriorityLatencyMS < 0 {
		errs = append(errs, fmt.Errorf("router.high_priority_latency_ms must not be negative, got %d", cfg.Router.HighPriorityLatencyMS))
	}

	// Scheduler
	if cfg.Scheduler.Strategy != "" && !cfg.Scheduler.Strategy.IsValid() {
		errs = append(errs, fmt.Errorf("scheduler.strategy %q is invalid; valid values: fifo, priority, load_balance, adaptive", cfg.Scheduler.Strategy))
	}
	if cfg.Scheduler.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_retries must not be negative, got %d", cfg.Scheduler.MaxRetries))
	}
	if cfg.Scheduler.Workers < 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must not be negative, got %d", cfg.Scheduler.Workers))
	}

	// NPCs
	npcNamesSeen := make(map[string]int, len(cfg.NPCs))
	for i, npc := range cfg.NPCs {
		prefix := fmt.Sprintf("npcs[%d]", i)
		if npc.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := npcNamesSeen[npc.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of npcs[%d]", prefix, npc.Name, prev))
			}
			npcNamesSeen[npc.Name] = i
		}
	}

	// Time rules
	ruleIDsSeen := make(map[string]int, len(cfg.Rules))
	for i, rule := range cfg.Rules {
		prefix := fmt.Sprintf("rules[%d]", i)
		if rule.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", prefix))
			continue
		}
		if prev, ok := ruleIDsSeen[rule.ID]; ok {
			errs = append(errs, fmt.Errorf("%s.id %q is a duplicate of rules[%d]", prefix, rule.ID, prev))
		}
		ruleIDsSeen[rule.ID] = i
	}

	// Session
	if cfg.Session.AutoSaveTurns < 0 {
		errs = append(errs, fmt.Errorf("session.auto_save_turns must not be negative, got %d", cfg.Session.AutoSaveTurns))
	}
	if cfg.Session.ContextTokenBudget < 0 {
		errs = append(errs, fmt.Errorf("session.context_token_budget must not be negative, got %d", cfg.Session.ContextTokenBudget))
	}

	// Storage
	if cfg.Providers.Embeddings.Name != "" && cfg.Storage.EmbeddingDimensions <= 0 {
		slog.Warn("providers.embeddings is configured but storage.embedding_dimensions is not set; defaulting to 1536")
	}
	if cfg.Storage.PostgresDSN == "" && len(cfg.NPCs) > 0 {
		slog.Warn("storage.postgres_dsn is empty; sessions and world state will not be persisted")
	}
	if cfg.Storage.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("storage.redis.db must not be negative, got %d", cfg.Storage.Redis.DB))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcpbridge.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcpbridge.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

// warnUnsetKeyEnv logs a warning when a provider names an API key variable
// that is not present in the environment. The key itself is never logged.
func warnUnsetKeyEnv(entry ProviderEntry) {
	if entry.APIKeyEnv == "" {
		return
	}
	if _, ok := os.LookupEnv(entry.APIKeyEnv); !ok {
		slog.Warn("provider API key environment variable is not set",
			"provider", entry.Name,
			"env", entry.APIKeyEnv,
		)
	}
}

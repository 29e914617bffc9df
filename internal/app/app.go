// Package app wires all Scribax subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops, and Shutdown tears
// everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithChatter,
// WithSessionStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/scribax/internal/agent"
	"github.com/MrWong99/scribax/internal/agent/npcpool"
	"github.com/MrWong99/scribax/internal/agent/npcstore"
	"github.com/MrWong99/scribax/internal/bus"
	"github.com/MrWong99/scribax/internal/classify"
	"github.com/MrWong99/scribax/internal/config"
	"github.com/MrWong99/scribax/internal/gametask"
	"github.com/MrWong99/scribax/internal/gametime"
	"github.com/MrWong99/scribax/internal/health"
	"github.com/MrWong99/scribax/internal/llmrouter"
	"github.com/MrWong99/scribax/internal/narrator"
	"github.com/MrWong99/scribax/internal/observe"
	"github.com/MrWong99/scribax/internal/promptctx"
	"github.com/MrWong99/scribax/internal/scheduler"
	"github.com/MrWong99/scribax/internal/tool"
	"github.com/MrWong99/scribax/internal/tool/builtin/calculator"
	"github.com/MrWong99/scribax/internal/tool/builtin/clock"
	"github.com/MrWong99/scribax/internal/tool/builtin/diceroller"
	"github.com/MrWong99/scribax/internal/tool/builtin/fileio"
	"github.com/MrWong99/scribax/internal/tool/builtin/randomizer"
	"github.com/MrWong99/scribax/internal/tool/builtin/ruleslookup"
	"github.com/MrWong99/scribax/internal/tool/mcpbridge"
	"github.com/MrWong99/scribax/internal/turn"
	"github.com/MrWong99/scribax/pkg/chronicle"
	"github.com/MrWong99/scribax/pkg/gamestate"
	"github.com/MrWong99/scribax/pkg/provider/embeddings"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/storage"
	"github.com/MrWong99/scribax/pkg/types"
	"github.com/MrWong99/scribax/pkg/worldstore"
)

// defaultEmbeddingDims matches OpenAI text-embedding-3-small.
const defaultEmbeddingDims = 1536

// assistantID is the bus address of the built-in DM assistant agent.
const assistantID = "dm-assistant"

// Chatter is the model access every LLM-consuming subsystem shares. The
// provider scheduler satisfies it, as do test doubles.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// routerProxy is the swappable indirection in front of the provider
// scheduler. Subsystems hold the proxy; a router-config hot reload builds a
// fresh scheduler and swaps the pointer without touching them.
type routerProxy struct {
	router atomic.Pointer[llmrouter.Router]
}

func (p *routerProxy) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	return p.router.Load().Chat(ctx, req)
}

func (p *routerProxy) ChatStream(ctx context.Context, req llm.Request) (<-chan llm.Chunk, error) {
	return p.router.Load().ChatStream(ctx, req)
}

// App owns all subsystem lifetimes and orchestrates the Scribax runtime.
type App struct {
	cfg   *config.Config
	cfgMu sync.RWMutex

	// logLevel, when set, is retargeted on log-level hot reloads.
	logLevel *slog.LevelVar

	registry *config.Registry
	proxy    *routerProxy
	chat     Chatter
	embedder embeddings.Provider

	// Stores — Postgres when a DSN is configured, in-memory otherwise.
	pgPool   *pgxpool.Pool
	sessions gamestate.Store
	world    worldstore.Store
	npcs     npcstore.Store
	chron    *chronicle.Chronicle
	kv       storage.KV

	// Tooling.
	tools   *tool.Registry
	toolMgr *tool.Manager
	bridge  *mcpbridge.Bridge

	// Agent plumbing.
	msgBus    *bus.Bus
	sched     *scheduler.Scheduler
	monitor   *scheduler.Monitor
	assistant *agent.Agent

	// Turn pipeline collaborators.
	clock       *gametime.Manager
	storyteller *narrator.Generator
	pool        *npcpool.Pool
	pipeline    *turn.Pipeline
	manager     *SessionManager

	healthz *health.Handler
	metrics *observe.Metrics

	// closers are called in reverse order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithChatter injects the shared model access instead of building the
// provider scheduler from config. Router hot reloads become no-ops.
func WithChatter(c Chatter) Option {
	return func(a *App) { a.chat = c }
}

// WithEmbedder injects an embeddings provider instead of creating one from
// config.
func WithEmbedder(e embeddings.Provider) Option {
	return func(a *App) { a.embedder = e }
}

// WithSessionStore injects a session store instead of creating one from
// config.
func WithSessionStore(s gamestate.Store) Option {
	return func(a *App) { a.sessions = s }
}

// WithWorldStore injects a world entity store instead of creating one from
// config.
func WithWorldStore(s worldstore.Store) Option {
	return func(a *App) { a.world = s }
}

// WithNPCStore injects an NPC store instead of creating one from config.
func WithNPCStore(s npcstore.Store) Option {
	return func(a *App) { a.npcs = s }
}

// WithChronicle injects a chronicle instead of creating one from config.
func WithChronicle(c *chronicle.Chronicle) Option {
	return func(a *App) { a.chron = c }
}

// WithKV injects a key-value cache instead of creating one from config.
func WithKV(kv storage.KV) Option {
	return func(a *App) { a.kv = kv }
}

// WithProviderRegistry replaces the default provider registry.
func WithProviderRegistry(r *config.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLogLevelVar hands the App the level var behind the process logger so
// log-level hot reloads take effect.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics replaces the default metrics instance. Tests use this with a
// manual-reader meter provider.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option
// functions to inject test doubles for any subsystem.
//
// New performs all initialisation synchronously: provider construction,
// store connection and migration, NPC profile seeding, tool registration,
// MCP server mounting, and pipeline assembly.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config must not be nil")
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.registry == nil {
		a.registry = config.NewDefaultRegistry()
	}

	// ── 1. Providers ─────────────────────────────────────────────────────
	if err := a.initProviders(); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}

	// ── 2. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 3. NPC profiles ──────────────────────────────────────────────────
	if err := a.seedNPCProfiles(ctx); err != nil {
		return nil, fmt.Errorf("app: seed npc profiles: %w", err)
	}

	// ── 4. Tools + MCP ───────────────────────────────────────────────────
	if err := a.initTools(ctx); err != nil {
		return nil, fmt.Errorf("app: init tools: %w", err)
	}

	// ── 5. Bus + scheduler ───────────────────────────────────────────────
	if err := a.initAgentPlumbing(); err != nil {
		return nil, fmt.Errorf("app: init agent plumbing: %w", err)
	}

	// ── 6. Turn pipeline ─────────────────────────────────────────────────
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}

	// ── 7. Session manager + health ──────────────────────────────────────
	manager, err := NewSessionManager(SessionManagerConfig{
		Sessions:      a.sessions,
		Pipeline:      a.pipeline,
		Pool:          a.pool,
		Clock:         a.clock,
		Metrics:       a.metrics,
		AutoSaveTurns: cfg.Session.AutoSaveTurns,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create session manager: %w", err)
	}
	a.manager = manager
	a.healthz = health.New(a.healthCheckers()...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// buildRouter constructs a provider scheduler from the config: one adapter
// per configured provider, registered under its name.
func buildRouter(registry *config.Registry, cfg *config.Config) (*llmrouter.Router, error) {
	router, err := llmrouter.New(llmrouter.Config{
		DefaultProvider:     cfg.Router.DefaultProvider,
		FallbackProviders:   cfg.Router.FallbackProviders,
		MaxRetries:          cfg.Router.MaxRetries,
		RetryDelay:          cfg.Router.RetryDelay(),
		CostThreshold:       cfg.Router.CostThreshold,
		HighPriorityLatency: cfg.Router.HighPriorityLatency(),
	})
	if err != nil {
		return nil, err
	}
	for _, entry := range cfg.Providers.LLM {
		p, err := registry.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("create provider %q: %w", entry.Name, err)
		}
		if err := router.Register(p); err != nil {
			return nil, err
		}
	}
	return router, nil
}

// initProviders builds the shared model access and the embeddings provider,
// unless both were injected.
func (a *App) initProviders() error {
	if a.chat == nil {
		if len(a.cfg.Providers.LLM) == 0 {
			return fmt.Errorf("no LLM providers configured")
		}
		router, err := buildRouter(a.registry, a.cfg)
		if err != nil {
			return err
		}
		a.proxy = &routerProxy{}
		a.proxy.router.Store(router)
		a.chat = a.proxy
	}

	if a.embedder == nil && a.cfg.Providers.Embeddings.Name != "" {
		e, err := a.registry.CreateEmbeddings(a.cfg.Providers.Embeddings)
		if err != nil {
			return fmt.Errorf("create embeddings provider %q: %w", a.cfg.Providers.Embeddings.Name, err)
		}
		a.embedder = e
	}

	return nil
}

// initStores connects the persistent stores. With a Postgres DSN one pgx
// pool backs the session, world, NPC and chronicle stores; without one
// everything runs in memory. The KV cache follows the same pattern with
// Redis.
func (a *App) initStores(ctx context.Context) error {
	dims := a.cfg.Storage.EmbeddingDimensions
	if dims == 0 {
		dims = defaultEmbeddingDims
	}

	if dsn := a.cfg.Storage.PostgresDSN; dsn != "" && a.needsDatabase() {
		pool, err := chronicle.NewPGPool(ctx, dsn)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.pgPool = pool
		a.closers = append(a.closers, func() error {
			pool.Close()
			return nil
		})

		if a.sessions == nil {
			store := gamestate.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.sessions = store
		}
		if a.world == nil {
			store := worldstore.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.world = store
		}
		if a.npcs == nil {
			store := npcstore.NewPostgresStore(pool)
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			a.npcs = store
		}
		if a.chron == nil {
			log := chronicle.NewPGLog(pool)
			if err := log.Migrate(ctx); err != nil {
				return err
			}
			var chronOpts []chronicle.Option
			if a.embedder != nil {
				index, err := chronicle.NewPGIndex(pool, dims)
				if err != nil {
					return err
				}
				if err := index.Migrate(ctx); err != nil {
					return err
				}
				chronOpts = append(chronOpts, chronicle.WithSemanticIndex(index, a.embedder))
			}
			a.chron = chronicle.New(log, chronOpts...)
		}
	} else {
		if a.sessions == nil {
			a.sessions = gamestate.NewMemStore()
		}
		if a.world == nil {
			a.world = worldstore.NewMemStore()
		}
		if a.npcs == nil {
			a.npcs = npcstore.NewMemStore()
		}
		if a.chron == nil {
			var chronOpts []chronicle.Option
			if a.embedder != nil {
				chronOpts = append(chronOpts, chronicle.WithSemanticIndex(chronicle.NewMemIndex(), a.embedder))
			}
			a.chron = chronicle.New(chronicle.NewMemLog(), chronOpts...)
		}
	}

	if a.kv == nil {
		if addr := a.cfg.Storage.Redis.Addr; addr != "" {
			kv, err := storage.NewRedisKV(storage.RedisConfig{
				Addr:     addr,
				Password: redisPassword(a.cfg.Storage.Redis),
				DB:       a.cfg.Storage.Redis.DB,
			})
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			a.kv = kv
		} else {
			a.kv = storage.NewMemKV()
		}
	}
	if closer, ok := a.kv.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	return nil
}

// redisPassword resolves the Redis password from the configured environment
// variable. The value itself never appears in config files or logs.
func redisPassword(cfg config.RedisConfig) string {
	if cfg.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(cfg.PasswordEnv)
}

// needsDatabase reports whether any store still has to be created from
// config. When every store was injected the DSN is left untouched.
func (a *App) needsDatabase() bool {
	return a.sessions == nil || a.world == nil || a.npcs == nil || a.chron == nil
}

// seedNPCProfiles upserts the config-declared NPCs into the NPC store so
// the pool can instantiate them.
func (a *App) seedNPCProfiles(ctx context.Context) error {
	for _, npc := range a.cfg.NPCs {
		profile := profileFromConfig(npc)
		if err := a.npcs.UpsertProfile(ctx, &profile); err != nil {
			return fmt.Errorf("upsert npc %q: %w", npc.Name, err)
		}
	}
	if len(a.cfg.NPCs) == 0 {
		slog.Warn("no NPCs configured")
	}
	return nil
}

// profileFromConfig maps one config NPC onto a store profile. A missing ID
// falls back to the name, which config validation keeps unique.
func profileFromConfig(npc config.NPCConfig) npcstore.Profile {
	id := npc.ID
	if id == "" {
		id = npc.Name
	}
	return npcstore.Profile{
		ID:             id,
		Name:           npc.Name,
		Personality:    npc.Personality,
		SpeechStyle:    npc.SpeechStyle,
		KnowledgeScope: npc.KnowledgeScope,
		Model:          npc.Model,
	}
}

// initTools registers the built-in tools, creates the manager, and mounts
// the configured MCP servers.
func (a *App) initTools(ctx context.Context) error {
	reg := tool.NewRegistry()

	if err := reg.RegisterAll("game", diceroller.Tools()...); err != nil {
		return err
	}
	if err := reg.RegisterAll("game", randomizer.Tools()...); err != nil {
		return err
	}
	if err := reg.RegisterAll("game", ruleslookup.Tools()...); err != nil {
		return err
	}
	if err := reg.RegisterAll("utility", clock.Tools()...); err != nil {
		return err
	}
	if err := reg.RegisterAll("utility", calculator.Tools()...); err != nil {
		return err
	}
	if root := a.cfg.Storage.FileRoot; root != "" {
		if err := reg.RegisterAll("files", fileio.NewTools(root)...); err != nil {
			return err
		}
	}
	a.tools = reg

	mgr, err := tool.NewManager(reg, tool.Config{})
	if err != nil {
		return err
	}
	a.toolMgr = mgr

	bridge, err := mcpbridge.New(reg)
	if err != nil {
		return err
	}
	a.bridge = bridge
	a.closers = append(a.closers, bridge.Close)

	// A dead MCP server costs its tools, not the whole application.
	for _, srv := range a.cfg.MCP.Servers {
		names, err := bridge.Mount(ctx, mcpbridge.ServerConfig{
			Name:      srv.Name,
			Transport: srv.Transport,
			Command:   srv.Command,
			URL:       srv.URL,
			Env:       srv.Env,
		})
		if err != nil {
			slog.Warn("mounting MCP server failed", "name", srv.Name, "error", err)
			continue
		}
		slog.Info("mounted MCP server", "name", srv.Name, "tools", len(names))
	}

	return nil
}

// initAgentPlumbing creates the message bus, the task scheduler and its
// monitor. The loops start in Run.
func (a *App) initAgentPlumbing() error {
	b, err := bus.New(bus.Config{
		HistorySize:     256,
		SanitizeHistory: true,
	})
	if err != nil {
		return err
	}
	a.msgBus = b
	a.closers = append(a.closers, func() error {
		b.Stop()
		return nil
	})

	schedCfg := scheduler.Config{
		Strategy:   scheduler.Strategy(a.cfg.Scheduler.Strategy),
		MaxRetries: a.cfg.Scheduler.MaxRetries,
	}
	var gauge *scheduler.CPUGauge
	if schedCfg.Strategy == scheduler.StrategyAdaptive {
		gauge = scheduler.NewCPUGauge(0)
		schedCfg.CPUPercent = gauge.Percent
	}
	sched, err := scheduler.New(schedCfg)
	if err != nil {
		return err
	}
	a.sched = sched

	monitor, err := scheduler.NewMonitor(sched, scheduler.MonitorConfig{Gauge: gauge})
	if err != nil {
		return err
	}
	a.monitor = monitor
	a.closers = append(a.closers, func() error {
		monitor.Stop()
		return nil
	})

	if err := b.Register(assistantID); err != nil {
		return err
	}
	assistant, err := agent.New(agent.Config{
		ID:   assistantID,
		Name: "DM assistant",
		SystemPrompt: "You are the dungeon master's behind-the-screen assistant. " +
			"Answer rules questions, roll dice, and run quick calculations. " +
			"Be brief and concrete.",
		Capabilities: []agent.Capability{agent.CapToolUse, agent.CapChat},
		Chat:         a.chat,
		Tools:        a.toolMgr,
		Bus:          b,
	})
	if err != nil {
		return err
	}
	a.assistant = assistant
	a.closers = append(a.closers, assistant.Stop)

	return nil
}

// initPipeline assembles the turn pipeline from its phase owners.
func (a *App) initPipeline() error {
	clockMgr, err := gametime.New(gametime.Config{})
	if err != nil {
		return err
	}
	if err := registerDefaultRules(clockMgr); err != nil {
		return err
	}
	applyRuleToggles(clockMgr, a.cfg.Rules)
	a.clock = clockMgr

	gen, err := narrator.New(narrator.Config{Chat: a.chat})
	if err != nil {
		return err
	}
	a.storyteller = gen

	classifier, err := classify.NewClassifier(a.chat, classify.ClassifierConfig{})
	if err != nil {
		return err
	}
	extractor, err := classify.NewExtractor(a.chat, a.world, classify.ExtractorConfig{})
	if err != nil {
		return err
	}
	dispatcher, err := gametask.NewDispatcher(gametask.Config{})
	if err != nil {
		return err
	}

	assembler, err := promptctx.New(promptctx.Config{
		Records:     a.chron,
		Entities:    a.world,
		TokenBudget: a.cfg.Session.ContextTokenBudget,
	})
	if err != nil {
		return err
	}

	pool, err := npcpool.New(npcpool.Config{
		Chat:    a.chat,
		Store:   a.npcs,
		Context: assembler,
	})
	if err != nil {
		return err
	}
	a.pool = pool

	pipeline, err := turn.New(turn.Config{
		Classifier: classifier,
		Extractor:  extractor,
		Dispatcher: dispatcher,
		Pool:       pool,
		Clock:      clockMgr,
		Narrator:   gen,
		Chronicle:  a.chron,
		Sessions:   a.sessions,
		World:      a.world,
	})
	if err != nil {
		return err
	}
	a.pipeline = pipeline

	return nil
}

// registerDefaultRules installs the stock time rules. Config toggles and
// restored sessions switch them on and off by ID.
func registerDefaultRules(mgr *gametime.Manager) error {
	torch, err := gametime.NewPeriodicRule("torch-burn", 10, time.Hour, types.GameEvent{
		EventType:   "torch_burnout",
		Description: "A lit torch gutters out.",
	})
	if err != nil {
		return err
	}
	slots, err := gametime.NewPeriodicRule("spell-slot-recovery", 5, 24*time.Hour, types.GameEvent{
		EventType:   "spell_slot_recovery",
		Description: "A day has passed; expended spell slots recover.",
	})
	if err != nil {
		return err
	}
	for _, r := range []gametime.Rule{torch, slots} {
		if err := mgr.Register(r); err != nil {
			return err
		}
	}
	return nil
}

// applyRuleToggles folds the config rule switches into the manager. Rules
// the config names but the manager does not know are reported and skipped.
func applyRuleToggles(mgr *gametime.Manager, rules []config.RuleConfig) {
	for _, rule := range rules {
		if err := mgr.SetEnabled(rule.ID, !rule.Disabled); err != nil {
			slog.Warn("config names an unknown event rule", "rule_id", rule.ID, "error", err)
		}
	}
}

// healthCheckers builds the readiness probes.
func (a *App) healthCheckers() []health.Checker {
	checkers := []health.Checker{
		{
			Name: "providers",
			Check: func(context.Context) error {
				if a.chat == nil {
					return fmt.Errorf("no model access configured")
				}
				return nil
			},
		},
	}
	if a.pgPool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "database",
			Check: func(ctx context.Context) error { return a.pgPool.Ping(ctx) },
		})
	}
	return checkers
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Sessions returns the session lifecycle manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Health returns the health endpoint handler.
func (a *App) Health() *health.Handler { return a.healthz }

// Tools returns the tool registry, for surfaces that list or call tools
// directly.
func (a *App) Tools() *tool.Registry { return a.tools }

// Assistant returns the built-in DM assistant agent. It serves REQUEST
// messages addressed to "dm-assistant" on the message bus and accepts direct
// ExecuteTask calls.
func (a *App) Assistant() *agent.Agent { return a.assistant }

// Bus returns the inter-agent message bus, for surfaces that register their
// own agents or talk to the assistant.
func (a *App) Bus() *bus.Bus { return a.msgBus }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the background loops and blocks until ctx is cancelled. When
// ctx is done, Run returns ctx.Err(); call Shutdown afterwards.
func (a *App) Run(ctx context.Context) error {
	a.msgBus.Start(ctx)
	a.monitor.Start(ctx)
	if err := a.assistant.Start(ctx); err != nil {
		return fmt.Errorf("app: start assistant: %w", err)
	}

	a.cfgMu.RLock()
	npcs := len(a.cfg.NPCs)
	a.cfgMu.RUnlock()
	slog.Info("app running", "npcs", npcs)

	<-ctx.Done()
	return ctx.Err()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// OnConfigChange applies the hot-reloadable slice of a config update: log
// level, router tuning, NPC personas, and event-rule toggles. Wire it as
// the config watcher callback. Changes outside that slice need a restart
// and are ignored here.
func (a *App) OnConfigChange(oldCfg, newCfg *config.Config) {
	diff := config.Diff(oldCfg, newCfg)

	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.RouterChanged && a.proxy != nil {
		router, err := buildRouter(a.registry, newCfg)
		if err != nil {
			slog.Error("router config reload failed, keeping previous router", "error", err)
		} else {
			a.proxy.router.Store(router)
			slog.Info("router config reloaded",
				"default_provider", newCfg.Router.DefaultProvider,
				"fallbacks", len(newCfg.Router.FallbackProviders),
			)
		}
	}

	if diff.NPCsChanged {
		a.applyNPCChanges(newCfg, diff.NPCChanges)
	}

	for _, rule := range diff.RuleChanges {
		if err := a.clock.SetEnabled(rule.ID, rule.Enabled); err != nil {
			slog.Warn("rule toggle failed", "rule_id", rule.ID, "error", err)
			continue
		}
		slog.Info("event rule toggled", "rule_id", rule.ID, "enabled", rule.Enabled)
	}

	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()
}

// applyNPCChanges upserts added and changed NPC personas and drops their
// cached instances so the next turn rebuilds them from the store.
func (a *App) applyNPCChanges(newCfg *config.Config, changes []config.NPCDiff) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	byName := make(map[string]config.NPCConfig, len(newCfg.NPCs))
	for _, npc := range newCfg.NPCs {
		byName[npc.Name] = npc
	}

	for _, change := range changes {
		if change.Removed {
			// The profile stays in the store; only the live instance goes.
			a.pool.InvalidateNPC(change.Name)
			slog.Info("npc removed from config", "name", change.Name)
			continue
		}
		npc, ok := byName[change.Name]
		if !ok {
			continue
		}
		profile := profileFromConfig(npc)
		if err := a.npcs.UpsertProfile(ctx, &profile); err != nil {
			slog.Warn("npc persona update failed", "name", change.Name, "error", err)
			continue
		}
		a.pool.InvalidateNPC(profile.ID)
		slog.Info("npc persona updated", "name", change.Name, "added", change.Added)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

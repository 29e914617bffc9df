package npcpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/internal/agent/npcstore"
	"github.com/MrWong99/scribax/internal/promptctx"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

const (
	defaultCapacity     = 32
	defaultMemoryLimit  = 20
	defaultRespondLimit = 8
)

// ContextAssembler is the prompt context surface the pool depends on.
// [promptctx.Assembler] satisfies it.
type ContextAssembler interface {
	Assemble(ctx context.Context, req promptctx.Request) (*promptctx.Context, error)
}

// Config holds pool settings.
type Config struct {
	// Chat is the model access shared by every NPC. Must not be nil.
	Chat Chatter

	// Store persists NPC profiles and per-session state. Must not be nil.
	Store npcstore.Store

	// Context assembles the shared world context block appended to each
	// NPC's system prompt, built from the session chronicle and the
	// entities the turn's tasks mention. Optional; NPCs fall back to their
	// persona and interior state alone.
	Context ContextAssembler

	// Capacity bounds the number of live NPC instances. Above it the pool
	// evicts the least-recently-used instance that is not currently
	// responding. Defaults to 32.
	Capacity int

	// Model is the model ID for NPCs whose profile does not pin one.
	Model string

	// MaxTokens caps completion tokens per NPC response.
	MaxTokens int

	// Temperature controls sampling on NPC responses.
	Temperature float64

	// MemoryLimit bounds each NPC's recent-memory list. Defaults to 20.
	MemoryLimit int

	// RespondLimit caps how many NPCs answer concurrently in RespondAll.
	// Defaults to 8.
	RespondLimit int
}

// Validate checks the configuration for contradictions.
func (c Config) Validate() error {
	if c.Chat == nil {
		return fault.New(fault.Validation, "npcpool", "Chat must not be nil")
	}
	if c.Store == nil {
		return fault.New(fault.Validation, "npcpool", "Store must not be nil")
	}
	if c.Capacity < 0 {
		return fault.New(fault.Validation, "npcpool", "Capacity must not be negative, got %d", c.Capacity)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fault.New(fault.Validation, "npcpool", "Temperature must be in [0, 2], got %g", c.Temperature)
	}
	if c.MemoryLimit < 0 {
		return fault.New(fault.Validation, "npcpool", "MemoryLimit must not be negative, got %d", c.MemoryLimit)
	}
	if c.RespondLimit < 0 {
		return fault.New(fault.Validation, "npcpool", "RespondLimit must not be negative, got %d", c.RespondLimit)
	}
	return nil
}

type poolKey struct {
	sessionID string
	npcID     string
}

// entry pairs a live NPC with its recency stamp.
type entry struct {
	npc *NPC

	// touched is the pool sequence number of the last Get. Lowest wins
	// eviction.
	touched uint64
}

// Pool lazily builds and caches NPC instances per (session, NPC) pair.
// All exported methods are safe for concurrent use.
type Pool struct {
	cfg Config

	mu      sync.Mutex
	entries map[poolKey]*entry
	seq     uint64
}

// New creates a Pool from the given configuration.
func New(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.MemoryLimit == 0 {
		cfg.MemoryLimit = defaultMemoryLimit
	}
	if cfg.RespondLimit == 0 {
		cfg.RespondLimit = defaultRespondLimit
	}
	return &Pool{
		cfg:     cfg,
		entries: make(map[poolKey]*entry),
	}, nil
}

// Len returns the number of live NPC instances.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Get returns the live NPC instance for (session, NPC), building it from
// the persisted profile and state on first need. A missing profile is a
// not-found error. Building may evict the least-recently-used idle
// instance when the pool is over capacity.
func (p *Pool) Get(ctx context.Context, sessionID, npcID string) (*NPC, error) {
	if sessionID == "" || npcID == "" {
		return nil, fault.New(fault.Validation, "npcpool", "session and npc IDs must not be empty")
	}
	key := poolKey{sessionID: sessionID, npcID: npcID}

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		p.touchLocked(e)
		p.mu.Unlock()
		return e.npc, nil
	}
	p.mu.Unlock()

	// Load outside the lock: profile and state come from the store and may
	// block.
	npc, err := p.build(ctx, sessionID, npcID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Another goroutine may have built the same NPC meanwhile; theirs wins
	// so every caller shares one instance.
	if e, ok := p.entries[key]; ok {
		p.touchLocked(e)
		return e.npc, nil
	}

	e := &entry{npc: npc}
	p.touchLocked(e)
	p.entries[key] = e
	p.evictLocked()

	slog.Debug("npc agent created",
		"session_id", sessionID,
		"npc_id", npcID,
		"pool_size", len(p.entries),
	)
	return npc, nil
}

// build loads the persisted halves and assembles a fresh instance.
func (p *Pool) build(ctx context.Context, sessionID, npcID string) (*NPC, error) {
	profile, err := p.cfg.Store.GetProfile(ctx, npcID)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "npcpool",
			fmt.Sprintf("loading profile for npc %q", npcID), err)
	}
	if profile == nil {
		return nil, fault.New(fault.NotFound, "npcpool", "npc profile %q not found", npcID)
	}

	state, err := p.cfg.Store.GetState(ctx, sessionID, npcID)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, "npcpool",
			fmt.Sprintf("loading state for npc %q", npcID), err)
	}
	if state == nil {
		state = npcstore.NewState(sessionID, npcID)
	}

	model := profile.Model
	if model == "" {
		model = p.cfg.Model
	}

	return &NPC{
		sessionID:   sessionID,
		profile:     *profile,
		chat:        p.cfg.Chat,
		store:       p.cfg.Store,
		assembler:   p.cfg.Context,
		model:       model,
		maxTokens:   p.cfg.MaxTokens,
		temperature: p.cfg.Temperature,
		memoryLimit: p.cfg.MemoryLimit,
		state:       state,
	}, nil
}

// touchLocked stamps the entry as most recently used. Callers must hold
// p.mu.
func (p *Pool) touchLocked(e *entry) {
	p.seq++
	e.touched = p.seq
}

// evictLocked removes least-recently-used idle instances until the pool is
// back within capacity. Instances currently responding are skipped; when
// every instance is busy the pool stays over capacity until the next Get.
// Callers must hold p.mu.
func (p *Pool) evictLocked() {
	for len(p.entries) > p.cfg.Capacity {
		var (
			oldestKey poolKey
			oldest    *entry
		)
		for key, e := range p.entries {
			if e.npc.busy.Load() {
				continue
			}
			if oldest == nil || e.touched < oldest.touched {
				oldestKey, oldest = key, e
			}
		}
		if oldest == nil {
			return
		}
		delete(p.entries, oldestKey)
		slog.Debug("npc agent evicted",
			"session_id", oldestKey.sessionID,
			"npc_id", oldestKey.npcID,
			"pool_size", len(p.entries),
		)
	}
}

// CleanupSession drops every live instance belonging to the session.
// In-flight responses finish on their detached instances; the next Get
// rebuilds from the store.
func (p *Pool) CleanupSession(sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.entries {
		if key.sessionID == sessionID {
			delete(p.entries, key)
		}
	}
}

// InvalidateNPC drops the live instances of one NPC across every session,
// so the next Get rebuilds them from the store. Call it after a profile
// update; in-flight responses finish on their detached instances.
func (p *Pool) InvalidateNPC(npcID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key := range p.entries {
		if key.npcID == npcID {
			delete(p.entries, key)
		}
	}
}

// GroupByTarget buckets one turn's tasks by the NPC that must answer them,
// preserving task order within each bucket. Tasks that require no NPC
// response are skipped.
func GroupByTarget(tasks []types.DispatchedTask) map[string][]types.DispatchedTask {
	groups := make(map[string][]types.DispatchedTask)
	for _, task := range tasks {
		if !task.RequiresNPCResponse || task.TargetNPCID == "" {
			continue
		}
		groups[task.TargetNPCID] = append(groups[task.TargetNPCID], task)
	}
	return groups
}

// RespondAll fans one turn's tasks out to every targeted NPC. Each NPC
// answers its whole group as a single request; NPCs run concurrently, at
// most RespondLimit at a time. Responses are keyed by NPC ID.
//
// One failing NPC never loses the turn: its error lands in the second map
// and the other NPCs proceed. An NPC whose response succeeded but whose
// memory persistence failed appears in both maps.
func (p *Pool) RespondAll(ctx context.Context, sessionID string, tasks []types.DispatchedTask) (map[string]types.NPCResponse, map[string]error) {
	groups := GroupByTarget(tasks)

	var (
		mu        sync.Mutex
		responses = make(map[string]types.NPCResponse, len(groups))
		failures  = make(map[string]error)
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.RespondLimit)
	for npcID, group := range groups {
		g.Go(func() error {
			npc, err := p.Get(ctx, sessionID, npcID)
			if err != nil {
				slog.Warn("npc agent unavailable",
					"session_id", sessionID,
					"npc_id", npcID,
					"error", err,
				)
				mu.Lock()
				failures[npcID] = err
				mu.Unlock()
				return nil
			}

			resp, err := npc.Respond(ctx, group)
			if err != nil {
				slog.Warn("npc response failed",
					"session_id", sessionID,
					"npc_id", npcID,
					"tasks", len(group),
					"error", err,
				)
				mu.Lock()
				failures[npcID] = err
				mu.Unlock()
				return nil
			}

			mu.Lock()
			responses[npcID] = resp
			mu.Unlock()

			// Memory updates run here, inside the per-NPC goroutine:
			// serialised for this NPC, parallel across NPCs.
			if err := npc.ApplyResponse(ctx, resp); err != nil {
				slog.Warn("npc memory update failed",
					"session_id", sessionID,
					"npc_id", npcID,
					"error", err,
				)
				mu.Lock()
				failures[npcID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return responses, failures
}

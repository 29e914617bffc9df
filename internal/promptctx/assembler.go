// Package promptctx assembles the token-budgeted context block injected
// into NPC and narration prompts.
//
// A prompt context is a sequence of titled sections — the NPC's identity,
// the current scene, the most recent chronicle records and the world
// entities relevant to the turn — rendered deterministically so the same
// game state always produces the same prompt text. Sections carry a
// priority; when the assembled block exceeds the token budget, whole
// sections are dropped lowest-priority first, and within the recent-events
// section individual records are dropped oldest first before the section
// itself goes.
//
// The chronicle and world fetches run concurrently. A failing source
// degrades to an absent section rather than failing the assembly: prompt
// context is an enrichment, not a prerequisite.
package promptctx

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/pkg/chronicle"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/worldstore"
)

// Section priorities, highest kept longest.
const (
	PriorityIdentity = 40
	PriorityScene    = 30
	PriorityRecent   = 20
	PriorityEntities = 10
)

// RecordSource serves the recent chronicle records of a session.
// pkg/chronicle.Chronicle satisfies it.
type RecordSource interface {
	Recent(ctx context.Context, sessionID string, limit int) ([]*chronicle.Record, error)
}

// EntitySource resolves entity IDs to stored entities.
// pkg/worldstore stores satisfy it.
type EntitySource interface {
	GetEntity(ctx context.Context, id string) (*worldstore.Entity, error)
}

// Config holds the assembler settings.
type Config struct {
	// Records supplies the recent-events section. Optional.
	Records RecordSource

	// Entities supplies the relevant-entities section. Optional.
	Entities EntitySource

	// TokenBudget caps the rendered context size, estimated at ~4
	// characters per token. Defaults to 1024.
	TokenBudget int

	// RecentLimit caps how many chronicle records are fetched.
	// Defaults to 20.
	RecentLimit int

	// Logger reports degraded fetches. Defaults to slog.Default.
	Logger *slog.Logger
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TokenBudget < 0 {
		return fault.New(fault.Validation, "promptctx", "token budget must not be negative, got %d", c.TokenBudget)
	}
	if c.RecentLimit < 0 {
		return fault.New(fault.Validation, "promptctx", "recent limit must not be negative, got %d", c.RecentLimit)
	}
	return nil
}

// Request names what one assembly is about.
type Request struct {
	// SessionID is the session whose chronicle feeds the recent-events
	// section. Required when Records is configured.
	SessionID string

	// Identity is the pre-rendered identity description of the speaking
	// NPC. Empty omits the section.
	Identity string

	// Scene is the pre-rendered scene description. Empty omits the
	// section.
	Scene string

	// EntityIDs are the world entities relevant to the turn.
	EntityIDs []string
}

// Section is one titled block of the assembled context.
type Section struct {
	// Title is the section heading.
	Title string

	// Lines are the section's content lines.
	Lines []string

	// Priority orders sections under budget pressure; higher survives
	// longer.
	Priority int
}

// tokens estimates the section's rendered size.
func (s Section) tokens() int {
	n := (len(s.Title) + 3) / 4
	for _, line := range s.Lines {
		n += (len(line) + 3) / 4
	}
	return n
}

// Context is one assembled prompt context.
type Context struct {
	// Sections holds the surviving sections, highest priority first.
	Sections []Section

	// Tokens is the estimated size of the rendered block.
	Tokens int

	// AssemblyDuration records how long the assembly took.
	AssemblyDuration time.Duration
}

// Render serialises the context as markdown-style titled sections. An
// empty context renders as the empty string.
func (c *Context) Render() string {
	var b strings.Builder
	for i, sec := range c.Sections {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString("## ")
		b.WriteString(sec.Title)
		for _, line := range sec.Lines {
			b.WriteString("\n")
			b.WriteString(line)
		}
	}
	return b.String()
}

// Assembler builds prompt contexts. Safe for concurrent use.
type Assembler struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an assembler.
func New(cfg Config) (*Assembler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.TokenBudget == 0 {
		cfg.TokenBudget = 1024
	}
	if cfg.RecentLimit == 0 {
		cfg.RecentLimit = 20
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{cfg: cfg, logger: logger}, nil
}

// Assemble fetches the dynamic sections concurrently, combines them with
// the request's pre-rendered ones and applies the token budget.
func (a *Assembler) Assemble(ctx context.Context, req Request) (*Context, error) {
	start := time.Now()

	var (
		records  []*chronicle.Record
		entities []*worldstore.Entity
	)

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Records != nil && req.SessionID != "" {
		g.Go(func() error {
			recs, err := a.cfg.Records.Recent(gctx, req.SessionID, a.cfg.RecentLimit)
			if err != nil {
				a.logger.Warn("recent records fetch failed", "session_id", req.SessionID, "err", err)
				return nil
			}
			records = recs
			return nil
		})
	}
	if a.cfg.Entities != nil && len(req.EntityIDs) > 0 {
		g.Go(func() error {
			entities = a.fetchEntities(gctx, req.EntityIDs)
			return nil
		})
	}
	_ = g.Wait()

	sections := make([]Section, 0, 4)
	if s := textSection("Who You Are", req.Identity, PriorityIdentity); s != nil {
		sections = append(sections, *s)
	}
	if s := textSection("Current Scene", req.Scene, PriorityScene); s != nil {
		sections = append(sections, *s)
	}
	if s := recentSection(records); s != nil {
		sections = append(sections, *s)
	}
	if s := entitySection(entities); s != nil {
		sections = append(sections, *s)
	}

	out := &Context{Sections: fit(sections, a.cfg.TokenBudget)}
	for _, sec := range out.Sections {
		out.Tokens += sec.tokens()
	}
	out.AssemblyDuration = time.Since(start)
	return out, nil
}

// fetchEntities resolves the IDs in order, skipping misses and failures.
func (a *Assembler) fetchEntities(ctx context.Context, ids []string) []*worldstore.Entity {
	out := make([]*worldstore.Entity, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		entity, err := a.cfg.Entities.GetEntity(ctx, id)
		if err != nil {
			a.logger.Warn("entity fetch failed", "entity_id", id, "err", err)
			continue
		}
		if entity != nil {
			out = append(out, entity)
		}
	}
	return out
}

// textSection wraps a pre-rendered text as a single-line section.
func textSection(title, text string, priority int) *Section {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return &Section{Title: title, Lines: []string{text}, Priority: priority}
}

// recentSection renders the chronicle records oldest first, one line each.
func recentSection(records []*chronicle.Record) *Section {
	if len(records) == 0 {
		return nil
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, recordLine(rec))
	}
	return &Section{Title: "Recent Events", Lines: lines, Priority: PriorityRecent}
}

// recordLine is the one-line rendering of a chronicle record.
func recordLine(rec *chronicle.Record) string {
	actor := rec.ActorName
	if actor == "" {
		actor = rec.ActorID
	}
	if actor == "" {
		return "- " + rec.Text
	}
	return fmt.Sprintf("- %s: %s", actor, rec.Text)
}

// entitySection renders the relevant entities sorted by name so the block
// is deterministic whatever order the IDs arrived in.
func entitySection(entities []*worldstore.Entity) *Section {
	if len(entities) == 0 {
		return nil
	}
	sorted := make([]*worldstore.Entity, len(entities))
	copy(sorted, entities)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Name != sorted[j].Name {
			return sorted[i].Name < sorted[j].Name
		}
		return sorted[i].ID < sorted[j].ID
	})

	lines := make([]string, 0, len(sorted))
	for _, entity := range sorted {
		line := fmt.Sprintf("- %s (%s)", entity.Name, strings.ToLower(string(entity.Kind)))
		if entity.Description != "" {
			line += ": " + entity.Description
		}
		lines = append(lines, line)
	}
	return &Section{Title: "People and Things That Matter", Lines: lines, Priority: PriorityEntities}
}

// fit applies the token budget: sections are kept highest-priority first,
// the recent-events section sheds its oldest lines before being dropped,
// and the surviving sections keep their priority order.
func fit(sections []Section, budget int) []Section {
	sort.SliceStable(sections, func(i, j int) bool {
		return sections[i].Priority > sections[j].Priority
	})

	kept := make([]Section, 0, len(sections))
	used := 0
	for _, sec := range sections {
		cost := sec.tokens()
		if used+cost <= budget {
			kept = append(kept, sec)
			used += cost
			continue
		}
		if sec.Priority != PriorityRecent {
			continue
		}
		// Shed oldest lines until the section fits or nothing is left.
		for len(sec.Lines) > 0 && used+sec.tokens() > budget {
			sec.Lines = sec.Lines[1:]
		}
		if len(sec.Lines) > 0 {
			kept = append(kept, sec)
			used += sec.tokens()
		}
	}
	return kept
}

// Package narrator turns one turn's perceptible information into the DM's
// prose reply.
//
// The generator is intentionally blind to everything outside
// types.PerceptibleInfo: NPC interior state (emotion deltas, private
// memories) never enters the prompt because it never enters the input
// type. Voice is controlled by a types.DMStyle of presets plus optional
// custom styles registered at runtime; a custom system prompt on the
// style replaces the built-in prompt entirely. A model failure degrades
// to a short in-character apology, never an error.
//
//	gen, err := narrator.New(narrator.Config{Chat: sched})
//	if err != nil { ... }
//	text := gen.Narrate(ctx, info, types.DMStyle{Style: "grim", CombatDetail: "high"})
package narrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// apology is returned whenever the model cannot produce a narrative.
const apology = "The DM pauses and rubs their temples. \"Apologies, the thread of the story slipped away from me for a moment. Bear with me and try that again.\""

// Chatter is the minimal LLM surface the generator depends on.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// dmStyles are the built-in narration voices, keyed by DMStyle.Style.
var dmStyles = map[string]string{
	"classic":    "Narrate like a seasoned game master: vivid but even-handed, letting the players' choices carry the scene.",
	"humorous":   "Narrate with a light comedic touch; find the absurd detail, but never mock the players.",
	"grim":       "Narrate in a grim, low-fantasy register where consequences feel heavy and the world is indifferent.",
	"theatrical": "Narrate theatrically, with dramatic beats and strong imagery, as if performing on a stage.",
}

// combatDetails are the built-in combat granularity levels, keyed by
// DMStyle.CombatDetail.
var combatDetails = map[string]string{
	"low":      "Summarise any combat in a sentence or two; outcomes over choreography.",
	"standard": "Describe combat at moderate detail: key blows, movement and stakes.",
	"high":     "Describe combat blow by blow, with positioning, reactions and sensory detail.",
}

// DefaultStyle is the voice used when a session configures nothing.
var DefaultStyle = types.DMStyle{Style: "classic", CombatDetail: "standard"}

// Config holds the generator settings.
type Config struct {
	// Chat sends the narration request. Required.
	Chat Chatter

	// Model overrides the scheduler's model choice when set.
	Model string

	// MaxTokens caps the narrative length. 0 leaves it to the provider.
	MaxTokens int

	// Temperature is the sampling temperature in [0, 2].
	Temperature float64
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Chat == nil {
		return fault.New(fault.Validation, "narrator", "chat client must not be nil")
	}
	if c.MaxTokens < 0 {
		return fault.New(fault.Validation, "narrator", "max tokens must not be negative, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fault.New(fault.Validation, "narrator", "temperature must be within [0, 2], got %v", c.Temperature)
	}
	return nil
}

// Generator renders perceptible turn information as DM narration.
type Generator struct {
	cfg Config

	mu     sync.RWMutex
	custom map[string]string
}

// New builds a generator.
func New(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{cfg: cfg, custom: make(map[string]string)}, nil
}

// RegisterStyle adds a custom voice under the given name. Built-in names
// cannot be shadowed; re-registering a custom name replaces it.
func (g *Generator) RegisterStyle(name, systemPrompt string) error {
	if name == "" {
		return fault.New(fault.Validation, "narrator", "style name must not be empty")
	}
	if strings.TrimSpace(systemPrompt) == "" {
		return fault.New(fault.Validation, "narrator", "style %q needs a system prompt", name)
	}
	if _, ok := dmStyles[name]; ok {
		return fault.New(fault.Validation, "narrator", "style %q shadows a built-in style", name)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.custom[name] = systemPrompt
	return nil
}

// Styles lists every selectable style name, built-ins first, each group
// sorted.
func (g *Generator) Styles() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	builtin := make([]string, 0, len(dmStyles))
	for name := range dmStyles {
		builtin = append(builtin, name)
	}
	sort.Strings(builtin)

	custom := make([]string, 0, len(g.custom))
	for name := range g.custom {
		custom = append(custom, name)
	}
	sort.Strings(custom)

	return append(builtin, custom...)
}

// Narrate produces the DM's prose for one turn. It never fails: a model
// error, an empty reply or a cancelled context all degrade to a short
// apology so the turn can still complete.
func (g *Generator) Narrate(ctx context.Context, info types.PerceptibleInfo, style types.DMStyle) string {
	resp, err := g.cfg.Chat.Chat(ctx, llm.Request{
		System:      g.systemPrompt(style),
		Messages:    []types.Message{{Role: "user", Content: renderInfo(info)}},
		Model:       g.cfg.Model,
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
	})
	if err != nil {
		slog.Warn("narration failed, using apology",
			"style", style.Style,
			"error", err,
		)
		return apology
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		slog.Warn("narration empty, using apology", "style", style.Style)
		return apology
	}
	return strings.TrimSpace(resp.Content)
}

// systemPrompt assembles the narration instructions for the style.
func (g *Generator) systemPrompt(style types.DMStyle) string {
	if strings.TrimSpace(style.CustomSystemPrompt) != "" {
		return style.CustomSystemPrompt
	}

	var b strings.Builder
	b.WriteString("You are the Dungeon Master of a tabletop role-playing session. Narrate the scene for the players in second person.\n")

	voice, ok := dmStyles[style.Style]
	if !ok {
		g.mu.RLock()
		voice, ok = g.custom[style.Style]
		g.mu.RUnlock()
	}
	if !ok {
		voice = dmStyles["classic"]
	}
	b.WriteString(voice)
	b.WriteString("\n")

	if style.NarrativeTone != "" {
		fmt.Fprintf(&b, "Keep the overall tone %s.\n", style.NarrativeTone)
	}

	detail, ok := combatDetails[style.CombatDetail]
	if !ok {
		detail = combatDetails["standard"]
	}
	b.WriteString(detail)
	b.WriteString("\n")

	b.WriteString("Work only from the scene report you are given. Never invent events that are not in it. ")
	b.WriteString("Never mention game mechanics, identifiers or system internals. ")
	b.WriteString("Answer with narration only, at most four short paragraphs.")
	return b.String()
}

// renderInfo turns the perceptible turn information into the scene report
// the model narrates from.
func renderInfo(info types.PerceptibleInfo) string {
	var b strings.Builder

	if len(info.PlayerActions) > 0 {
		b.WriteString("What the players did:\n")
		for _, action := range info.PlayerActions {
			fmt.Fprintf(&b, "- %s\n", action)
		}
	}
	if len(info.NPCResponses) > 0 {
		b.WriteString("How the characters responded:\n")
		for _, npc := range info.NPCResponses {
			if npc.Dialogue != "" {
				fmt.Fprintf(&b, "- %s says: %q\n", npc.NPCID, npc.Dialogue)
			}
			if npc.Action != "" {
				fmt.Fprintf(&b, "- %s %s\n", npc.NPCID, npc.Action)
			}
		}
	}
	if len(info.Events) > 0 {
		b.WriteString("What happened in the world:\n")
		for _, event := range info.Events {
			fmt.Fprintf(&b, "- %s\n", event.Description)
		}
	}
	if info.SceneDescription != "" {
		fmt.Fprintf(&b, "The scene: %s\n", info.SceneDescription)
	}

	if b.Len() == 0 {
		return "Nothing notable happened this turn. Narrate a short quiet beat of the current scene."
	}
	b.WriteString("Narrate this turn.")
	return b.String()
}

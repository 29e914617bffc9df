package classify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/antzucaro/matchr"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Repository is the world-store surface the extractor resolves mentions
// against.
type Repository interface {
	// EntityNames returns the stored entity IDs of the given kind, keyed by
	// canonical entity name.
	EntityNames(ctx context.Context, kind types.EntityKind) (map[string]string, error)
}

// defaultFuzzyThreshold is the maximum Levenshtein distance at which a
// mention still resolves to a stored entity.
const defaultFuzzyThreshold = 2

// extractSystemPrompt asks the model to list mentions in the strict format.
const extractSystemPrompt = `You list the game entities mentioned in one player utterance from a tabletop role-playing session.

Entity kinds: CHARACTER, NPC, ITEM, SPELL, SKILL, PLACE, FACTION, QUEST, LORE.

List every specific entity the utterance mentions: named people and creatures, items, spells, skills, places, factions, quests, and pieces of lore. Use the surface form exactly as written in the utterance. Do not invent entities that are not mentioned.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"mentions": [{"surface_name": "<name>", "entity_kind": "<KIND>"}]}

When nothing is mentioned, return {"mentions": []}.`

// mentionList is the expected JSON structure returned by the LLM.
type mentionList struct {
	Mentions []struct {
		SurfaceName string `json:"surface_name"`
		EntityKind  string `json:"entity_kind"`
	} `json:"mentions"`
}

// ExtractorConfig holds extractor settings.
type ExtractorConfig struct {
	// Model pins extraction to a specific model ID. Empty lets the
	// provider choose.
	Model string

	// MaxTokens caps the extraction response. Zero means the provider
	// default.
	MaxTokens int

	// Temperature controls sampling randomness. Defaults to 0.1.
	Temperature float64

	// BatchLimit caps concurrent model calls in ExtractBatch. Defaults
	// to 4.
	BatchLimit int

	// FuzzyThreshold is the maximum Levenshtein distance for the final
	// resolution stage. Defaults to 2.
	FuzzyThreshold int
}

// Validate checks the configuration for contradictions.
func (c ExtractorConfig) Validate() error {
	if c.MaxTokens < 0 {
		return fault.New(fault.Validation, "classify", "MaxTokens must not be negative, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fault.New(fault.Validation, "classify", "Temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.BatchLimit < 0 {
		return fault.New(fault.Validation, "classify", "BatchLimit must not be negative, got %d", c.BatchLimit)
	}
	if c.FuzzyThreshold < 0 {
		return fault.New(fault.Validation, "classify", "FuzzyThreshold must not be negative, got %d", c.FuzzyThreshold)
	}
	return nil
}

// Extractor proposes entity mentions via the LLM and resolves them against
// the world store. Safe for concurrent use.
type Extractor struct {
	chat Chatter
	repo Repository
	cfg  ExtractorConfig
}

// NewExtractor creates an Extractor backed by chat and repo.
func NewExtractor(chat Chatter, repo Repository, cfg ExtractorConfig) (*Extractor, error) {
	if chat == nil {
		return nil, fault.New(fault.Validation, "classify", "extractor requires a Chatter")
	}
	if repo == nil {
		return nil, fault.New(fault.Validation, "classify", "extractor requires a Repository")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	if cfg.BatchLimit == 0 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.FuzzyThreshold == 0 {
		cfg.FuzzyThreshold = defaultFuzzyThreshold
	}
	return &Extractor{chat: chat, repo: repo, cfg: cfg}, nil
}

// Extract lists the entities mentioned in one classified input and resolves
// each against the repository. Mentions the model proposes with an unknown
// kind or a blank name are dropped; mentions that resolve to no stored
// entity come back with IsNew set and no entity ID.
func (e *Extractor) Extract(ctx context.Context, classified types.ClassifiedInput) ([]types.EntityMention, error) {
	req := llm.Request{
		System:      extractSystemPrompt,
		Messages:    []types.Message{{Role: "user", Content: formatUtterance(classified.Input.CharacterName, classified.Input.Content)}},
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
	}

	var list mentionList
	if err := chatJSON(ctx, e.chat, req, &list); err != nil {
		return nil, err
	}

	mentions := make([]types.EntityMention, 0, len(list.Mentions))
	for _, m := range list.Mentions {
		name := strings.TrimSpace(m.SurfaceName)
		if name == "" {
			continue
		}
		kind := types.EntityKind(strings.ToUpper(strings.TrimSpace(m.EntityKind)))
		if !kind.IsValid() {
			slog.Debug("dropping mention with unknown entity kind",
				"surface_name", name,
				"entity_kind", m.EntityKind,
			)
			continue
		}
		mentions = append(mentions, e.resolve(ctx, types.EntityMention{
			SurfaceName: name,
			Kind:        kind,
			IsNew:       true,
		}))
	}
	return mentions, nil
}

// ExtractBatch extracts mentions for the inputs concurrently, at most
// BatchLimit at a time. A failed extraction degrades to an empty mention
// list; the failure is logged.
func (e *Extractor) ExtractBatch(ctx context.Context, inputs []types.ClassifiedInput) [][]types.EntityMention {
	out := make([][]types.EntityMention, len(inputs))

	var g errgroup.Group
	g.SetLimit(e.cfg.BatchLimit)
	for i, classified := range inputs {
		g.Go(func() error {
			mentions, err := e.Extract(ctx, classified)
			if err != nil {
				slog.Warn("entity extraction failed, keeping no mentions",
					"player_id", classified.Input.PlayerID,
					"error", err,
				)
				mentions = nil
			}
			out[i] = mentions
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// resolve matches one mention against the stored entities of its kind:
// exact name, then case-insensitive, then the closest name within the
// Levenshtein threshold. Ties break to the lexicographically smallest name
// so resolution is deterministic. Lookup failures keep the mention
// unresolved rather than failing the extraction.
func (e *Extractor) resolve(ctx context.Context, mention types.EntityMention) types.EntityMention {
	names, err := e.repo.EntityNames(ctx, mention.Kind)
	if err != nil {
		slog.Warn("entity lookup failed, keeping mention unresolved",
			"surface_name", mention.SurfaceName,
			"entity_kind", mention.Kind,
			"error", err,
		)
		return mention
	}

	if id, ok := names[mention.SurfaceName]; ok {
		mention.MatchedEntityID = id
		mention.IsNew = false
		return mention
	}

	folded := ""
	for name := range names {
		if strings.EqualFold(name, mention.SurfaceName) && (folded == "" || name < folded) {
			folded = name
		}
	}
	if folded != "" {
		mention.MatchedEntityID = names[folded]
		mention.IsNew = false
		return mention
	}

	surface := strings.ToLower(mention.SurfaceName)
	bestName := ""
	bestDist := e.cfg.FuzzyThreshold + 1
	for name := range names {
		d := matchr.Levenshtein(surface, strings.ToLower(name))
		if d > e.cfg.FuzzyThreshold {
			continue
		}
		if d < bestDist || (d == bestDist && name < bestName) {
			bestName, bestDist = name, d
		}
	}
	if bestName != "" {
		mention.MatchedEntityID = names[bestName]
		mention.IsNew = false
	}
	return mention
}

// Package classify turns raw player utterances into typed, entity-annotated
// inputs for the turn pipeline.
//
// The [Classifier] assigns each utterance exactly one [types.InputType] using
// an LLM prompted with the closed type set and a strict-JSON response format.
// Slash commands are recognised without a model call. The [Extractor] asks
// the LLM to list entity mentions and resolves each against the world store
// by (kind, surface name): exact match, then case-insensitive, then a
// bounded Levenshtein search. Mentions that resolve to nothing are kept with
// IsNew set — they are never auto-created.
//
// Both components offer batch variants that fan out over the inputs with a
// bounded degree of parallelism. Batch classification degrades per input: a
// failed utterance becomes an OOC classification so the turn still
// progresses. Batch extraction degrades to an empty mention list.
package classify

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Chatter is the single-turn LLM surface the classifier and extractor
// consume.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Defaults applied by the constructors for zero config fields.
const (
	defaultTemperature = 0.1
	defaultBatchLimit  = 4
)

// classifySystemPrompt encodes the closed input-type set and the strict
// response format.
const classifySystemPrompt = `You classify one player utterance from a tabletop role-playing session.

Choose exactly one input_type:
- "ACTION": the character physically does something ("I search the chest").
- "DIALOGUE": the character speaks to someone ("Hi, Elara").
- "THOUGHT": interior monologue the character only thinks, never says aloud.
- "OOC": out-of-character table talk (rules questions, scheduling, jokes).
- "COMMAND": a slash command such as "/roll 2d6+3".

For ACTION inputs also set action_type to a short verb such as attack, cast_spell, check, move, interact, search, or rest.
Set target to who or what the utterance is directed at, when stated.
Set target_kind to one of CHARACTER, NPC, ITEM, SPELL, SKILL, PLACE, FACTION, QUEST, LORE when the target's nature is clear.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"input_type": "<TYPE>", "action_type": "", "target": "", "target_kind": ""}`

// classifyResult is the expected JSON structure returned by the LLM.
type classifyResult struct {
	InputType  string `json:"input_type"`
	ActionType string `json:"action_type"`
	Target     string `json:"target"`
	TargetKind string `json:"target_kind"`
}

// ClassifierConfig holds classifier settings.
type ClassifierConfig struct {
	// Model pins classification to a specific model ID. Empty lets the
	// provider choose.
	Model string

	// MaxTokens caps the classification response. Zero means the provider
	// default.
	MaxTokens int

	// Temperature controls sampling randomness. Defaults to 0.1 —
	// classification wants determinism.
	Temperature float64

	// BatchLimit caps concurrent model calls in ClassifyBatch. Defaults
	// to 4.
	BatchLimit int
}

// Validate checks the configuration for contradictions.
func (c ClassifierConfig) Validate() error {
	if c.MaxTokens < 0 {
		return fault.New(fault.Validation, "classify", "MaxTokens must not be negative, got %d", c.MaxTokens)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fault.New(fault.Validation, "classify", "Temperature must be between 0 and 2, got %v", c.Temperature)
	}
	if c.BatchLimit < 0 {
		return fault.New(fault.Validation, "classify", "BatchLimit must not be negative, got %d", c.BatchLimit)
	}
	return nil
}

// Classifier assigns input types to player utterances. Safe for concurrent
// use.
type Classifier struct {
	chat Chatter
	cfg  ClassifierConfig
}

// NewClassifier creates a Classifier backed by chat.
func NewClassifier(chat Chatter, cfg ClassifierConfig) (*Classifier, error) {
	if chat == nil {
		return nil, fault.New(fault.Validation, "classify", "classifier requires a Chatter")
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
	return &Classifier{chat: chat, cfg: cfg}, nil
}

// Classify assigns exactly one input type to the utterance. Slash-prefixed
// content is classified as COMMAND without a model call; everything else
// goes through the LLM.
func (c *Classifier) Classify(ctx context.Context, input types.PlayerInput) (types.ClassifiedInput, error) {
	content := strings.TrimSpace(input.Content)
	if content == "" {
		return types.ClassifiedInput{}, fault.New(fault.Validation, "classify", "input content must not be empty")
	}
	if strings.HasPrefix(content, "/") {
		return types.ClassifiedInput{Input: input, Type: types.InputCommand}, nil
	}

	req := llm.Request{
		System:      classifySystemPrompt,
		Messages:    []types.Message{{Role: "user", Content: formatUtterance(input.CharacterName, content)}},
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
	}

	var result classifyResult
	if err := chatJSON(ctx, c.chat, req, &result); err != nil {
		return types.ClassifiedInput{}, err
	}

	inputType := types.InputType(strings.ToUpper(strings.TrimSpace(result.InputType)))
	if !inputType.IsValid() {
		return types.ClassifiedInput{}, fault.New(fault.Internal, "classify", "model returned unknown input type %q", result.InputType)
	}

	classified := types.ClassifiedInput{
		Input:      input,
		Type:       inputType,
		ActionType: strings.TrimSpace(result.ActionType),
		Target:     strings.TrimSpace(result.Target),
	}
	if kind := types.EntityKind(strings.ToUpper(strings.TrimSpace(result.TargetKind))); kind.IsValid() {
		classified.TargetKind = kind
	}
	return classified, nil
}

// ClassifyBatch classifies the inputs concurrently, at most BatchLimit at a
// time. A failed classification degrades to OOC with an empty target so the
// turn still progresses; the failure is logged.
func (c *Classifier) ClassifyBatch(ctx context.Context, inputs []types.PlayerInput) []types.ClassifiedInput {
	out := make([]types.ClassifiedInput, len(inputs))

	var g errgroup.Group
	g.SetLimit(c.cfg.BatchLimit)
	for i, input := range inputs {
		g.Go(func() error {
			classified, err := c.Classify(ctx, input)
			if err != nil {
				slog.Warn("classification failed, defaulting to OOC",
					"player_id", input.PlayerID,
					"error", err,
				)
				classified = types.ClassifiedInput{Input: input, Type: types.InputOOC}
			}
			out[i] = classified
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// formatUtterance is the shared user-message shape for both prompts.
func formatUtterance(character, content string) string {
	if character == "" {
		return "Utterance: " + content
	}
	return "Character: " + character + "\nUtterance: " + content
}

// chatJSON runs one model call and unmarshals the strict-JSON reply into
// out, tolerating markdown code fences around the object.
func chatJSON(ctx context.Context, chat Chatter, req llm.Request, out any) error {
	resp, err := chat.Chat(ctx, req)
	if err != nil {
		return fault.Wrap(fault.Transient, "classify", "model call failed", err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return fault.New(fault.Internal, "classify", "model returned an empty response")
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), out); err != nil {
		return fault.Wrap(fault.Internal, "classify", "parsing model response", err)
	}
	return nil
}

// stripFences removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

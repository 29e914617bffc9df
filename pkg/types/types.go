// Package types defines the shared types used across all Scribax packages.
//
// These types form the lingua franca between provider adapters, the turn
// pipeline, agents, and the persistence layers. They are intentionally
// minimal — each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of "system", "user", "assistant", or "tool".
	Role string

	// Content is the plain-text content of the message. When Parts is
	// non-empty, Content holds the concatenated text parts for providers
	// that do not support multi-part messages.
	Content string

	// Parts holds multi-part content (text and images). Empty for
	// text-only messages.
	Parts []ContentPart

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is "tool", identifying which tool call this responds to.
	ToolCallID string
}

// HasImage reports whether any part of the message is an image.
func (m Message) HasImage() bool {
	for _, p := range m.Parts {
		if p.Type == PartImageURL || p.Type == PartImageBase64 {
			return true
		}
	}
	return false
}

// PartType enumerates the supported content-part kinds.
type PartType string

const (
	// PartText is a plain-text segment.
	PartText PartType = "text"

	// PartImageURL is an image referenced by URL (which may be a data URI).
	PartImageURL PartType = "image_url"

	// PartImageBase64 is an inline base64-encoded image with a media type.
	PartImageBase64 PartType = "image_base64"
)

// ContentPart is one segment of a multi-part message.
type ContentPart struct {
	// Type discriminates the part kind.
	Type PartType

	// Text is set when Type is PartText.
	Text string

	// URL is set when Type is PartImageURL. Data URIs are allowed; adapters
	// that need raw bytes (Anthropic) decode them to base64 + media type.
	URL string

	// Data is the base64-encoded image payload when Type is PartImageBase64.
	Data string

	// MediaType is the MIME type of the image (e.g. "image/png").
	MediaType string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ─────────────────────────────────────────────────────────────────────────────
// Player turn input
// ─────────────────────────────────────────────────────────────────────────────

// InputType classifies a single player utterance. Exactly one type applies.
type InputType string

const (
	// InputAction is an in-character physical action ("I search the chest").
	InputAction InputType = "ACTION"

	// InputDialogue is in-character speech addressed to someone.
	InputDialogue InputType = "DIALOGUE"

	// InputThought is an in-character interior monologue. Thoughts are never
	// revealed to NPCs.
	InputThought InputType = "THOUGHT"

	// InputOOC is out-of-character table talk.
	InputOOC InputType = "OOC"

	// InputCommand is a slash command such as "/roll 2d6+3".
	InputCommand InputType = "COMMAND"
)

// IsValid reports whether t is one of the defined input types.
func (t InputType) IsValid() bool {
	switch t {
	case InputAction, InputDialogue, InputThought, InputOOC, InputCommand:
		return true
	}
	return false
}

// PlayerInput is one utterance submitted by a player. Immutable once received.
type PlayerInput struct {
	// PlayerID identifies the submitting player.
	PlayerID string `json:"player_id"`

	// CharacterName is the in-game character the player controls.
	CharacterName string `json:"character_name"`

	// Content is the raw utterance text.
	Content string `json:"content"`

	// Timestamp is when the input was received.
	Timestamp time.Time `json:"timestamp"`
}

// ClassifiedInput is a PlayerInput plus its resolved classification.
type ClassifiedInput struct {
	Input PlayerInput `json:"input"`

	// Type is the single input type assigned by the classifier.
	Type InputType `json:"input_type"`

	// ActionType refines ACTION inputs (e.g. "attack", "search", "cast_spell").
	// Empty for non-action inputs.
	ActionType string `json:"action_type,omitempty"`

	// Target names who or what the input is directed at, when stated.
	Target string `json:"target,omitempty"`

	// TargetKind is the entity kind of Target when the extractor resolved it.
	TargetKind EntityKind `json:"target_kind,omitempty"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Entity mentions
// ─────────────────────────────────────────────────────────────────────────────

// EntityKind classifies a game entity.
type EntityKind string

const (
	KindCharacter EntityKind = "CHARACTER"
	KindNPC       EntityKind = "NPC"
	KindItem      EntityKind = "ITEM"
	KindSpell     EntityKind = "SPELL"
	KindSkill     EntityKind = "SKILL"
	KindPlace     EntityKind = "PLACE"
	KindFaction   EntityKind = "FACTION"
	KindQuest     EntityKind = "QUEST"
	KindLore      EntityKind = "LORE"
)

// IsValid reports whether k is one of the defined entity kinds.
func (k EntityKind) IsValid() bool {
	switch k {
	case KindCharacter, KindNPC, KindItem, KindSpell, KindSkill,
		KindPlace, KindFaction, KindQuest, KindLore:
		return true
	}
	return false
}

// EntityMention is a reference to a game entity surfaced in player input.
// IsNew is true exactly when MatchedEntityID is empty: the mention could not
// be resolved against the world store. Unresolved mentions are never
// auto-created.
type EntityMention struct {
	// SurfaceName is the name as it appeared in the utterance.
	SurfaceName string `json:"surface_name"`

	// Kind is the extractor's best guess at the entity kind.
	Kind EntityKind `json:"entity_kind"`

	// MatchedEntityID is the world-store entity this mention resolved to,
	// or empty when unresolved.
	MatchedEntityID string `json:"matched_entity_id,omitempty"`

	// IsNew is true when the mention did not resolve to a stored entity.
	IsNew bool `json:"is_new"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Dispatched tasks
// ─────────────────────────────────────────────────────────────────────────────

// TaskPayload is the structured payload a processor derives from one
// classified input. The concrete type is determined by the input type.
type TaskPayload interface {
	// PayloadType returns the input type this payload was derived from.
	PayloadType() InputType
}

// ActionPayload carries the structured fields of an ACTION input.
type ActionPayload struct {
	// ActionType is the normalised action verb (e.g. "search", "attack").
	ActionType string `json:"action_type"`

	// Target is the object or creature the action is directed at.
	Target string `json:"target,omitempty"`

	// TargetKind is the resolved kind of Target, when known.
	TargetKind EntityKind `json:"target_kind,omitempty"`

	// Description is the original action text.
	Description string `json:"description"`
}

func (ActionPayload) PayloadType() InputType { return InputAction }

// DialoguePayload carries the structured fields of a DIALOGUE input.
type DialoguePayload struct {
	// Speaker is the character who spoke.
	Speaker string `json:"speaker"`

	// Listener is who the dialogue is addressed to, when stated.
	Listener string `json:"listener,omitempty"`

	// ListenerKind is the resolved kind of Listener, when known.
	ListenerKind EntityKind `json:"listener_kind,omitempty"`

	// Text is the spoken content.
	Text string `json:"text"`
}

func (DialoguePayload) PayloadType() InputType { return InputDialogue }

// ThoughtPayload carries the structured fields of a THOUGHT input.
// Thoughts never reach NPCs.
type ThoughtPayload struct {
	// Thinker is the character having the thought.
	Thinker string `json:"thinker"`

	// Text is the thought content.
	Text string `json:"text"`
}

func (ThoughtPayload) PayloadType() InputType { return InputThought }

// OOCPayload carries the structured fields of an out-of-character input.
type OOCPayload struct {
	// Text is the out-of-character content.
	Text string `json:"text"`
}

func (OOCPayload) PayloadType() InputType { return InputOOC }

// CommandPayload carries a parsed slash command.
type CommandPayload struct {
	// Command is the bare command name without the leading slash.
	Command string `json:"command"`

	// Args are the whitespace-separated arguments following the command.
	Args []string `json:"args,omitempty"`

	// ParsedData holds command-specific structured fields (e.g. dice_count,
	// dice_size, modifier for /roll; command_type and spell for /cast).
	ParsedData map[string]any `json:"parsed_data,omitempty"`
}

func (CommandPayload) PayloadType() InputType { return InputCommand }

// DispatchedTask is the unit of work produced by the task dispatcher for one
// classified input.
//
/// Invariant: RequiresNPCResponse implies TargetNPCID is non-empty, and
// TimeCost is never negative.
type DispatchedTask struct {
	// TaskID uniquely identifies this task.
	TaskID string `json:"task_id"`

	// Type is the input type the task was derived from.
	Type InputType `json:"input_type"`

	// Input is the classified input that produced this task.
	Input ClassifiedInput `json:"classified_input"`

	// Entities are the mentions extracted from the input.
	Entities []EntityMention `json:"entities,omitempty"`

	// Payload is the processor-specific structured payload.
	Payload TaskPayload `json:"-"`

	// RequiresNPCResponse is true when an NPC must answer this task.
	RequiresNPCResponse bool `json:"requires_npc_response"`

	// TargetNPCID is the NPC that must respond, set iff RequiresNPCResponse.
	TargetNPCID string `json:"target_npc_id,omitempty"`

	// TimeCost is how much in-game time the task consumes.
	TimeCost time.Duration `json:"time_cost"`
}

// ─────────────────────────────────────────────────────────────────────────────
// NPC responses, events, and the perceptible turn summary
// ─────────────────────────────────────────────────────────────────────────────

// NPCResponse is an NPC agent's answer to the tasks addressed to it in one
// turn. Dialogue and Action are perceptible; EmotionDelta and MemoryDelta are
// interior state and must never reach players.
type NPCResponse struct {
	// NPCID identifies the responding NPC.
	NPCID string `json:"npc_id"`

	// Dialogue is what the NPC says aloud, if anything.
	Dialogue string `json:"dialogue,omitempty"`

	// Action is what the NPC visibly does, if anything.
	Action string `json:"action,omitempty"`

	// EmotionDelta adjusts the NPC's emotional state (emotion → signed delta).
	// Interior state: never perceptible.
	EmotionDelta map[string]float64 `json:"emotion_delta,omitempty"`

	// MemoryDelta is a note appended to the NPC's private memory.
	// Interior state: never perceptible.
	MemoryDelta string `json:"memory_delta,omitempty"`
}

// GameEvent is a world change produced by an event rule firing.
type GameEvent struct {
	// EventID uniquely identifies this event occurrence.
	EventID string `json:"event_id"`

	// EventType labels the rule family that fired (e.g. "spell_slot_recovery").
	EventType string `json:"event_type"`

	// Description is the player-facing summary of what happened.
	Description string `json:"description"`

	// Effects holds structured world-state changes keyed by effect name.
	Effects map[string]any `json:"effects,omitempty"`
}

// VisibleNPCResponse is the perceptible projection of an NPCResponse:
// dialogue and action only, never interior state.
type VisibleNPCResponse struct {
	NPCID    string `json:"npc_id"`
	Dialogue string `json:"dialogue,omitempty"`
	Action   string `json:"action,omitempty"`
}

// PerceptibleInfo aggregates everything from one turn that player characters
// can sense in-game.
//
// Invariant: no field is ever sourced from NPCResponse.EmotionDelta or
// NPCResponse.MemoryDelta.
type PerceptibleInfo struct {
	// PlayerActions summarises what the players visibly did.
	PlayerActions []string `json:"player_actions,omitempty"`

	// NPCResponses holds the observable portion of each NPC's response.
	NPCResponses []VisibleNPCResponse `json:"npc_responses,omitempty"`

	// Events are the game events triggered during the turn.
	Events []GameEvent `json:"events,omitempty"`

	// SceneDescription is the current scene summary, when available.
	SceneDescription string `json:"scene_description,omitempty"`

	// ChangedEntities lists IDs of entities whose state changed this turn.
	ChangedEntities []string `json:"changed_entities,omitempty"`
}

// DMResponse is the final narrative output of one player turn.
type DMResponse struct {
	// SessionID is the game session the turn belongs to.
	SessionID string `json:"session_id"`

	// Narrative is the DM's prose response shown to the players.
	Narrative string `json:"narrative"`

	// Timestamp is when the response was produced.
	Timestamp time.Time `json:"timestamp"`

	// TurnDuration is the wall-clock time the pipeline took.
	TurnDuration time.Duration `json:"turn_duration"`
}

// DMStyle configures the narration voice of a session.
type DMStyle struct {
	// Style names a narrator voice preset or a registered custom style.
	Style string `json:"dm_style" yaml:"dm_style"`

	// NarrativeTone is a free-form tone instruction, e.g. "mysterious".
	NarrativeTone string `json:"narrative_tone,omitempty" yaml:"narrative_tone,omitempty"`

	// CombatDetail is one of low, standard or high.
	CombatDetail string `json:"combat_detail,omitempty" yaml:"combat_detail,omitempty"`

	// CustomStyleName labels the session's own style, when it defined one.
	CustomStyleName string `json:"custom_style_name,omitempty" yaml:"custom_style_name,omitempty"`

	// CustomSystemPrompt replaces the narrator's built-in prompt entirely.
	CustomSystemPrompt string `json:"custom_system_prompt,omitempty" yaml:"custom_system_prompt,omitempty"`
}

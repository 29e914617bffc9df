// Package npcpool manages live NPC agent instances for game sessions.
//
// A [Pool] lazily builds one [NPC] per (session, NPC) pair from the
// persisted profile and state, keeps at most Capacity instances alive by
// evicting the least-recently-used idle one, and fans one turn's tasks out
// to every targeted NPC concurrently. Each NPC answers its whole task group
// as a single model request and folds the resulting interior deltas back
// into its persisted state; updates are serialised per NPC and run in
// parallel across NPCs.
package npcpool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/scribax/internal/agent/npcstore"
	"github.com/MrWong99/scribax/internal/promptctx"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/llm"
	"github.com/MrWong99/scribax/pkg/types"
)

// Chatter is the minimal LLM surface the pool depends on. The model
// scheduler satisfies it, as do test doubles.
type Chatter interface {
	Chat(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// NPC is one live agent instance for a (session, NPC) pair. Create
// instances through [Pool.Get].
//
// An NPC processes one task group at a time; concurrent Respond calls are
// rejected with a transient error. State reads and writes are serialised
// by a per-NPC mutex so no two memory updates ever interleave.
type NPC struct {
	sessionID string
	profile   npcstore.Profile

	chat      Chatter
	store     npcstore.Store
	assembler ContextAssembler

	model       string
	maxTokens   int
	temperature float64
	memoryLimit int

	// busy is true while a Respond call is in flight. The pool skips busy
	// instances when evicting.
	busy atomic.Bool

	// stateMu serialises every read and write of state, including the
	// persistence call in ApplyResponse. Per-NPC updates must never
	// interleave; the lock scope is deliberately that wide.
	stateMu sync.Mutex
	state   *npcstore.State
}

// ID returns the NPC's entity identifier.
func (n *NPC) ID() string { return n.profile.ID }

// Name returns the NPC's in-world display name.
func (n *NPC) Name() string { return n.profile.Name }

// SessionID returns the game session this instance belongs to.
func (n *NPC) SessionID() string { return n.sessionID }

// StateSnapshot returns a deep copy of the NPC's current dynamic state.
func (n *NPC) StateSnapshot() *npcstore.State {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.Clone()
}

// Respond answers one turn's task group as a single model request. The
// returned response carries the NPC's perceptible dialogue and action plus
// the interior emotion and memory deltas; callers persist the deltas via
// [NPC.ApplyResponse].
func (n *NPC) Respond(ctx context.Context, tasks []types.DispatchedTask) (types.NPCResponse, error) {
	if len(tasks) == 0 {
		return types.NPCResponse{}, fault.New(fault.Validation, "npcpool", "task group must not be empty")
	}
	if !n.busy.CompareAndSwap(false, true) {
		return types.NPCResponse{}, fault.New(fault.Transient, "npcpool", "npc %q is busy", n.profile.ID)
	}
	defer n.busy.Store(false)

	n.stateMu.Lock()
	system := n.systemPrompt(n.state)
	n.stateMu.Unlock()

	if world := n.worldContext(ctx, tasks); world != "" {
		system += "\n\n" + world
	}

	resp, err := n.chat.Chat(ctx, llm.Request{
		System:      system,
		Messages:    []types.Message{{Role: "user", Content: renderTasks(tasks)}},
		Model:       n.model,
		MaxTokens:   n.maxTokens,
		Temperature: n.temperature,
	})
	if err != nil {
		return types.NPCResponse{}, fault.Wrap(fault.Transient, "npcpool",
			fmt.Sprintf("npc %q model call failed", n.profile.ID), err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return types.NPCResponse{}, fault.New(fault.Internal, "npcpool",
			"npc %q returned an empty response", n.profile.ID)
	}

	return parseReply(n.profile.ID, resp.Content), nil
}

// ApplyResponse folds the response's interior deltas into the NPC's state
// and persists it. The per-NPC lock is held across the store call so
// updates to one NPC never interleave.
func (n *NPC) ApplyResponse(ctx context.Context, resp types.NPCResponse) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()

	n.state.Apply(resp, n.memoryLimit, time.Now())
	if err := n.store.SaveState(ctx, n.state); err != nil {
		return fault.Wrap(fault.Transient, "npcpool",
			fmt.Sprintf("persisting state for npc %q", n.profile.ID), err)
	}
	return nil
}

// systemPrompt renders the NPC's persona and current interior state.
// Callers must hold stateMu.
func (n *NPC) systemPrompt(st *npcstore.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a character in a tabletop role-playing game.\n", n.profile.Name)
	if n.profile.Personality != "" {
		fmt.Fprintf(&b, "\nPersonality: %s\n", n.profile.Personality)
	}
	if n.profile.SpeechStyle != "" {
		fmt.Fprintf(&b, "Speech style: %s\n", n.profile.SpeechStyle)
	}
	if len(n.profile.KnowledgeScope) > 0 {
		fmt.Fprintf(&b, "You know about: %s.\n", strings.Join(n.profile.KnowledgeScope, "; "))
	}
	if len(n.profile.SecretKnowledge) > 0 {
		fmt.Fprintf(&b, "You also know, but never volunteer: %s.\n", strings.Join(n.profile.SecretKnowledge, "; "))
	}
	for _, rule := range n.profile.BehaviorRules {
		fmt.Fprintf(&b, "Rule: %s\n", rule)
	}

	if len(st.Emotions) > 0 {
		b.WriteString("\nYour current emotional state:\n")
		for _, emotion := range slices.Sorted(maps.Keys(st.Emotions)) {
			fmt.Fprintf(&b, "- %s: %.2f\n", emotion, st.Emotions[emotion])
		}
	}
	if len(st.Relationships) > 0 {
		b.WriteString("Your standing with people you know (-1 hostile to +1 devoted):\n")
		for _, name := range slices.Sorted(maps.Keys(st.Relationships)) {
			fmt.Fprintf(&b, "- %s: %+.2f\n", name, st.Relationships[name])
		}
	}
	if st.MemorySummary != "" {
		fmt.Fprintf(&b, "What you remember from earlier: %s\n", st.MemorySummary)
	}
	if len(st.RecentMemories) > 0 {
		b.WriteString("Your most recent memories, oldest first:\n")
		for _, note := range st.RecentMemories {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}

	b.WriteString(`
Stay in character. React to everything addressed to you this turn as one
coherent reply.

Respond with ONLY a JSON object in this exact format (no markdown, no prose
outside the JSON):
{"dialogue": "<what you say aloud, empty if silent>", "action": "<what you visibly do, empty if nothing>", "emotion_delta": {"<emotion>": <signed change>}, "memory_delta": "<one private note about this moment, empty if none>"}

Keep every emotion change within [-1, 1]. Never reveal emotion_delta or
memory_delta contents in your dialogue or action.`)

	return b.String()
}

// worldContext assembles the shared context block for this task group:
// recent session history plus the entities the tasks mention. Assembly
// problems degrade to no context.
func (n *NPC) worldContext(ctx context.Context, tasks []types.DispatchedTask) string {
	if n.assembler == nil {
		return ""
	}

	var ids []string
	seen := make(map[string]struct{})
	for _, task := range tasks {
		for _, mention := range task.Entities {
			if mention.MatchedEntityID == "" {
				continue
			}
			if _, dup := seen[mention.MatchedEntityID]; dup {
				continue
			}
			seen[mention.MatchedEntityID] = struct{}{}
			ids = append(ids, mention.MatchedEntityID)
		}
	}

	out, err := n.assembler.Assemble(ctx, promptctx.Request{
		SessionID: n.sessionID,
		EntityIDs: ids,
	})
	if err != nil {
		slog.Warn("npc world context unavailable",
			"session_id", n.sessionID,
			"npc_id", n.profile.ID,
			"error", err,
		)
		return ""
	}
	return out.Render()
}

// renderTasks turns one turn's task group into the user message the NPC
// reacts to.
func renderTasks(tasks []types.DispatchedTask) string {
	var b strings.Builder
	b.WriteString("This just happened, in order:\n")

	for _, task := range tasks {
		speaker := task.Input.Input.CharacterName
		if speaker == "" {
			speaker = "Someone"
		}
		switch payload := task.Payload.(type) {
		case types.DialoguePayload:
			fmt.Fprintf(&b, "- %s says to you: %q\n", speaker, payload.Text)
		case types.ActionPayload:
			verb := payload.ActionType
			if verb == "" {
				verb = "acts"
			}
			fmt.Fprintf(&b, "- %s (%s): %s\n", speaker, verb, payload.Description)
		default:
			fmt.Fprintf(&b, "- %s: %s\n", speaker, task.Input.Input.Content)
		}
	}
	return b.String()
}

// npcReply is the JSON shape the persona prompt demands.
type npcReply struct {
	Dialogue     string             `json:"dialogue"`
	Action       string             `json:"action"`
	EmotionDelta map[string]float64 `json:"emotion_delta"`
	MemoryDelta  string             `json:"memory_delta"`
}

// parseReply decodes the model output. Models drift into prose now and
// then; anything that does not parse as the reply object is kept verbatim
// as spoken dialogue rather than discarded.
func parseReply(npcID, content string) types.NPCResponse {
	var reply npcReply
	if err := json.Unmarshal([]byte(stripFences(content)), &reply); err != nil {
		return types.NPCResponse{NPCID: npcID, Dialogue: strings.TrimSpace(content)}
	}
	return types.NPCResponse{
		NPCID:        npcID,
		Dialogue:     reply.Dialogue,
		Action:       reply.Action,
		EmotionDelta: reply.EmotionDelta,
		MemoryDelta:  reply.MemoryDelta,
	}
}

// stripFences removes a wrapping markdown code fence, if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if after, ok := strings.CutPrefix(s, "```json"); ok {
		s = after
	} else if after, ok := strings.CutPrefix(s, "```"); ok {
		s = after
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

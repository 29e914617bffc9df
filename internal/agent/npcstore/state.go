package npcstore

import (
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/scribax/pkg/types"
)

// defaultMemoryLimit bounds RecentMemories when Apply is called with a
// non-positive limit.
const defaultMemoryLimit = 20

// State is the mutable half of an NPC, scoped to one game session. It
// evolves as the NPC interacts and is persisted after every turn the NPC
// takes part in.
type State struct {
	// SessionID is the game session this state belongs to.
	SessionID string `json:"session_id"`

	// NPCID is the profile this state belongs to.
	NPCID string `json:"npc_id"`

	// Emotions maps emotion names to intensities in [0, 1].
	Emotions map[string]float64 `json:"emotions"`

	// MemorySummary is a rolling prose summary of everything older than
	// RecentMemories.
	MemorySummary string `json:"memory_summary"`

	// RecentMemories holds the newest memory notes, oldest first.
	RecentMemories []string `json:"recent_memories"`

	// Relationships maps character names to standings in [-1, 1].
	Relationships map[string]float64 `json:"relationships"`

	// InteractionCount is how many turns this NPC has taken part in.
	InteractionCount int `json:"interaction_count"`

	// LastInteraction is when the NPC last responded.
	LastInteraction time.Time `json:"last_interaction"`

	// UpdatedAt is the time the state was last persisted.
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState returns a fresh State for an NPC that has not appeared in the
// session yet.
func NewState(sessionID, npcID string) *State {
	return &State{
		SessionID:     sessionID,
		NPCID:         npcID,
		Emotions:      map[string]float64{},
		Relationships: map[string]float64{},
	}
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Emotions = maps.Clone(s.Emotions)
	out.Relationships = maps.Clone(s.Relationships)
	out.RecentMemories = slices.Clone(s.RecentMemories)
	return &out
}

// Apply folds one NPC response into the state: emotion deltas are added and
// clamped to [0, 1], the memory note is appended with the oldest notes
// dropped beyond memoryLimit, and the interaction counters advance to now.
// A non-positive memoryLimit applies the default of 20.
func (s *State) Apply(resp types.NPCResponse, memoryLimit int, now time.Time) {
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}

	if len(resp.EmotionDelta) > 0 && s.Emotions == nil {
		s.Emotions = make(map[string]float64, len(resp.EmotionDelta))
	}
	for emotion, delta := range resp.EmotionDelta {
		s.Emotions[emotion] = clampUnit(s.Emotions[emotion] + delta)
	}

	if resp.MemoryDelta != "" {
		s.RecentMemories = append(s.RecentMemories, resp.MemoryDelta)
		if n := len(s.RecentMemories) - memoryLimit; n > 0 {
			s.RecentMemories = slices.Clone(s.RecentMemories[n:])
		}
	}

	s.InteractionCount++
	s.LastInteraction = now
}

// clampUnit clamps v to [0, 1].
func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

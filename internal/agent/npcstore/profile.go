// Package npcstore persists NPC profiles and their per-session dynamic
// state. A [Profile] is the declarative half of an NPC — personality,
// knowledge, behaviour rules — shared across sessions; a [State] is the
// mutable half — emotions, memories, relationships — scoped to one game
// session.
//
// The primary abstraction is the [Store] interface. [PostgresStore] keeps
// both halves in PostgreSQL with JSONB columns for structured sub-fields;
// [MemStore] is a process-local implementation for tests and single-node
// setups.
package npcstore

import (
	"errors"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

// Profile is the declarative configuration of an NPC. It can be seeded from
// YAML config files, stored in the database, or both.
type Profile struct {
	// ID is the NPC's entity identifier, shared with the world store.
	ID string `yaml:"id" json:"id"`

	// CampaignID groups NPCs that belong to the same campaign.
	CampaignID string `yaml:"campaign_id" json:"campaign_id"`

	// Name is the NPC's in-world display name (e.g. "Elara the Innkeeper").
	Name string `yaml:"name" json:"name"`

	// Personality is a free-text description of the NPC's character,
	// motivations and quirks.
	Personality string `yaml:"personality" json:"personality"`

	// SpeechStyle describes how the NPC talks (dialect, verbosity, tics).
	SpeechStyle string `yaml:"speech_style" json:"speech_style"`

	// KnowledgeScope lists topics the NPC is knowledgeable about.
	KnowledgeScope []string `yaml:"knowledge_scope" json:"knowledge_scope"`

	// SecretKnowledge lists facts the NPC knows but will not volunteer.
	SecretKnowledge []string `yaml:"secret_knowledge" json:"secret_knowledge"`

	// BehaviorRules are hard constraints on the NPC's responses.
	BehaviorRules []string `yaml:"behavior_rules" json:"behavior_rules"`

	// Model pins this NPC to a specific model ID. Empty uses the pool
	// default.
	Model string `yaml:"model" json:"model"`

	// Attributes holds arbitrary key-value metadata for the NPC.
	Attributes map[string]any `yaml:"attributes" json:"attributes"`

	// CreatedAt is the time the profile was first persisted.
	CreatedAt time.Time `json:"created_at" yaml:"-"`

	// UpdatedAt is the time the profile was last modified.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Validate checks the Profile for logical consistency. It returns a joined
// error describing every violation found, or nil if the profile is valid.
func (p *Profile) Validate() error {
	var errs []error

	if p.ID == "" {
		errs = append(errs, fault.New(fault.Validation, "npcstore", "id must not be empty"))
	}
	if p.Name == "" {
		errs = append(errs, fault.New(fault.Validation, "npcstore", "name must not be empty"))
	}

	return errors.Join(errs...)
}

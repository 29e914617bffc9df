// Package worldstore persists the typed entities that make up a campaign
// world: characters, NPCs, items, spells, skills, places, factions, quests
// and lore, plus the relationships between them.
//
// The store is the resolution target for entity mentions extracted from
// player input (internal/classify) and the source of the "relevant entities"
// prompt sections assembled for NPC agents. Entities can be created one at a
// time through [Store], seeded in bulk from a YAML world file ([ImportSeed]),
// or imported from Foundry VTT and Roll20 exports ([ImportFoundryVTT],
// [ImportRoll20]).
//
// Two implementations are provided: [MemStore] for tests and single-session
// use, and [PostgresStore] for durable campaigns. All implementations are
// safe for concurrent use.
package worldstore

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// Entity is one typed record in the campaign world.
type Entity struct {
	// ID uniquely identifies the entity. Generated if empty on create.
	ID string `json:"id"`

	// Kind classifies the entity (NPC, PLACE, ITEM, ...).
	Kind types.EntityKind `json:"kind"`

	// Name is the entity's canonical display name. Mention resolution
	// matches against this name.
	Name string `json:"name"`

	// Description is a free-text description of the entity.
	Description string `json:"description,omitempty"`

	// Properties holds arbitrary key-value metadata (stats, appearance,
	// system-specific attributes).
	Properties map[string]string `json:"properties,omitempty"`

	// Tags are searchable labels for categorisation.
	Tags []string `json:"tags,omitempty"`

	// Visibility lists the NPC IDs that know about this entity. An empty
	// slice means the entity is visible to everyone.
	Visibility []string `json:"visibility,omitempty"`

	// CreatedAt is when the entity was first stored. Set by the store.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the entity was last modified. Set by the store.
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the entity for required fields and a recognised kind.
func (e *Entity) Validate() error {
	if e.Name == "" {
		return fault.New(fault.Validation, "worldstore", "entity name must not be empty")
	}
	if !e.Kind.IsValid() {
		return fault.New(fault.Validation, "worldstore", "kind %q is not a recognised entity kind", e.Kind)
	}
	return nil
}

// VisibleTo reports whether the NPC with the given ID may know about this
// entity. An empty visibility list means visible to all.
func (e *Entity) VisibleTo(npcID string) bool {
	return len(e.Visibility) == 0 || slices.Contains(e.Visibility, npcID)
}

// Clone returns a deep copy of the entity, or nil for a nil receiver.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = maps.Clone(e.Properties)
	out.Tags = slices.Clone(e.Tags)
	out.Visibility = slices.Clone(e.Visibility)
	return &out
}

// Relationship is a typed, directed edge between two stored entities.
// Bidirectional relationships are stored once and reported for both
// endpoints.
type Relationship struct {
	// ID uniquely identifies the relationship. Generated if empty on create.
	ID string `json:"id"`

	// FromID is the source entity.
	FromID string `json:"from_id"`

	// ToID is the target entity.
	ToID string `json:"to_id"`

	// Type describes the relationship (e.g. "lives_in", "owns",
	// "allied_with").
	Type string `json:"type"`

	// Properties holds arbitrary key-value metadata about the edge.
	Properties map[string]string `json:"properties,omitempty"`

	// Bidirectional marks the relationship as applying in both directions.
	Bidirectional bool `json:"bidirectional,omitempty"`

	// CreatedAt is when the relationship was stored. Set by the store.
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the relationship endpoints and type.
func (r *Relationship) Validate() error {
	if r.FromID == "" || r.ToID == "" {
		return fault.New(fault.Validation, "worldstore", "relationship endpoints must not be empty")
	}
	if r.FromID == r.ToID {
		return fault.New(fault.Validation, "worldstore", "relationship must connect two distinct entities, got %q twice", r.FromID)
	}
	if r.Type == "" {
		return fault.New(fault.Validation, "worldstore", "relationship type must not be empty")
	}
	return nil
}

// Clone returns a deep copy of the relationship, or nil for a nil receiver.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	out := *r
	out.Properties = maps.Clone(r.Properties)
	return &out
}

// FindFilters narrows the result set of [Store.Find]. All set fields are
// applied as AND conditions; the zero value matches every entity.
type FindFilters struct {
	// Kind restricts results to entities of this kind. Empty matches all
	// kinds.
	Kind types.EntityKind

	// Name restricts results to entities whose name matches
	// case-insensitively. Empty matches all names.
	Name string

	// Properties restricts results to entities whose properties contain
	// every given key-value pair.
	Properties map[string]string

	// VisibleTo restricts results to entities the NPC with this ID may know
	// about. Empty skips the visibility check.
	VisibleTo string

	// Limit caps the number of results. Zero means no limit.
	Limit int

	// Offset skips that many results for pagination.
	Offset int
}

// Validate checks the filters for contradictions.
func (f FindFilters) Validate() error {
	if f.Kind != "" && !f.Kind.IsValid() {
		return fault.New(fault.Validation, "worldstore", "kind %q is not a recognised entity kind", f.Kind)
	}
	if f.Limit < 0 {
		return fault.New(fault.Validation, "worldstore", "Limit must not be negative, got %d", f.Limit)
	}
	if f.Offset < 0 {
		return fault.New(fault.Validation, "worldstore", "Offset must not be negative, got %d", f.Offset)
	}
	return nil
}

// Store is the world entity surface consumed by mention resolution, prompt
// context assembly and the turn pipeline's changed-entity reporting.
//
// All implementations must be safe for concurrent use.
type Store interface {
	// CreateEntity stores a new entity. A missing ID is generated and
	// written back, and the store stamps CreatedAt and UpdatedAt. Returns a
	// validation error when an entity with the same ID already exists.
	CreateEntity(ctx context.Context, e *Entity) error

	// GetEntity retrieves an entity by ID. It returns (nil, nil) when no
	// entity with that ID exists.
	GetEntity(ctx context.Context, id string) (*Entity, error)

	// UpdateEntity replaces the stored entity with the same ID and stamps
	// UpdatedAt. CreatedAt keeps its stored value. Returns a not-found
	// error when the entity does not exist.
	UpdateEntity(ctx context.Context, e *Entity) error

	// DeleteEntity removes an entity and every relationship touching it.
	// Deleting a non-existent entity is not an error.
	DeleteEntity(ctx context.Context, id string) error

	// Find returns the entities matching the filters, ordered by name then
	// ID so pagination is stable.
	Find(ctx context.Context, filters FindFilters) ([]*Entity, error)

	// EntityNames returns the stored entity IDs of the given kind, keyed by
	// canonical entity name. When two entities share a name the
	// lexicographically smallest ID wins, so resolution is deterministic.
	EntityNames(ctx context.Context, kind types.EntityKind) (map[string]string, error)

	// CreateRelationship stores a new relationship between two existing
	// entities. A missing ID is generated and written back, and the store
	// stamps CreatedAt. Returns a not-found error when either endpoint does
	// not exist and a validation error when a relationship with the same ID
	// already exists.
	CreateRelationship(ctx context.Context, r *Relationship) error

	// Relationships returns every relationship with the given entity as
	// either endpoint, oldest first. Unknown entity IDs yield an empty
	// result.
	Relationships(ctx context.Context, entityID string) ([]*Relationship, error)

	// DeleteRelationship removes a relationship by ID. Deleting a
	// non-existent relationship is not an error.
	DeleteRelationship(ctx context.Context, id string) error
}

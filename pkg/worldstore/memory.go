package worldstore

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. It is
// suitable for single-session use and testing. Stored records are cloned on
// the way in and out, so callers can never alias store-internal state.
type MemStore struct {
	mu        sync.RWMutex
	entities  map[string]*Entity
	relations map[string]*Relationship
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		entities:  make(map[string]*Entity),
		relations: make(map[string]*Relationship),
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Entities
// ─────────────────────────────────────────────────────────────────────────────

// CreateEntity implements [Store.CreateEntity].
func (s *MemStore) CreateEntity(ctx context.Context, e *Entity) error {
	if e == nil {
		return fault.New(fault.Validation, "worldstore", "entity must not be nil")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entities[e.ID]; exists {
		return fault.New(fault.Validation, "worldstore", "entity with id %q already exists", e.ID)
	}

	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entities[e.ID] = e.Clone()
	return nil
}

// GetEntity implements [Store.GetEntity].
func (s *MemStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entities[id].Clone(), nil
}

// UpdateEntity implements [Store.UpdateEntity].
func (s *MemStore) UpdateEntity(ctx context.Context, e *Entity) error {
	if e == nil {
		return fault.New(fault.Validation, "worldstore", "entity must not be nil")
	}
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entities[e.ID]
	if !ok {
		return fault.New(fault.NotFound, "worldstore", "entity with id %q not found", e.ID)
	}

	e.CreatedAt = stored.CreatedAt
	e.UpdatedAt = time.Now().UTC()
	s.entities[e.ID] = e.Clone()
	return nil
}

// DeleteEntity implements [Store.DeleteEntity]. Relationships touching the
// entity are removed with it.
func (s *MemStore) DeleteEntity(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entities, id)
	for relID, rel := range s.relations {
		if rel.FromID == id || rel.ToID == id {
			delete(s.relations, relID)
		}
	}
	return nil
}

// Find implements [Store.Find].
func (s *MemStore) Find(ctx context.Context, filters FindFilters) ([]*Entity, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Entity, 0, len(s.entities))
	for _, e := range s.entities {
		if matchesFilters(e, filters) {
			matched = append(matched, e)
		}
	}
	sortEntities(matched)
	matched = paginate(matched, filters.Limit, filters.Offset)

	out := make([]*Entity, len(matched))
	for i, e := range matched {
		out[i] = e.Clone()
	}
	return out, nil
}

// EntityNames implements [Store.EntityNames].
func (s *MemStore) EntityNames(ctx context.Context, kind types.EntityKind) (map[string]string, error) {
	if !kind.IsValid() {
		return nil, fault.New(fault.Validation, "worldstore", "kind %q is not a recognised entity kind", kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make(map[string]string)
	for _, e := range s.entities {
		if e.Kind != kind {
			continue
		}
		if id, ok := names[e.Name]; !ok || e.ID < id {
			names[e.Name] = e.ID
		}
	}
	return names, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationships
// ─────────────────────────────────────────────────────────────────────────────

// CreateRelationship implements [Store.CreateRelationship].
func (s *MemStore) CreateRelationship(ctx context.Context, r *Relationship) error {
	if r == nil {
		return fault.New(fault.Validation, "worldstore", "relationship must not be nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.relations[r.ID]; exists {
		return fault.New(fault.Validation, "worldstore", "relationship with id %q already exists", r.ID)
	}
	for _, endpoint := range []string{r.FromID, r.ToID} {
		if _, ok := s.entities[endpoint]; !ok {
			return fault.New(fault.NotFound, "worldstore", "relationship endpoint %q does not exist", endpoint)
		}
	}

	r.CreatedAt = time.Now().UTC()
	s.relations[r.ID] = r.Clone()
	return nil
}

// Relationships implements [Store.Relationships].
func (s *MemStore) Relationships(ctx context.Context, entityID string) ([]*Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Relationship, 0, 4)
	for _, rel := range s.relations {
		if rel.FromID == entityID || rel.ToID == entityID {
			out = append(out, rel.Clone())
		}
	}
	sortRelationships(out)
	return out, nil
}

// DeleteRelationship implements [Store.DeleteRelationship].
func (s *MemStore) DeleteRelationship(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.relations, id)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// matchesFilters reports whether e satisfies every set condition in filters.
// Limit and Offset are applied by the caller after sorting.
func matchesFilters(e *Entity, filters FindFilters) bool {
	if filters.Kind != "" && e.Kind != filters.Kind {
		return false
	}
	if filters.Name != "" && !strings.EqualFold(e.Name, filters.Name) {
		return false
	}
	for k, want := range filters.Properties {
		if e.Properties[k] != want {
			return false
		}
	}
	if filters.VisibleTo != "" && !e.VisibleTo(filters.VisibleTo) {
		return false
	}
	return true
}

// sortEntities orders entities by name, breaking ties by ID, so paginated
// results are stable across calls.
func sortEntities(entities []*Entity) {
	slices.SortFunc(entities, func(a, b *Entity) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// sortRelationships orders relationships oldest first, breaking ties by ID.
func sortRelationships(rels []*Relationship) {
	slices.SortFunc(rels, func(a, b *Relationship) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

// paginate applies limit and offset to an already sorted slice.
func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

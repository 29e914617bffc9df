package npcstore

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

// MemStore is a process-local [Store] for tests and single-node setups.
// All data is lost when the process exits.
type MemStore struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	states   map[string]*State // key: sessionID + "/" + npcID
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		profiles: make(map[string]*Profile),
		states:   make(map[string]*State),
	}
}

func stateKey(sessionID, npcID string) string { return sessionID + "/" + npcID }

// CreateProfile inserts a new profile.
func (m *MemStore) CreateProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.profiles[p.ID]; ok {
		return fault.New(fault.Validation, "npcstore", "npc with id %q already exists", p.ID)
	}
	now := time.Now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

// GetProfile retrieves a profile by NPC ID. Returns (nil, nil) if not found.
func (m *MemStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	return cloneProfile(p), nil
}

// UpdateProfile replaces an existing profile.
func (m *MemStore) UpdateProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.profiles[p.ID]
	if !ok {
		return fault.New(fault.NotFound, "npcstore", "npc with id %q not found", p.ID)
	}
	p.CreatedAt = existing.CreatedAt
	p.UpdatedAt = time.Now()
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

// DeleteProfile removes a profile by NPC ID.
func (m *MemStore) DeleteProfile(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.profiles, id)
	return nil
}

// ListProfiles returns all profiles sorted by name, optionally filtered by
// campaign ID.
func (m *MemStore) ListProfiles(ctx context.Context, campaignID string) ([]Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var profiles []Profile
	for _, p := range m.profiles {
		if campaignID != "" && p.CampaignID != campaignID {
			continue
		}
		profiles = append(profiles, *cloneProfile(p))
	}
	slices.SortFunc(profiles, func(a, b Profile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return profiles, nil
}

// UpsertProfile creates or replaces a profile.
func (m *MemStore) UpsertProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if existing, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.profiles[p.ID] = cloneProfile(p)
	return nil
}

// GetState retrieves the dynamic state for one NPC in one session. Returns
// (nil, nil) if the NPC has no state in the session yet.
func (m *MemStore) GetState(ctx context.Context, sessionID, npcID string) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[stateKey(sessionID, npcID)]
	if !ok {
		return nil, nil
	}
	return st.Clone(), nil
}

// SaveState creates or replaces the dynamic state for (session, NPC).
func (m *MemStore) SaveState(ctx context.Context, st *State) error {
	if st.SessionID == "" || st.NPCID == "" {
		return fault.New(fault.Validation, "npcstore", "state requires session_id and npc_id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st.UpdatedAt = time.Now()
	m.states[stateKey(st.SessionID, st.NPCID)] = st.Clone()
	return nil
}

// DeleteSessionStates removes all NPC state belonging to a session.
func (m *MemStore) DeleteSessionStates(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prefix := sessionID + "/"
	for key := range m.states {
		if strings.HasPrefix(key, prefix) {
			delete(m.states, key)
		}
	}
	return nil
}

// cloneProfile returns a deep copy so callers cannot mutate stored data.
func cloneProfile(p *Profile) *Profile {
	out := *p
	out.KnowledgeScope = slices.Clone(p.KnowledgeScope)
	out.SecretKnowledge = slices.Clone(p.SecretKnowledge)
	out.BehaviorRules = slices.Clone(p.BehaviorRules)
	out.Attributes = maps.Clone(p.Attributes)
	return &out
}

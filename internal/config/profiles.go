package config

import (
	"path"
	"regexp"
	"strings"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/storage"
)

// Profile documents live under profiles/<id>.json in the file store; the
// active selection is active_profile.json at the store root.
const (
	profileDir        = "profiles"
	activeProfileFile = "active_profile.json"
)

// profileIDPattern bounds profile IDs to filesystem-safe names.
var profileIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// Profile is a named bundle of provider entries and routing thresholds.
// Switching profiles swaps the whole model stack (e.g. "cloud" vs "local")
// without editing the main config file.
type Profile struct {
	// ID identifies the profile. Must match [A-Za-z0-9_-]{1,50}.
	ID string `json:"profile_id"`

	// Description is free text shown when listing profiles.
	Description string `json:"description,omitempty"`

	// LLM replaces providers.llm when the profile is applied.
	LLM []ProviderEntry `json:"llm"`

	// Embeddings replaces providers.embeddings when non-empty.
	Embeddings ProviderEntry `json:"embeddings"`

	// Router replaces the routing thresholds when the profile is applied.
	Router RouterConfig `json:"router"`
}

// Validate checks the profile for contract violations.
func (p *Profile) Validate() error {
	if p == nil {
		return fault.New(fault.Validation, "config", "profile must not be nil")
	}
	if !profileIDPattern.MatchString(p.ID) {
		return fault.New(fault.Validation, "config", "profile id %q must match %s", p.ID, profileIDPattern.String())
	}
	seen := make(map[string]bool, len(p.LLM))
	for i, entry := range p.LLM {
		if entry.Name == "" {
			return fault.New(fault.Validation, "config", "profile %q: llm[%d].name is required", p.ID, i)
		}
		if seen[entry.Name] {
			return fault.New(fault.Validation, "config", "profile %q: duplicate llm provider %q", p.ID, entry.Name)
		}
		seen[entry.Name] = true
	}
	return nil
}

// Apply overwrites cfg's provider entries and routing thresholds with the
// profile's. Fields the profile leaves empty keep the config's values.
func (p *Profile) Apply(cfg *Config) {
	if len(p.LLM) > 0 {
		cfg.Providers.LLM = p.LLM
	}
	if p.Embeddings.Name != "" {
		cfg.Providers.Embeddings = p.Embeddings
	}
	if !routerEqual(p.Router, RouterConfig{}) {
		cfg.Router = p.Router
	}
}

// activeRef is the persisted shape of active_profile.json.
type activeRef struct {
	ProfileID string `json:"profile_id"`
}

// ProfileStore persists provider profiles as JSON documents in a file
// store and tracks which one is active.
type ProfileStore struct {
	files *storage.FileStore
}

// NewProfileStore creates a profile store backed by files.
func NewProfileStore(files *storage.FileStore) (*ProfileStore, error) {
	if files == nil {
		return nil, fault.New(fault.Validation, "config", "profile file store must not be nil")
	}
	return &ProfileStore{files: files}, nil
}

// Save validates and writes the profile document, overwriting any previous
// version with the same ID.
func (s *ProfileStore) Save(p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return s.files.WriteJSON(profilePath(p.ID), p)
}

// Load reads the profile with the given ID. Returns a not-found fault when
// no such profile exists.
func (s *ProfileStore) Load(id string) (*Profile, error) {
	if !profileIDPattern.MatchString(id) {
		return nil, fault.New(fault.Validation, "config", "profile id %q must match %s", id, profileIDPattern.String())
	}
	var p Profile
	if err := s.files.ReadJSON(profilePath(id), &p); err != nil {
		if fault.IsNotFound(err) {
			return nil, fault.New(fault.NotFound, "config", "profile %q does not exist", id)
		}
		return nil, err
	}
	if p.ID != id {
		return nil, fault.New(fault.Internal, "config", "profile file %q declares id %q", id, p.ID)
	}
	return &p, nil
}

// List returns the stored profile IDs, sorted.
func (s *ProfileStore) List() ([]string, error) {
	paths, err := s.files.List(profileDir, "*.json")
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		id := strings.TrimSuffix(path.Base(p), ".json")
		if profileIDPattern.MatchString(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Delete removes the profile. Deleting the active profile is rejected;
// deleting a profile that does not exist is a no-op.
func (s *ProfileStore) Delete(id string) error {
	if !profileIDPattern.MatchString(id) {
		return fault.New(fault.Validation, "config", "profile id %q must match %s", id, profileIDPattern.String())
	}
	ref, err := s.activeRef()
	if err != nil {
		return err
	}
	if ref == id {
		return fault.New(fault.Validation, "config", "profile %q is active; select another profile before deleting it", id)
	}
	return s.files.Delete(profilePath(id))
}

// SetActive records id as the active profile. The profile must exist.
func (s *ProfileStore) SetActive(id string) error {
	if _, err := s.Load(id); err != nil {
		return err
	}
	return s.files.WriteJSON(activeProfileFile, activeRef{ProfileID: id})
}

// ClearActive removes the active selection.
func (s *ProfileStore) ClearActive() error {
	return s.files.Delete(activeProfileFile)
}

// Active returns the currently selected profile, or (nil, nil) when none
// is selected.
func (s *ProfileStore) Active() (*Profile, error) {
	id, err := s.activeRef()
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	return s.Load(id)
}

// activeRef reads active_profile.json; "" means no selection.
func (s *ProfileStore) activeRef() (string, error) {
	var ref activeRef
	if err := s.files.ReadJSON(activeProfileFile, &ref); err != nil {
		if fault.IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return ref.ProfileID, nil
}

func profilePath(id string) string {
	return path.Join(profileDir, id+".json")
}

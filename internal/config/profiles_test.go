package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/scribax/internal/config"
	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/storage"
)

func newProfileStore(t *testing.T) *config.ProfileStore {
	t.Helper()
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	store, err := config.NewProfileStore(files)
	if err != nil {
		t.Fatalf("NewProfileStore: %v", err)
	}
	return store
}

func cloudProfile() *config.Profile {
	return &config.Profile{
		ID:          "cloud",
		Description: "Hosted models for live sessions",
		LLM: []config.ProviderEntry{
			{Name: "openai", APIKeyEnv: "OPENAI_API_KEY", Model: "gpt-4o"},
			{Name: "anthropic", APIKeyEnv: "ANTHROPIC_API_KEY", Model: "claude-sonnet-4-5"},
		},
		Embeddings: config.ProviderEntry{Name: "openai", APIKeyEnv: "OPENAI_API_KEY", Model: "text-embedding-3-small"},
		Router:     config.RouterConfig{DefaultProvider: "openai", FallbackProviders: []string{"anthropic"}},
	}
}

func TestProfileStore_SaveAndLoad(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	if err := store.Save(cloudProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := store.Load("cloud")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != "cloud" || len(got.LLM) != 2 || got.Router.DefaultProvider != "openai" {
		t.Errorf("Load = %+v, want the saved profile", got)
	}
}

func TestProfileStore_LoadMissing(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	_, err := store.Load("ghost")
	if !fault.IsNotFound(err) {
		t.Errorf("Load missing: got %v, want not-found fault", err)
	}
}

func TestProfile_IDValidation(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"simple", "local", true},
		{"with dash and underscore", "gm_laptop-2", true},
		{"fifty chars", strings.Repeat("a", 50), true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 51), false},
		{"path traversal", "../evil", false},
		{"spaces", "my profile", false},
		{"unicode", "pröfil", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := cloudProfile()
			p.ID = tt.id
			err := store.Save(p)
			if tt.ok && err != nil {
				t.Errorf("Save(%q): unexpected error %v", tt.id, err)
			}
			if !tt.ok && !fault.IsValidation(err) {
				t.Errorf("Save(%q): got %v, want validation fault", tt.id, err)
			}
		})
	}
}

func TestProfileStore_List(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	for _, id := range []string{"local", "cloud", "budget"} {
		p := cloudProfile()
		p.ID = id
		if err := store.Save(p); err != nil {
			t.Fatalf("Save(%s): %v", id, err)
		}
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"budget", "cloud", "local"} // sorted
	if len(ids) != len(want) {
		t.Fatalf("List = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("List[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestProfileStore_ActiveSelection(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	// No selection yet.
	active, err := store.Active()
	if err != nil || active != nil {
		t.Fatalf("Active before selection = %v, err %v; want nil, nil", active, err)
	}

	if err := store.Save(cloudProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.SetActive("cloud"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	active, err = store.Active()
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if active == nil || active.ID != "cloud" {
		t.Errorf("Active = %+v, want the cloud profile", active)
	}

	if err := store.ClearActive(); err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	active, err = store.Active()
	if err != nil || active != nil {
		t.Errorf("Active after clear = %v, err %v; want nil, nil", active, err)
	}
}

func TestProfileStore_SetActiveMissing(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	if err := store.SetActive("ghost"); !fault.IsNotFound(err) {
		t.Errorf("SetActive missing: got %v, want not-found fault", err)
	}
}

func TestProfileStore_DeleteActiveRejected(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	if err := store.Save(cloudProfile()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := store.SetActive("cloud"); err != nil {
		t.Fatalf("SetActive: %v", err)
	}

	if err := store.Delete("cloud"); !fault.IsValidation(err) {
		t.Errorf("Delete active: got %v, want validation fault", err)
	}

	if err := store.ClearActive(); err != nil {
		t.Fatalf("ClearActive: %v", err)
	}
	if err := store.Delete("cloud"); err != nil {
		t.Errorf("Delete after clearing: %v", err)
	}
	if _, err := store.Load("cloud"); !fault.IsNotFound(err) {
		t.Errorf("Load after delete: got %v, want not-found fault", err)
	}
}

func TestProfile_Apply(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	p := cloudProfile()

	p.Apply(cfg)

	if len(cfg.Providers.LLM) != 2 || cfg.Providers.LLM[1].Name != "anthropic" {
		t.Errorf("Apply providers: got %+v", cfg.Providers.LLM)
	}
	if cfg.Router.DefaultProvider != "openai" || len(cfg.Router.FallbackProviders) != 1 {
		t.Errorf("Apply router: got %+v", cfg.Router)
	}
	if err := config.Validate(cfg); err != nil {
		t.Errorf("applied config should validate: %v", err)
	}
}

func TestProfile_ApplyEmptySectionsKeepConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	wantLLM := len(cfg.Providers.LLM)
	wantRouter := cfg.Router.DefaultProvider

	p := &config.Profile{ID: "noop"}
	p.Apply(cfg)

	if len(cfg.Providers.LLM) != wantLLM {
		t.Errorf("Apply with empty profile changed providers: %+v", cfg.Providers.LLM)
	}
	if cfg.Router.DefaultProvider != wantRouter {
		t.Errorf("Apply with empty profile changed router: %+v", cfg.Router)
	}
}

func TestProfile_DuplicateProviderRejected(t *testing.T) {
	t.Parallel()
	store := newProfileStore(t)

	p := cloudProfile()
	p.LLM = append(p.LLM, p.LLM[0])
	if err := store.Save(p); !fault.IsValidation(err) {
		t.Errorf("Save with duplicate provider: got %v, want validation fault", err)
	}
}

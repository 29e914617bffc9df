package npcstore

import "context"

// Store provides persistence for NPC profiles and per-session state.
// Implementations must be safe for concurrent use.
type Store interface {
	// CreateProfile inserts a new profile. The profile is validated before
	// insertion. Returns an error if an NPC with the same ID already exists.
	CreateProfile(ctx context.Context, p *Profile) error

	// GetProfile retrieves a profile by NPC ID. Returns (nil, nil) if not
	// found.
	GetProfile(ctx context.Context, id string) (*Profile, error)

	// UpdateProfile replaces an existing profile. The profile is validated
	// before the update. Returns an error if the NPC is not found.
	UpdateProfile(ctx context.Context, p *Profile) error

	// DeleteProfile removes a profile by NPC ID. Deleting a non-existent
	// profile is not an error.
	DeleteProfile(ctx context.Context, id string) error

	// ListProfiles returns all profiles, optionally filtered by campaign ID.
	// An empty campaignID returns all profiles.
	ListProfiles(ctx context.Context, campaignID string) ([]Profile, error)

	// UpsertProfile creates or replaces a profile (useful for YAML import).
	// The profile is validated before persistence.
	UpsertProfile(ctx context.Context, p *Profile) error

	// GetState retrieves the dynamic state for one NPC in one session.
	// Returns (nil, nil) if the NPC has no state in the session yet.
	GetState(ctx context.Context, sessionID, npcID string) (*State, error)

	// SaveState creates or replaces the dynamic state for (session, NPC).
	SaveState(ctx context.Context, st *State) error

	// DeleteSessionStates removes all NPC state belonging to a session.
	// Used by session cleanup.
	DeleteSessionStates(ctx context.Context, sessionID string) error
}

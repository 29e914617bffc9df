package npcstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/scribax/pkg/fault"
)

// Schema is the SQL DDL for the npc_profiles and npc_states tables. Execute
// it via [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS npc_profiles (
    id               TEXT PRIMARY KEY,
    campaign_id      TEXT NOT NULL DEFAULT '',
    name             TEXT NOT NULL,
    personality      TEXT NOT NULL DEFAULT '',
    speech_style     TEXT NOT NULL DEFAULT '',
    knowledge_scope  JSONB NOT NULL DEFAULT '[]',
    secret_knowledge JSONB NOT NULL DEFAULT '[]',
    behavior_rules   JSONB NOT NULL DEFAULT '[]',
    model            TEXT NOT NULL DEFAULT '',
    attributes       JSONB NOT NULL DEFAULT '{}',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_npc_profiles_campaign ON npc_profiles(campaign_id);
CREATE INDEX IF NOT EXISTS idx_npc_profiles_name ON npc_profiles(name);

CREATE TABLE IF NOT EXISTS npc_states (
    session_id        TEXT NOT NULL,
    npc_id            TEXT NOT NULL,
    emotions          JSONB NOT NULL DEFAULT '{}',
    memory_summary    TEXT NOT NULL DEFAULT '',
    recent_memories   JSONB NOT NULL DEFAULT '[]',
    relationships     JSONB NOT NULL DEFAULT '{}',
    interaction_count INTEGER NOT NULL DEFAULT 0,
    last_interaction  TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (session_id, npc_id)
);
CREATE INDEX IF NOT EXISTS idx_npc_states_session ON npc_states(session_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. It serialises
// structured sub-fields (knowledge, emotions, relationships) as JSONB.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// npc_profiles and npc_states tables if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "migrate", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Profiles
// ─────────────────────────────────────────────────────────────────────────────

const profileColumns = `id, campaign_id, name, personality, speech_style,
       knowledge_scope, secret_knowledge, behavior_rules, model, attributes,
       created_at, updated_at`

// CreateProfile inserts a new profile. It validates the profile and returns
// an error if an NPC with the same ID already exists.
func (s *PostgresStore) CreateProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ksJSON, skJSON, brJSON, attrJSON, err := marshalProfileFields(p)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO npc_profiles (
			id, campaign_id, name, personality, speech_style,
			knowledge_scope, secret_knowledge, behavior_rules, model, attributes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		p.ID, p.CampaignID, p.Name, p.Personality, p.SpeechStyle,
		ksJSON, skJSON, brJSON, p.Model, attrJSON,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fault.New(fault.Validation, "npcstore", "npc with id %q already exists", p.ID)
		}
		return fault.Wrap(fault.Internal, "npcstore", "create profile", err)
	}
	return nil
}

// GetProfile retrieves a profile by NPC ID. It returns (nil, nil) if no NPC
// with the given ID exists.
func (s *PostgresStore) GetProfile(ctx context.Context, id string) (*Profile, error) {
	const query = `
		SELECT ` + profileColumns + `
		FROM npc_profiles
		WHERE id = $1`

	var p Profile
	var ksJSON, skJSON, brJSON, attrJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&p.ID, &p.CampaignID, &p.Name, &p.Personality, &p.SpeechStyle,
		&ksJSON, &skJSON, &brJSON, &p.Model, &attrJSON,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Internal, "npcstore", "get profile "+id, err)
	}

	if err := unmarshalProfileFields(&p, ksJSON, skJSON, brJSON, attrJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProfile replaces an existing profile. It validates the new profile
// and returns an error if the NPC is not found.
func (s *PostgresStore) UpdateProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ksJSON, skJSON, brJSON, attrJSON, err := marshalProfileFields(p)
	if err != nil {
		return err
	}

	const query = `
		UPDATE npc_profiles SET
			campaign_id = $2, name = $3, personality = $4, speech_style = $5,
			knowledge_scope = $6, secret_knowledge = $7, behavior_rules = $8,
			model = $9, attributes = $10, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		p.ID, p.CampaignID, p.Name, p.Personality, p.SpeechStyle,
		ksJSON, skJSON, brJSON, p.Model, attrJSON,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.New(fault.NotFound, "npcstore", "npc with id %q not found", p.ID)
		}
		return fault.Wrap(fault.Internal, "npcstore", "update profile", err)
	}
	return nil
}

// DeleteProfile removes a profile by NPC ID. Deleting a non-existent profile
// is not an error.
func (s *PostgresStore) DeleteProfile(ctx context.Context, id string) error {
	const query = `DELETE FROM npc_profiles WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "delete profile "+id, err)
	}
	return nil
}

// ListProfiles returns all profiles, optionally filtered by campaign ID. An
// empty campaignID returns all profiles.
func (s *PostgresStore) ListProfiles(ctx context.Context, campaignID string) ([]Profile, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if campaignID == "" {
		const query = `
			SELECT ` + profileColumns + `
			FROM npc_profiles
			ORDER BY name`
		rows, err = s.db.Query(ctx, query)
	} else {
		const query = `
			SELECT ` + profileColumns + `
			FROM npc_profiles
			WHERE campaign_id = $1
			ORDER BY name`
		rows, err = s.db.Query(ctx, query, campaignID)
	}
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "npcstore", "list profiles", err)
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var p Profile
		var ksJSON, skJSON, brJSON, attrJSON []byte

		if err := rows.Scan(
			&p.ID, &p.CampaignID, &p.Name, &p.Personality, &p.SpeechStyle,
			&ksJSON, &skJSON, &brJSON, &p.Model, &attrJSON,
			&p.CreatedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fault.Wrap(fault.Internal, "npcstore", "list profiles scan", err)
		}

		if err := unmarshalProfileFields(&p, ksJSON, skJSON, brJSON, attrJSON); err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "npcstore", "list profiles", err)
	}
	return profiles, nil
}

// UpsertProfile creates or replaces a profile. This is useful for importing
// profiles from YAML config files. The profile is validated before
// persistence.
func (s *PostgresStore) UpsertProfile(ctx context.Context, p *Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	ksJSON, skJSON, brJSON, attrJSON, err := marshalProfileFields(p)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO npc_profiles (
			id, campaign_id, name, personality, speech_style,
			knowledge_scope, secret_knowledge, behavior_rules, model, attributes
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (id) DO UPDATE SET
			campaign_id = EXCLUDED.campaign_id,
			name = EXCLUDED.name,
			personality = EXCLUDED.personality,
			speech_style = EXCLUDED.speech_style,
			knowledge_scope = EXCLUDED.knowledge_scope,
			secret_knowledge = EXCLUDED.secret_knowledge,
			behavior_rules = EXCLUDED.behavior_rules,
			model = EXCLUDED.model,
			attributes = EXCLUDED.attributes,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		p.ID, p.CampaignID, p.Name, p.Personality, p.SpeechStyle,
		ksJSON, skJSON, brJSON, p.Model, attrJSON,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "upsert profile", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Per-session state
// ─────────────────────────────────────────────────────────────────────────────

// GetState retrieves the dynamic state for one NPC in one session. It
// returns (nil, nil) if the NPC has no state in the session yet.
func (s *PostgresStore) GetState(ctx context.Context, sessionID, npcID string) (*State, error) {
	const query = `
		SELECT session_id, npc_id, emotions, memory_summary, recent_memories,
		       relationships, interaction_count, last_interaction, updated_at
		FROM npc_states
		WHERE session_id = $1 AND npc_id = $2`

	var st State
	var emoJSON, memJSON, relJSON []byte

	err := s.db.QueryRow(ctx, query, sessionID, npcID).Scan(
		&st.SessionID, &st.NPCID, &emoJSON, &st.MemorySummary, &memJSON,
		&relJSON, &st.InteractionCount, &st.LastInteraction, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Internal, "npcstore", "get state", err)
	}

	if err := json.Unmarshal(emoJSON, &st.Emotions); err != nil {
		return nil, fault.Wrap(fault.Internal, "npcstore", "unmarshal emotions", err)
	}
	if err := json.Unmarshal(memJSON, &st.RecentMemories); err != nil {
		return nil, fault.Wrap(fault.Internal, "npcstore", "unmarshal recent_memories", err)
	}
	if err := json.Unmarshal(relJSON, &st.Relationships); err != nil {
		return nil, fault.Wrap(fault.Internal, "npcstore", "unmarshal relationships", err)
	}
	return &st, nil
}

// SaveState creates or replaces the dynamic state for (session, NPC).
func (s *PostgresStore) SaveState(ctx context.Context, st *State) error {
	if st.SessionID == "" || st.NPCID == "" {
		return fault.New(fault.Validation, "npcstore", "state requires session_id and npc_id")
	}

	emoJSON, err := json.Marshal(emptyFloatMap(st.Emotions))
	if err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "marshal emotions", err)
	}
	memJSON, err := json.Marshal(emptySlice(st.RecentMemories))
	if err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "marshal recent_memories", err)
	}
	relJSON, err := json.Marshal(emptyFloatMap(st.Relationships))
	if err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "marshal relationships", err)
	}

	const query = `
		INSERT INTO npc_states (
			session_id, npc_id, emotions, memory_summary, recent_memories,
			relationships, interaction_count, last_interaction
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (session_id, npc_id) DO UPDATE SET
			emotions = EXCLUDED.emotions,
			memory_summary = EXCLUDED.memory_summary,
			recent_memories = EXCLUDED.recent_memories,
			relationships = EXCLUDED.relationships,
			interaction_count = EXCLUDED.interaction_count,
			last_interaction = EXCLUDED.last_interaction,
			updated_at = now()
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		st.SessionID, st.NPCID, emoJSON, st.MemorySummary, memJSON,
		relJSON, st.InteractionCount, st.LastInteraction,
	).Scan(&st.UpdatedAt)
	if err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "save state", err)
	}
	return nil
}

// DeleteSessionStates removes all NPC state belonging to a session.
func (s *PostgresStore) DeleteSessionStates(ctx context.Context, sessionID string) error {
	const query = `DELETE FROM npc_states WHERE session_id = $1`
	if _, err := s.db.Exec(ctx, query, sessionID); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "delete session states", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// marshalProfileFields serialises the JSONB columns of a profile.
func marshalProfileFields(p *Profile) (ks, sk, br, attrs []byte, err error) {
	if ks, err = json.Marshal(emptySlice(p.KnowledgeScope)); err != nil {
		return nil, nil, nil, nil, fault.Wrap(fault.Internal, "npcstore", "marshal knowledge_scope", err)
	}
	if sk, err = json.Marshal(emptySlice(p.SecretKnowledge)); err != nil {
		return nil, nil, nil, nil, fault.Wrap(fault.Internal, "npcstore", "marshal secret_knowledge", err)
	}
	if br, err = json.Marshal(emptySlice(p.BehaviorRules)); err != nil {
		return nil, nil, nil, nil, fault.Wrap(fault.Internal, "npcstore", "marshal behavior_rules", err)
	}
	if attrs, err = json.Marshal(emptyMap(p.Attributes)); err != nil {
		return nil, nil, nil, nil, fault.Wrap(fault.Internal, "npcstore", "marshal attributes", err)
	}
	return ks, sk, br, attrs, nil
}

// unmarshalProfileFields deserialises the JSONB columns into the
// corresponding [Profile] fields.
func unmarshalProfileFields(p *Profile, ks, sk, br, attrs []byte) error {
	if err := json.Unmarshal(ks, &p.KnowledgeScope); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "unmarshal knowledge_scope", err)
	}
	if err := json.Unmarshal(sk, &p.SecretKnowledge); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "unmarshal secret_knowledge", err)
	}
	if err := json.Unmarshal(br, &p.BehaviorRules); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "unmarshal behavior_rules", err)
	}
	if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
		return fault.Wrap(fault.Internal, "npcstore", "unmarshal attributes", err)
	}
	return nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// emptyMap returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func emptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// emptyFloatMap returns m if non-nil, otherwise an empty non-nil map.
func emptyFloatMap(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

// isDuplicateKeyError checks whether a PostgreSQL error is a
// unique-violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

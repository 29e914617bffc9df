// Package gamestate persists game sessions, their point-in-time snapshots
// and the rollback audit log.
//
// A GameSession row is the live state of one table: identity, party, the
// in-game clock, the narration style plus everything a restore needs (the
// per-NPC interior states, event-rule switches and custom styles). A
// SessionSnapshot freezes a whole GameSession under a trigger (manual,
// auto-save, before-rollback, event-triggered); a RollbackLog row records
// every rollback point created and every rollback performed, with
// before/after digests and the conflicts the rollback discarded.
//
// Store bundles the three repositories. Two invariants hold in every
// implementation: CreateRollbackPoint writes the snapshot and its
// create_point log row atomically, and RollbackTo restores the snapshot's
// state only after its checksum verifies, recording the rollback row in
// the same atomic step.
package gamestate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// Session
// ─────────────────────────────────────────────────────────────────────────────

// NPCStateRecord is the serialised per-NPC interior state embedded in a
// session so snapshots can restore the cast along with the scene.
type NPCStateRecord struct {
	// Emotions maps emotion names to intensities in [0, 1].
	Emotions map[string]float64 `json:"emotions,omitempty"`

	// MemorySummary condenses older memories into one paragraph.
	MemorySummary string `json:"memory_summary,omitempty"`

	// RecentMemories lists the newest memory notes, oldest first.
	RecentMemories []string `json:"recent_memories,omitempty"`

	// Relationships maps character names to scores in [-1, 1].
	Relationships map[string]float64 `json:"relationships,omitempty"`

	// InteractionCount is how many turns the NPC has responded to.
	InteractionCount int `json:"interaction_count,omitempty"`

	// LastInteraction is the wall-clock time of the latest response.
	LastInteraction time.Time `json:"last_interaction"`
}

// EventRuleState records one event rule's runtime switch so a restored
// session can re-apply it to the code-registered rules.
type EventRuleState struct {
	// RuleID names the registered rule.
	RuleID string `json:"rule_id"`

	// Enabled is the rule's switch position.
	Enabled bool `json:"enabled"`
}

// GameSession is one table's full persistent state.
type GameSession struct {
	// SessionID uniquely identifies the session.
	SessionID string `json:"session_id"`

	// DMID identifies the dungeon master running the session.
	DMID string `json:"dm_id"`

	// CampaignID groups sessions of the same campaign. Optional.
	CampaignID string `json:"campaign_id,omitempty"`

	// Name is the human-readable session title.
	Name string `json:"name"`

	// Description summarises the session for listings.
	Description string `json:"description,omitempty"`

	// CurrentTime is the in-game clock.
	CurrentTime time.Time `json:"current_time"`

	// SessionStart is the in-game time the session began at.
	SessionStart time.Time `json:"session_start"`

	// CurrentSceneID points at the active scene entity, when one is set.
	CurrentSceneID string `json:"current_scene_id,omitempty"`

	// PlayerCharacters lists the player character names at the table.
	PlayerCharacters []string `json:"player_characters,omitempty"`

	// ActiveNPCs lists the NPC IDs currently in play.
	ActiveNPCs []string `json:"active_npcs,omitempty"`

	// Style is the session's narration configuration.
	Style types.DMStyle `json:"style"`

	// NPCStates carries each active NPC's interior state, keyed by NPC ID.
	NPCStates map[string]NPCStateRecord `json:"npc_states,omitempty"`

	// EventRules records the runtime switches of the registered rules.
	EventRules []EventRuleState `json:"event_rules,omitempty"`

	// CustomStyles maps the session's custom narration styles to their
	// system prompts.
	CustomStyles map[string]string `json:"custom_dm_styles,omitempty"`

	// CreatedAt is when the session row was first saved.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session row last changed. Never before
	// CreatedAt.
	UpdatedAt time.Time `json:"updated_at"`

	// Version counts saved revisions, starting at 1 and only growing.
	Version int `json:"version"`

	// Checksum is the hex SHA-256 of the canonical session JSON. Empty
	// means unsealed.
	Checksum string `json:"checksum,omitempty"`
}

// Validate checks the session's own invariants.
func (s *GameSession) Validate() error {
	var errs []error
	if s.SessionID == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "session id must not be empty"))
	}
	if s.DMID == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "dm id must not be empty"))
	}
	if s.Name == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "session name must not be empty"))
	}
	if s.Version < 0 {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "version must not be negative, got %d", s.Version))
	}
	if !s.CreatedAt.IsZero() && !s.UpdatedAt.IsZero() && s.UpdatedAt.Before(s.CreatedAt) {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "updated_at must not precede created_at"))
	}
	return errors.Join(errs...)
}

// Clone deep-copies the session.
func (s *GameSession) Clone() *GameSession {
	if s == nil {
		return nil
	}
	out := *s
	out.PlayerCharacters = slices.Clone(s.PlayerCharacters)
	out.ActiveNPCs = slices.Clone(s.ActiveNPCs)
	out.EventRules = slices.Clone(s.EventRules)
	out.CustomStyles = maps.Clone(s.CustomStyles)
	if s.NPCStates != nil {
		out.NPCStates = make(map[string]NPCStateRecord, len(s.NPCStates))
		for id, st := range s.NPCStates {
			st.Emotions = maps.Clone(st.Emotions)
			st.Relationships = maps.Clone(st.Relationships)
			st.RecentMemories = slices.Clone(st.RecentMemories)
			out.NPCStates[id] = st
		}
	}
	return &out
}

// ComputeChecksum returns the hex SHA-256 of the session's canonical JSON:
// the full serialisation with the Checksum field blanked. encoding/json
// sorts map keys, so the form is deterministic.
func (s *GameSession) ComputeChecksum() (string, error) {
	canonical := *s
	canonical.Checksum = ""
	data, err := json.Marshal(&canonical)
	if err != nil {
		return "", fault.Wrap(fault.Internal, "gamestate", "serializing session for checksum", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// normalizeTimes converts the session's time fields to UTC at microsecond
// precision, the finest granularity a TIMESTAMPTZ column round-trips.
func (s *GameSession) normalizeTimes() {
	s.CurrentTime = s.CurrentTime.UTC().Truncate(time.Microsecond)
	s.SessionStart = s.SessionStart.UTC().Truncate(time.Microsecond)
	s.CreatedAt = s.CreatedAt.UTC().Truncate(time.Microsecond)
	s.UpdatedAt = s.UpdatedAt.UTC().Truncate(time.Microsecond)
}

// Seal normalizes the session's time fields and stores the checksum over the
// result. Without the normalization a checksum computed from nanosecond
// timestamps would no longer match after a database round trip.
func (s *GameSession) Seal() error {
	s.normalizeTimes()
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	s.Checksum = sum
	return nil
}

// VerifyChecksum recomputes the checksum and compares. An unsealed session
// (empty checksum) verifies trivially.
func (s *GameSession) VerifyChecksum() error {
	if s.Checksum == "" {
		return nil
	}
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fault.New(fault.Internal, "gamestate", "session %q failed checksum verification", s.SessionID)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Patch
// ─────────────────────────────────────────────────────────────────────────────

// SessionPatch enumerates the fields a session update may change. Nil
// fields stay untouched; identity, timestamps, version and checksum are
// never patchable, the repository maintains them.
type SessionPatch struct {
	Name             *string                    `json:"name,omitempty"`
	Description      *string                    `json:"description,omitempty"`
	CurrentTime      *time.Time                 `json:"current_time,omitempty"`
	SessionStart     *time.Time                 `json:"session_start,omitempty"`
	CurrentSceneID   *string                    `json:"current_scene_id,omitempty"`
	PlayerCharacters *[]string                  `json:"player_characters,omitempty"`
	ActiveNPCs       *[]string                  `json:"active_npcs,omitempty"`
	Style            *types.DMStyle             `json:"style,omitempty"`
	NPCStates        *map[string]NPCStateRecord `json:"npc_states,omitempty"`
	EventRules       *[]EventRuleState          `json:"event_rules,omitempty"`
	CustomStyles     *map[string]string         `json:"custom_dm_styles,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p SessionPatch) IsZero() bool {
	return p.Name == nil && p.Description == nil && p.CurrentTime == nil &&
		p.SessionStart == nil && p.CurrentSceneID == nil &&
		p.PlayerCharacters == nil && p.ActiveNPCs == nil && p.Style == nil &&
		p.NPCStates == nil && p.EventRules == nil && p.CustomStyles == nil
}

// apply folds the patch into the session, bumps the version, stamps
// UpdatedAt and reseals the checksum.
func (p SessionPatch) apply(s *GameSession, now time.Time) error {
	if p.Name != nil {
		if *p.Name == "" {
			return fault.New(fault.Validation, "gamestate", "session name must not be empty")
		}
		s.Name = *p.Name
	}
	if p.Description != nil {
		s.Description = *p.Description
	}
	if p.CurrentTime != nil {
		s.CurrentTime = *p.CurrentTime
	}
	if p.SessionStart != nil {
		s.SessionStart = *p.SessionStart
	}
	if p.CurrentSceneID != nil {
		s.CurrentSceneID = *p.CurrentSceneID
	}
	if p.PlayerCharacters != nil {
		s.PlayerCharacters = slices.Clone(*p.PlayerCharacters)
	}
	if p.ActiveNPCs != nil {
		s.ActiveNPCs = slices.Clone(*p.ActiveNPCs)
	}
	if p.Style != nil {
		s.Style = *p.Style
	}
	if p.NPCStates != nil {
		s.NPCStates = *p.NPCStates
	}
	if p.EventRules != nil {
		s.EventRules = slices.Clone(*p.EventRules)
	}
	if p.CustomStyles != nil {
		s.CustomStyles = maps.Clone(*p.CustomStyles)
	}
	s.Version++
	s.UpdatedAt = now
	return s.Seal()
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshot
// ─────────────────────────────────────────────────────────────────────────────

// SnapshotTrigger labels what caused a snapshot.
type SnapshotTrigger string

const (
	// TriggerManual marks a snapshot the operator asked for.
	TriggerManual SnapshotTrigger = "MANUAL"

	// TriggerAutoSave marks the periodic auto-save snapshots.
	TriggerAutoSave SnapshotTrigger = "AUTO_SAVE"

	// TriggerBeforeRollback marks the safety snapshot a rollback point
	// creates.
	TriggerBeforeRollback SnapshotTrigger = "BEFORE_ROLLBACK"

	// TriggerEventTriggered marks snapshots fired by game events.
	TriggerEventTriggered SnapshotTrigger = "EVENT_TRIGGERED"
)

// IsValid reports whether t is one of the defined triggers.
func (t SnapshotTrigger) IsValid() bool {
	switch t {
	case TriggerManual, TriggerAutoSave, TriggerBeforeRollback, TriggerEventTriggered:
		return true
	}
	return false
}

// SessionSnapshot is a point-in-time copy of one session.
type SessionSnapshot struct {
	// SnapshotID uniquely identifies the snapshot.
	SnapshotID string `json:"snapshot_id"`

	// SessionID is the session the snapshot belongs to.
	SessionID string `json:"session_id"`

	// Name is the snapshot's human-readable label.
	Name string `json:"name"`

	// Description is an optional longer note.
	Description string `json:"description,omitempty"`

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time `json:"created_at"`

	// CreatedBy identifies the operator or subsystem that took it.
	CreatedBy string `json:"created_by"`

	// SessionState is the frozen session, checksum included.
	SessionState GameSession `json:"session_state"`

	// Tags are free-form labels for snapshot listings.
	Tags []string `json:"tags,omitempty"`

	// IsAuto is true for snapshots not taken by an operator.
	IsAuto bool `json:"is_auto"`

	// Trigger records what caused the snapshot.
	Trigger SnapshotTrigger `json:"trigger"`
}

// Validate checks the snapshot's own invariants.
func (s *SessionSnapshot) Validate() error {
	var errs []error
	if s.SnapshotID == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "snapshot id must not be empty"))
	}
	if s.SessionID == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "snapshot session id must not be empty"))
	}
	if !s.Trigger.IsValid() {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "unknown snapshot trigger %q", s.Trigger))
	}
	if s.SessionState.SessionID != "" && s.SessionState.SessionID != s.SessionID {
		errs = append(errs, fault.New(fault.Validation, "gamestate",
			"snapshot state belongs to session %q, not %q", s.SessionState.SessionID, s.SessionID))
	}
	return errors.Join(errs...)
}

// Clone deep-copies the snapshot.
func (s *SessionSnapshot) Clone() *SessionSnapshot {
	if s == nil {
		return nil
	}
	out := *s
	out.Tags = slices.Clone(s.Tags)
	out.SessionState = *s.SessionState.Clone()
	return &out
}

// ─────────────────────────────────────────────────────────────────────────────
// Rollback log
// ─────────────────────────────────────────────────────────────────────────────

// RollbackAction labels a rollback-log row.
type RollbackAction string

const (
	// ActionCreatePoint records that a rollback point was created.
	ActionCreatePoint RollbackAction = "create_point"

	// ActionRollback records that a session was rolled back.
	ActionRollback RollbackAction = "rollback"
)

// IsValid reports whether a is one of the defined actions.
func (a RollbackAction) IsValid() bool {
	return a == ActionCreatePoint || a == ActionRollback
}

// RollbackLog is one row of the rollback audit trail.
type RollbackLog struct {
	// LogID uniquely identifies the row.
	LogID string `json:"log_id"`

	// SessionID is the session the row belongs to.
	SessionID string `json:"session_id"`

	// SnapshotID points at the snapshot involved, when there is one.
	SnapshotID string `json:"snapshot_id,omitempty"`

	// Timestamp is when the action happened.
	Timestamp time.Time `json:"timestamp"`

	// Action is what happened: create_point or rollback.
	Action RollbackAction `json:"action"`

	// Operator identifies who or what performed the action.
	Operator string `json:"operator"`

	// BeforeState digests the session before the action.
	BeforeState map[string]any `json:"before_state,omitempty"`

	// AfterState digests the session after the action. Empty for
	// create_point rows.
	AfterState map[string]any `json:"after_state,omitempty"`

	// Conflicts lists, verbatim, the live changes the action discarded.
	Conflicts []string `json:"conflicts,omitempty"`

	// Resolution notes how conflicts were handled, when there were any.
	Resolution string `json:"resolution,omitempty"`
}

// Validate checks the log row's own invariants.
func (l *RollbackLog) Validate() error {
	var errs []error
	if l.LogID == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "log id must not be empty"))
	}
	if l.SessionID == "" {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "log session id must not be empty"))
	}
	if !l.Action.IsValid() {
		errs = append(errs, fault.New(fault.Validation, "gamestate", "unknown rollback action %q", l.Action))
	}
	return errors.Join(errs...)
}

// ─────────────────────────────────────────────────────────────────────────────
// Repositories
// ─────────────────────────────────────────────────────────────────────────────

// SessionFilters narrows ListSessions. Zero fields match everything.
type SessionFilters struct {
	// DMID keeps only sessions run by this DM.
	DMID string

	// CampaignID keeps only sessions of this campaign.
	CampaignID string
}

// Sessions is the live-session repository.
type Sessions interface {
	// SaveSession stores a new session. The ID must be unused.
	SaveSession(ctx context.Context, session *GameSession) error

	// GetSession returns the session or (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*GameSession, error)

	// UpdateSession applies the patch, bumps the version, restamps
	// UpdatedAt and reseals the checksum. Returns the updated session.
	UpdateSession(ctx context.Context, id string, patch SessionPatch) (*GameSession, error)

	// DeleteSession removes the session. Deleting an absent session is
	// not an error.
	DeleteSession(ctx context.Context, id string) error

	// ListSessions returns matching sessions, most recently updated
	// first. limit <= 0 means no limit; offset skips that many rows.
	ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*GameSession, error)

	// SessionExists reports whether the session is stored.
	SessionExists(ctx context.Context, id string) (bool, error)
}

// Snapshots is the snapshot repository.
type Snapshots interface {
	// SaveSnapshot stores a new snapshot. The ID must be unused.
	SaveSnapshot(ctx context.Context, snapshot *SessionSnapshot) error

	// GetSnapshot returns the snapshot or (nil, nil) when absent.
	GetSnapshot(ctx context.Context, id string) (*SessionSnapshot, error)

	// ListSnapshots returns the session's snapshots, newest first.
	// limit <= 0 means no limit.
	ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*SessionSnapshot, error)

	// DeleteSnapshot removes the snapshot. Absent snapshots are not an
	// error.
	DeleteSnapshot(ctx context.Context, id string) error

	// SnapshotExists reports whether the snapshot is stored.
	SnapshotExists(ctx context.Context, id string) (bool, error)
}

// RollbackLogs is the rollback audit-trail repository.
type RollbackLogs interface {
	// SaveRollbackLog appends a log row.
	SaveRollbackLog(ctx context.Context, log *RollbackLog) error

	// ListRollbackLogs returns the session's rows, newest first.
	// limit <= 0 means no limit.
	ListRollbackLogs(ctx context.Context, sessionID string, limit int) ([]*RollbackLog, error)

	// LatestRollbackPoint returns the snapshot ID of the session's most
	// recent create_point row, or "" when none exists.
	LatestRollbackPoint(ctx context.Context, sessionID string) (string, error)
}

// Store bundles the three repositories with the compound operations whose
// atomicity only the storage layer can guarantee.
type Store interface {
	Sessions
	Snapshots
	RollbackLogs

	// CreateRollbackPoint freezes the session into a BEFORE_ROLLBACK
	// snapshot and writes the create_point log row, atomically. name may
	// be empty; a timestamped one is generated.
	CreateRollbackPoint(ctx context.Context, sessionID, operator, name string) (*SessionSnapshot, error)

	// RollbackTo restores the snapshot's session state (verifying its
	// checksum first) and writes the rollback log row with before/after
	// digests and the discarded changes, atomically. Returns the restored
	// session and the log row.
	RollbackTo(ctx context.Context, sessionID, snapshotID, operator string) (*GameSession, *RollbackLog, error)
}

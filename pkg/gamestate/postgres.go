package gamestate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/scribax/pkg/fault"
)

// Schema is the SQL DDL for the game_sessions, session_snapshots and
// rollback_logs tables. Execute it via [PostgresStore.Migrate] or apply it
// manually during deployment. The session's in-game clock lives in the
// game_time column because current_time is reserved in SQL.
const Schema = `
CREATE TABLE IF NOT EXISTS game_sessions (
    id                TEXT PRIMARY KEY,
    dm_id             TEXT NOT NULL,
    campaign_id       TEXT NOT NULL DEFAULT '',
    name              TEXT NOT NULL,
    description       TEXT NOT NULL DEFAULT '',
    game_time         TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
    session_start     TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
    current_scene_id  TEXT NOT NULL DEFAULT '',
    player_characters JSONB NOT NULL DEFAULT '[]',
    active_npcs       JSONB NOT NULL DEFAULT '[]',
    style             JSONB NOT NULL DEFAULT '{}',
    npc_states        JSONB NOT NULL DEFAULT '{}',
    event_rules       JSONB NOT NULL DEFAULT '[]',
    custom_styles     JSONB NOT NULL DEFAULT '{}',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
    version           INTEGER NOT NULL DEFAULT 1,
    checksum          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_game_sessions_dm ON game_sessions(dm_id);
CREATE INDEX IF NOT EXISTS idx_game_sessions_campaign ON game_sessions(campaign_id);
CREATE INDEX IF NOT EXISTS idx_game_sessions_updated ON game_sessions(updated_at DESC);

CREATE TABLE IF NOT EXISTS session_snapshots (
    id            TEXT PRIMARY KEY,
    session_id    TEXT NOT NULL,
    name          TEXT NOT NULL DEFAULT '',
    description   TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_by    TEXT NOT NULL DEFAULT '',
    session_state JSONB NOT NULL,
    tags          JSONB NOT NULL DEFAULT '[]',
    is_auto       BOOLEAN NOT NULL DEFAULT FALSE,
    trigger       TEXT NOT NULL DEFAULT 'manual'
);
CREATE INDEX IF NOT EXISTS idx_session_snapshots_session
    ON session_snapshots(session_id, created_at DESC);

CREATE TABLE IF NOT EXISTS rollback_logs (
    id           TEXT PRIMARY KEY,
    session_id   TEXT NOT NULL,
    snapshot_id  TEXT NOT NULL DEFAULT '',
    created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    action       TEXT NOT NULL,
    operator     TEXT NOT NULL DEFAULT '',
    before_state JSONB NOT NULL DEFAULT '{}',
    after_state  JSONB NOT NULL DEFAULT '{}',
    conflicts    JSONB NOT NULL DEFAULT '[]',
    resolution   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_rollback_logs_session
    ON rollback_logs(session_id, created_at DESC);
`

// DB is the database interface used by [PostgresStore]. *pgxpool.Pool,
// *pgx.Conn and pgx.Tx all satisfy it; when DB is already a transaction,
// Begin opens a nested savepoint.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Compound
// fields (party lists, NPC states, the full snapshot state) are serialised
// as JSONB; the compound operations run inside a single transaction.
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

// Migrate executes the [Schema] DDL against the database, creating the three
// tables if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "migrate", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Sessions
// ─────────────────────────────────────────────────────────────────────────────

const sessionColumns = `id, dm_id, campaign_id, name, description, game_time,
       session_start, current_scene_id, player_characters, active_npcs, style,
       npc_states, event_rules, custom_styles, created_at, updated_at,
       version, checksum`

// SaveSession inserts a new session. Timestamps and the checksum are stamped
// client-side, before the insert, so the sealed checksum covers them.
func (s *PostgresStore) SaveSession(ctx context.Context, session *GameSession) error {
	if session == nil {
		return fault.New(fault.Validation, "gamestate", "session must not be nil")
	}
	if err := session.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = session.CreatedAt
	}
	if session.Version == 0 {
		session.Version = 1
	}
	if err := session.Seal(); err != nil {
		return err
	}
	blobs, err := marshalSessionFields(session)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO game_sessions (
			id, dm_id, campaign_id, name, description, game_time,
			session_start, current_scene_id, player_characters, active_npcs,
			style, npc_states, event_rules, custom_styles, created_at,
			updated_at, version, checksum
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`

	_, err = s.db.Exec(ctx, query,
		session.SessionID, session.DMID, session.CampaignID, session.Name,
		session.Description, session.CurrentTime, session.SessionStart,
		session.CurrentSceneID, blobs.players, blobs.npcs, blobs.style,
		blobs.npcStates, blobs.eventRules, blobs.customStyles,
		session.CreatedAt, session.UpdatedAt, session.Version, session.Checksum,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fault.New(fault.Validation, "gamestate", "session %q already exists", session.SessionID)
		}
		return fault.Wrap(fault.Internal, "gamestate", "save session", err)
	}
	return nil
}

// GetSession retrieves a session by ID. It returns (nil, nil) if no session
// with the given ID exists.
func (s *PostgresStore) GetSession(ctx context.Context, id string) (*GameSession, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM game_sessions
		WHERE id = $1`
	return scanSessionRow(s.db.QueryRow(ctx, query, id), id)
}

// getSessionForUpdate loads a session with a row lock. Only meaningful when
// the store wraps a transaction.
func (s *PostgresStore) getSessionForUpdate(ctx context.Context, id string) (*GameSession, error) {
	const query = `
		SELECT ` + sessionColumns + `
		FROM game_sessions
		WHERE id = $1
		FOR UPDATE`
	return scanSessionRow(s.db.QueryRow(ctx, query, id), id)
}

// UpdateSession applies a patch to an existing session inside a transaction,
// bumping the version and resealing the checksum. It returns the updated
// session.
func (s *PostgresStore) UpdateSession(ctx context.Context, id string, patch SessionPatch) (*GameSession, error) {
	if patch.IsZero() {
		return nil, fault.New(fault.Validation, "gamestate", "patch must change at least one field")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "begin update session", err)
	}
	defer tx.Rollback(ctx)
	txs := &PostgresStore{db: tx}

	session, err := txs.getSessionForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fault.New(fault.NotFound, "gamestate", "session %q not found", id)
	}
	if err := patch.apply(session, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := txs.writeSession(ctx, session); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "commit update session", err)
	}
	return session, nil
}

// writeSession replaces every column of an existing session row.
func (s *PostgresStore) writeSession(ctx context.Context, session *GameSession) error {
	blobs, err := marshalSessionFields(session)
	if err != nil {
		return err
	}

	const query = `
		UPDATE game_sessions SET
			dm_id = $2, campaign_id = $3, name = $4, description = $5,
			game_time = $6, session_start = $7, current_scene_id = $8,
			player_characters = $9, active_npcs = $10, style = $11,
			npc_states = $12, event_rules = $13, custom_styles = $14,
			created_at = $15, updated_at = $16, version = $17, checksum = $18
		WHERE id = $1`

	tag, err := s.db.Exec(ctx, query,
		session.SessionID, session.DMID, session.CampaignID, session.Name,
		session.Description, session.CurrentTime, session.SessionStart,
		session.CurrentSceneID, blobs.players, blobs.npcs, blobs.style,
		blobs.npcStates, blobs.eventRules, blobs.customStyles,
		session.CreatedAt, session.UpdatedAt, session.Version, session.Checksum,
	)
	if err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "write session", err)
	}
	if tag.RowsAffected() == 0 {
		return fault.New(fault.NotFound, "gamestate", "session %q not found", session.SessionID)
	}
	return nil
}

// DeleteSession removes a session by ID. Snapshots and rollback log rows
// stay behind as the audit trail. Deleting a non-existent session is not an
// error.
func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	const query = `DELETE FROM game_sessions WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "delete session "+id, err)
	}
	return nil
}

// ListSessions returns sessions most recently updated first, optionally
// filtered by DM and campaign. A limit of 0 means no limit.
func (s *PostgresStore) ListSessions(ctx context.Context, filters SessionFilters, limit, offset int) ([]*GameSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM game_sessions`
	var conds []string
	var args []any
	if filters.DMID != "" {
		args = append(args, filters.DMID)
		conds = append(conds, fmt.Sprintf("dm_id = $%d", len(args)))
	}
	if filters.CampaignID != "" {
		args = append(args, filters.CampaignID)
		conds = append(conds, fmt.Sprintf("campaign_id = $%d", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY updated_at DESC, id"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if offset > 0 {
		args = append(args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "list sessions", err)
	}
	defer rows.Close()

	var sessions []*GameSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "list sessions", err)
	}
	return sessions, nil
}

// SessionExists reports whether a session with the given ID exists.
func (s *PostgresStore) SessionExists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM game_sessions WHERE id = $1)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fault.Wrap(fault.Internal, "gamestate", "session exists", err)
	}
	return exists, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Snapshots
// ─────────────────────────────────────────────────────────────────────────────

const snapshotColumns = `id, session_id, name, description, created_at,
       created_by, session_state, tags, is_auto, trigger`

// SaveSnapshot inserts a new snapshot.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, snapshot *SessionSnapshot) error {
	if snapshot == nil {
		return fault.New(fault.Validation, "gamestate", "snapshot must not be nil")
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = time.Now().UTC()
	}

	stateJSON, err := json.Marshal(snapshot.SessionState)
	if err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "marshal session_state", err)
	}
	tagsJSON, err := json.Marshal(orEmpty(snapshot.Tags))
	if err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "marshal tags", err)
	}

	const query = `
		INSERT INTO session_snapshots (
			id, session_id, name, description, created_at, created_by,
			session_state, tags, is_auto, trigger
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err = s.db.Exec(ctx, query,
		snapshot.SnapshotID, snapshot.SessionID, snapshot.Name,
		snapshot.Description, snapshot.CreatedAt, snapshot.CreatedBy,
		stateJSON, tagsJSON, snapshot.IsAuto, string(snapshot.Trigger),
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fault.New(fault.Validation, "gamestate", "snapshot %q already exists", snapshot.SnapshotID)
		}
		return fault.Wrap(fault.Internal, "gamestate", "save snapshot", err)
	}
	return nil
}

// GetSnapshot retrieves a snapshot by ID. It returns (nil, nil) if no
// snapshot with the given ID exists.
func (s *PostgresStore) GetSnapshot(ctx context.Context, id string) (*SessionSnapshot, error) {
	const query = `
		SELECT ` + snapshotColumns + `
		FROM session_snapshots
		WHERE id = $1`

	snapshot, err := scanSnapshot(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Internal, "gamestate", "get snapshot "+id, err)
	}
	return snapshot, nil
}

// ListSnapshots returns a session's snapshots newest first. A limit of 0
// means no limit.
func (s *PostgresStore) ListSnapshots(ctx context.Context, sessionID string, limit int) ([]*SessionSnapshot, error) {
	query := `
		SELECT ` + snapshotColumns + `
		FROM session_snapshots
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "list snapshots", err)
	}
	defer rows.Close()

	var snapshots []*SessionSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "gamestate", "list snapshots scan", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "list snapshots", err)
	}
	return snapshots, nil
}

// DeleteSnapshot removes a snapshot by ID. Deleting a non-existent snapshot
// is not an error.
func (s *PostgresStore) DeleteSnapshot(ctx context.Context, id string) error {
	const query = `DELETE FROM session_snapshots WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "delete snapshot "+id, err)
	}
	return nil
}

// SnapshotExists reports whether a snapshot with the given ID exists.
func (s *PostgresStore) SnapshotExists(ctx context.Context, id string) (bool, error) {
	const query = `SELECT EXISTS(SELECT 1 FROM session_snapshots WHERE id = $1)`
	var exists bool
	if err := s.db.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return false, fault.Wrap(fault.Internal, "gamestate", "snapshot exists", err)
	}
	return exists, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Rollback log
// ─────────────────────────────────────────────────────────────────────────────

const logColumns = `id, session_id, snapshot_id, created_at, action, operator,
       before_state, after_state, conflicts, resolution`

// SaveRollbackLog appends a row to the rollback audit log.
func (s *PostgresStore) SaveRollbackLog(ctx context.Context, log *RollbackLog) error {
	if log == nil {
		return fault.New(fault.Validation, "gamestate", "log must not be nil")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	if log.Timestamp.IsZero() {
		log.Timestamp = time.Now().UTC()
	}

	beforeJSON, err := json.Marshal(orEmptyMap(log.BeforeState))
	if err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "marshal before_state", err)
	}
	afterJSON, err := json.Marshal(orEmptyMap(log.AfterState))
	if err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "marshal after_state", err)
	}
	conflictsJSON, err := json.Marshal(orEmpty(log.Conflicts))
	if err != nil {
		return fault.Wrap(fault.Internal, "gamestate", "marshal conflicts", err)
	}

	const query = `
		INSERT INTO rollback_logs (
			id, session_id, snapshot_id, created_at, action, operator,
			before_state, after_state, conflicts, resolution
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

	_, err = s.db.Exec(ctx, query,
		log.LogID, log.SessionID, log.SnapshotID, log.Timestamp,
		string(log.Action), log.Operator, beforeJSON, afterJSON,
		conflictsJSON, log.Resolution,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fault.New(fault.Validation, "gamestate", "log %q already exists", log.LogID)
		}
		return fault.Wrap(fault.Internal, "gamestate", "save rollback log", err)
	}
	return nil
}

// ListRollbackLogs returns a session's rollback log rows newest first. A
// limit of 0 means no limit.
func (s *PostgresStore) ListRollbackLogs(ctx context.Context, sessionID string, limit int) ([]*RollbackLog, error) {
	query := `
		SELECT ` + logColumns + `
		FROM rollback_logs
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "list rollback logs", err)
	}
	defer rows.Close()

	var logs []*RollbackLog
	for rows.Next() {
		log, err := scanRollbackLog(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "gamestate", "list rollback logs scan", err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "list rollback logs", err)
	}
	return logs, nil
}

// LatestRollbackPoint returns the snapshot ID of the most recent
// create_point row for the session, or "" if none exists.
func (s *PostgresStore) LatestRollbackPoint(ctx context.Context, sessionID string) (string, error) {
	const query = `
		SELECT snapshot_id
		FROM rollback_logs
		WHERE session_id = $1 AND action = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`

	var snapshotID string
	err := s.db.QueryRow(ctx, query, sessionID, string(ActionCreatePoint)).Scan(&snapshotID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fault.Wrap(fault.Internal, "gamestate", "latest rollback point", err)
	}
	return snapshotID, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Compound operations
// ─────────────────────────────────────────────────────────────────────────────

// CreateRollbackPoint snapshots the session's current state and records the
// audit row in a single transaction.
func (s *PostgresStore) CreateRollbackPoint(ctx context.Context, sessionID, operator, name string) (*SessionSnapshot, error) {
	if sessionID == "" {
		return nil, fault.New(fault.Validation, "gamestate", "session id must not be empty")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "begin rollback point", err)
	}
	defer tx.Rollback(ctx)
	txs := &PostgresStore{db: tx}

	session, err := txs.getSessionForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fault.New(fault.NotFound, "gamestate", "session %q not found", sessionID)
	}

	snapshot, log := newRollbackPoint(session, operator, name, time.Now().UTC())
	if err := txs.SaveSnapshot(ctx, snapshot); err != nil {
		return nil, err
	}
	if err := txs.SaveRollbackLog(ctx, log); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "commit rollback point", err)
	}
	return snapshot, nil
}

// RollbackTo restores a session from a snapshot after verifying the
// snapshot's checksum, then records the audit row. Both writes happen in a
// single transaction.
func (s *PostgresStore) RollbackTo(ctx context.Context, sessionID, snapshotID, operator string) (*GameSession, *RollbackLog, error) {
	if sessionID == "" || snapshotID == "" {
		return nil, nil, fault.New(fault.Validation, "gamestate", "session id and snapshot id must not be empty")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "gamestate", "begin rollback", err)
	}
	defer tx.Rollback(ctx)
	txs := &PostgresStore{db: tx}

	current, err := txs.getSessionForUpdate(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	if current == nil {
		return nil, nil, fault.New(fault.NotFound, "gamestate", "session %q not found", sessionID)
	}
	snapshot, err := txs.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, nil, err
	}
	if snapshot == nil {
		return nil, nil, fault.New(fault.NotFound, "gamestate", "snapshot %q not found", snapshotID)
	}
	if snapshot.SessionID != sessionID {
		return nil, nil, fault.New(fault.Validation, "gamestate",
			"snapshot %q belongs to session %q, not %q", snapshotID, snapshot.SessionID, sessionID)
	}
	if err := snapshot.SessionState.VerifyChecksum(); err != nil {
		return nil, nil, err
	}

	restored, log, err := applyRollback(current, snapshot, operator, time.Now().UTC())
	if err != nil {
		return nil, nil, err
	}
	if err := txs.writeSession(ctx, restored); err != nil {
		return nil, nil, err
	}
	if err := txs.SaveRollbackLog(ctx, log); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fault.Wrap(fault.Internal, "gamestate", "commit rollback", err)
	}
	return restored, log, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// sessionBlobs carries the JSONB column values of a session row.
type sessionBlobs struct {
	players, npcs, style, npcStates, eventRules, customStyles []byte
}

// marshalSessionFields serialises the JSONB columns of a session.
func marshalSessionFields(s *GameSession) (sessionBlobs, error) {
	var b sessionBlobs
	var err error
	if b.players, err = json.Marshal(orEmpty(s.PlayerCharacters)); err != nil {
		return b, fault.Wrap(fault.Internal, "gamestate", "marshal player_characters", err)
	}
	if b.npcs, err = json.Marshal(orEmpty(s.ActiveNPCs)); err != nil {
		return b, fault.Wrap(fault.Internal, "gamestate", "marshal active_npcs", err)
	}
	if b.style, err = json.Marshal(s.Style); err != nil {
		return b, fault.Wrap(fault.Internal, "gamestate", "marshal style", err)
	}
	if b.npcStates, err = json.Marshal(orEmptyMap(s.NPCStates)); err != nil {
		return b, fault.Wrap(fault.Internal, "gamestate", "marshal npc_states", err)
	}
	if b.eventRules, err = json.Marshal(orEmpty(s.EventRules)); err != nil {
		return b, fault.Wrap(fault.Internal, "gamestate", "marshal event_rules", err)
	}
	if b.customStyles, err = json.Marshal(orEmptyMap(s.CustomStyles)); err != nil {
		return b, fault.Wrap(fault.Internal, "gamestate", "marshal custom_styles", err)
	}
	return b, nil
}

// scanSessionRow scans one session row, translating pgx.ErrNoRows into the
// (nil, nil) miss contract.
func scanSessionRow(row pgx.Row, id string) (*GameSession, error) {
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Internal, "gamestate", "get session "+id, err)
	}
	return session, nil
}

// scanSession scans a session from a row whose columns match
// [sessionColumns].
func scanSession(row pgx.Row) (*GameSession, error) {
	var s GameSession
	var b sessionBlobs

	err := row.Scan(
		&s.SessionID, &s.DMID, &s.CampaignID, &s.Name, &s.Description,
		&s.CurrentTime, &s.SessionStart, &s.CurrentSceneID, &b.players,
		&b.npcs, &b.style, &b.npcStates, &b.eventRules, &b.customStyles,
		&s.CreatedAt, &s.UpdatedAt, &s.Version, &s.Checksum,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(b.players, &s.PlayerCharacters); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal player_characters", err)
	}
	if err := json.Unmarshal(b.npcs, &s.ActiveNPCs); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal active_npcs", err)
	}
	if err := json.Unmarshal(b.style, &s.Style); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal style", err)
	}
	if err := json.Unmarshal(b.npcStates, &s.NPCStates); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal npc_states", err)
	}
	if err := json.Unmarshal(b.eventRules, &s.EventRules); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal event_rules", err)
	}
	if err := json.Unmarshal(b.customStyles, &s.CustomStyles); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal custom_styles", err)
	}
	return &s, nil
}

// scanSnapshot scans a snapshot from a row whose columns match
// [snapshotColumns].
func scanSnapshot(row pgx.Row) (*SessionSnapshot, error) {
	var snap SessionSnapshot
	var stateJSON, tagsJSON []byte

	err := row.Scan(
		&snap.SnapshotID, &snap.SessionID, &snap.Name, &snap.Description,
		&snap.CreatedAt, &snap.CreatedBy, &stateJSON, &tagsJSON,
		&snap.IsAuto, &snap.Trigger,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stateJSON, &snap.SessionState); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal session_state", err)
	}
	if err := json.Unmarshal(tagsJSON, &snap.Tags); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal tags", err)
	}
	return &snap, nil
}

// scanRollbackLog scans a log row whose columns match [logColumns].
func scanRollbackLog(row pgx.Row) (*RollbackLog, error) {
	var log RollbackLog
	var beforeJSON, afterJSON, conflictsJSON []byte

	err := row.Scan(
		&log.LogID, &log.SessionID, &log.SnapshotID, &log.Timestamp,
		&log.Action, &log.Operator, &beforeJSON, &afterJSON,
		&conflictsJSON, &log.Resolution,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(beforeJSON, &log.BeforeState); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal before_state", err)
	}
	if err := json.Unmarshal(afterJSON, &log.AfterState); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal after_state", err)
	}
	if err := json.Unmarshal(conflictsJSON, &log.Conflicts); err != nil {
		return nil, fault.Wrap(fault.Internal, "gamestate", "unmarshal conflicts", err)
	}
	return &log, nil
}

// orEmpty returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// orEmptyMap returns m if non-nil, otherwise an empty non-nil map. This
// ensures JSON marshalling produces "{}" instead of "null".
func orEmptyMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return map[K]V{}
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

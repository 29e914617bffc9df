package worldstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/types"
)

// Schema is the SQL DDL for the world_entities and world_relationships
// tables. Execute it via [PostgresStore.Migrate] or apply it manually during
// deployment. Relationship rows reference their endpoints with ON DELETE
// CASCADE, so deleting an entity removes its edges in the same statement.
const Schema = `
CREATE TABLE IF NOT EXISTS world_entities (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    properties  JSONB NOT NULL DEFAULT '{}',
    tags        JSONB NOT NULL DEFAULT '[]',
    visibility  JSONB NOT NULL DEFAULT '[]',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_world_entities_kind ON world_entities(kind);
CREATE INDEX IF NOT EXISTS idx_world_entities_name ON world_entities(LOWER(name));

CREATE TABLE IF NOT EXISTS world_relationships (
    id            TEXT PRIMARY KEY,
    from_id       TEXT NOT NULL REFERENCES world_entities(id) ON DELETE CASCADE,
    to_id         TEXT NOT NULL REFERENCES world_entities(id) ON DELETE CASCADE,
    type          TEXT NOT NULL,
    properties    JSONB NOT NULL DEFAULT '{}',
    bidirectional BOOLEAN NOT NULL DEFAULT FALSE,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_world_relationships_from ON world_relationships(from_id);
CREATE INDEX IF NOT EXISTS idx_world_relationships_to ON world_relationships(to_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. Properties,
// tags and visibility are serialised as JSONB; property filters use JSONB
// containment. Every query is parameterised, so no caller input is ever
// interpolated into SQL.
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
// world_entities and world_relationships tables if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fault.Wrap(fault.Internal, "worldstore", "migrate", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Entities
// ─────────────────────────────────────────────────────────────────────────────

const entityColumns = `id, kind, name, description, properties, tags, visibility,
       created_at, updated_at`

// CreateEntity inserts a new entity. A missing ID is generated and written
// back; CreatedAt and UpdatedAt are stamped by the database.
func (s *PostgresStore) CreateEntity(ctx context.Context, e *Entity) error {
	if e == nil {
		return fault.New(fault.Validation, "worldstore", "entity must not be nil")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	props, tags, vis, err := marshalEntityFields(e)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO world_entities (id, kind, name, description, properties, tags, visibility)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		e.ID, string(e.Kind), e.Name, e.Description, props, tags, vis,
	).Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fault.New(fault.Validation, "worldstore", "entity with id %q already exists", e.ID)
		}
		return fault.Wrap(fault.Internal, "worldstore", "create entity", err)
	}
	return nil
}

// GetEntity retrieves an entity by ID. It returns (nil, nil) if no entity
// with the given ID exists.
func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*Entity, error) {
	const query = `
		SELECT ` + entityColumns + `
		FROM world_entities
		WHERE id = $1`

	e, err := scanEntity(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fault.Wrap(fault.Internal, "worldstore", "get entity "+id, err)
	}
	return e, nil
}

// UpdateEntity replaces an existing entity. CreatedAt keeps its stored value;
// UpdatedAt is stamped by the database and written back.
func (s *PostgresStore) UpdateEntity(ctx context.Context, e *Entity) error {
	if e == nil {
		return fault.New(fault.Validation, "worldstore", "entity must not be nil")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	props, tags, vis, err := marshalEntityFields(e)
	if err != nil {
		return err
	}

	const query = `
		UPDATE world_entities SET
			kind = $2, name = $3, description = $4,
			properties = $5, tags = $6, visibility = $7,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		e.ID, string(e.Kind), e.Name, e.Description, props, tags, vis,
	).Scan(&e.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fault.New(fault.NotFound, "worldstore", "entity with id %q not found", e.ID)
		}
		return fault.Wrap(fault.Internal, "worldstore", "update entity", err)
	}
	return nil
}

// DeleteEntity removes an entity by ID. The ON DELETE CASCADE constraints
// drop its relationships with it. Deleting a non-existent entity is not an
// error.
func (s *PostgresStore) DeleteEntity(ctx context.Context, id string) error {
	const query = `DELETE FROM world_entities WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fault.Wrap(fault.Internal, "worldstore", "delete entity "+id, err)
	}
	return nil
}

// Find returns the entities matching the filters, ordered by name then ID.
// Filter values are always passed as query parameters.
func (s *PostgresStore) Find(ctx context.Context, filters FindFilters) ([]*Entity, error) {
	if err := filters.Validate(); err != nil {
		return nil, err
	}

	query := `SELECT ` + entityColumns + ` FROM world_entities`
	var conds []string
	var args []any

	if filters.Kind != "" {
		args = append(args, string(filters.Kind))
		conds = append(conds, fmt.Sprintf("kind = $%d", len(args)))
	}
	if filters.Name != "" {
		args = append(args, filters.Name)
		conds = append(conds, fmt.Sprintf("LOWER(name) = LOWER($%d)", len(args)))
	}
	if len(filters.Properties) > 0 {
		blob, err := json.Marshal(filters.Properties)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "worldstore", "marshal property filter", err)
		}
		args = append(args, blob)
		conds = append(conds, fmt.Sprintf("properties @> $%d::jsonb", len(args)))
	}
	if filters.VisibleTo != "" {
		blob, err := json.Marshal([]string{filters.VisibleTo})
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "worldstore", "marshal visibility filter", err)
		}
		args = append(args, blob)
		conds = append(conds, fmt.Sprintf("(visibility = '[]'::jsonb OR visibility @> $%d::jsonb)", len(args)))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY name, id"
	if filters.Limit > 0 {
		args = append(args, filters.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filters.Offset > 0 {
		args = append(args, filters.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", "find entities", err)
	}
	defer rows.Close()

	var out []*Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "worldstore", "scan entity", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", "iterate entities", err)
	}
	return out, nil
}

// EntityNames returns the stored entity IDs of the given kind keyed by name.
// Rows are scanned in ID order and the first occurrence of a name wins, so
// duplicate names resolve to the smallest ID.
func (s *PostgresStore) EntityNames(ctx context.Context, kind types.EntityKind) (map[string]string, error) {
	if !kind.IsValid() {
		return nil, fault.New(fault.Validation, "worldstore", "kind %q is not a recognised entity kind", kind)
	}

	const query = `
		SELECT id, name
		FROM world_entities
		WHERE kind = $1
		ORDER BY id`

	rows, err := s.db.Query(ctx, query, string(kind))
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", "list entity names", err)
	}
	defer rows.Close()

	names := make(map[string]string)
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fault.Wrap(fault.Internal, "worldstore", "scan entity name", err)
		}
		if _, ok := names[name]; !ok {
			names[name] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", "iterate entity names", err)
	}
	return names, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Relationships
// ─────────────────────────────────────────────────────────────────────────────

const relationshipColumns = `id, from_id, to_id, type, properties, bidirectional, created_at`

// CreateRelationship inserts a new relationship. A missing ID is generated
// and written back; CreatedAt is stamped by the database. The foreign-key
// constraints reject endpoints that do not exist.
func (s *PostgresStore) CreateRelationship(ctx context.Context, r *Relationship) error {
	if r == nil {
		return fault.New(fault.Validation, "worldstore", "relationship must not be nil")
	}
	if err := r.Validate(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	props, err := json.Marshal(emptyMap(r.Properties))
	if err != nil {
		return fault.Wrap(fault.Internal, "worldstore", "marshal relationship properties", err)
	}

	const query = `
		INSERT INTO world_relationships (id, from_id, to_id, type, properties, bidirectional)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`

	err = s.db.QueryRow(ctx, query,
		r.ID, r.FromID, r.ToID, r.Type, props, r.Bidirectional,
	).Scan(&r.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fault.New(fault.Validation, "worldstore", "relationship with id %q already exists", r.ID)
		}
		if isForeignKeyError(err) {
			return fault.New(fault.NotFound, "worldstore", "relationship endpoints %q and %q must both exist", r.FromID, r.ToID)
		}
		return fault.Wrap(fault.Internal, "worldstore", "create relationship", err)
	}
	return nil
}

// Relationships returns every relationship with the given entity as either
// endpoint, oldest first.
func (s *PostgresStore) Relationships(ctx context.Context, entityID string) ([]*Relationship, error) {
	const query = `
		SELECT ` + relationshipColumns + `
		FROM world_relationships
		WHERE from_id = $1 OR to_id = $1
		ORDER BY created_at, id`

	rows, err := s.db.Query(ctx, query, entityID)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", "list relationships", err)
	}
	defer rows.Close()

	var out []*Relationship
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fault.Wrap(fault.Internal, "worldstore", "scan relationship", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.Internal, "worldstore", "iterate relationships", err)
	}
	return out, nil
}

// DeleteRelationship removes a relationship by ID. Deleting a non-existent
// relationship is not an error.
func (s *PostgresStore) DeleteRelationship(ctx context.Context, id string) error {
	const query = `DELETE FROM world_relationships WHERE id = $1`
	if _, err := s.db.Exec(ctx, query, id); err != nil {
		return fault.Wrap(fault.Internal, "worldstore", "delete relationship "+id, err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// marshalEntityFields serialises the JSONB columns of an entity.
func marshalEntityFields(e *Entity) (props, tags, vis []byte, err error) {
	if props, err = json.Marshal(emptyMap(e.Properties)); err != nil {
		return nil, nil, nil, fault.Wrap(fault.Internal, "worldstore", "marshal properties", err)
	}
	if tags, err = json.Marshal(emptySlice(e.Tags)); err != nil {
		return nil, nil, nil, fault.Wrap(fault.Internal, "worldstore", "marshal tags", err)
	}
	if vis, err = json.Marshal(emptySlice(e.Visibility)); err != nil {
		return nil, nil, nil, fault.Wrap(fault.Internal, "worldstore", "marshal visibility", err)
	}
	return props, tags, vis, nil
}

// scanEntity reads one entity row in [entityColumns] order.
func scanEntity(row pgx.Row) (*Entity, error) {
	var (
		e                Entity
		kind             string
		props, tags, vis []byte
	)
	err := row.Scan(
		&e.ID, &kind, &e.Name, &e.Description, &props, &tags, &vis,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = types.EntityKind(kind)
	if err := json.Unmarshal(props, &e.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal properties: %w", err)
	}
	if err := json.Unmarshal(tags, &e.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	if err := json.Unmarshal(vis, &e.Visibility); err != nil {
		return nil, fmt.Errorf("unmarshal visibility: %w", err)
	}
	return &e, nil
}

// scanRelationship reads one relationship row in [relationshipColumns] order.
func scanRelationship(row pgx.Row) (*Relationship, error) {
	var (
		r     Relationship
		props []byte
	)
	err := row.Scan(
		&r.ID, &r.FromID, &r.ToID, &r.Type, &props, &r.Bidirectional, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(props, &r.Properties); err != nil {
		return nil, fmt.Errorf("unmarshal relationship properties: %w", err)
	}
	return &r, nil
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
func emptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
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

// isForeignKeyError checks whether a PostgreSQL error is a
// foreign-key-violation (SQLSTATE 23503).
func isForeignKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

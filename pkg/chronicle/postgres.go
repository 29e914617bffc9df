package chronicle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/scribax/pkg/fault"
)

// LogSchema is the SQL DDL for the chronicle_records table. The seq column
// is the append order; timestamps are what the record says happened, seq is
// when the log learned about it.
const LogSchema = `
CREATE TABLE IF NOT EXISTS chronicle_records (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    turn_id    TEXT NOT NULL DEFAULT '',
    kind       TEXT NOT NULL,
    actor_id   TEXT NOT NULL DEFAULT '',
    actor_name TEXT NOT NULL DEFAULT '',
    body       TEXT NOT NULL,
    metadata   JSONB NOT NULL DEFAULT '{}',
    happened   TIMESTAMPTZ NOT NULL,
    seq        BIGSERIAL
);
CREATE INDEX IF NOT EXISTS idx_chronicle_records_session
    ON chronicle_records(session_id, seq);
CREATE INDEX IF NOT EXISTS idx_chronicle_records_turn
    ON chronicle_records(turn_id) WHERE turn_id <> '';
`

// indexSchema is the DDL template for the embeddings table; the vector
// dimension is fixed per deployment.
const indexSchema = `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE TABLE IF NOT EXISTS chronicle_embeddings (
    record_id TEXT PRIMARY KEY REFERENCES chronicle_records(id) ON DELETE CASCADE,
    embedding vector(%d) NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chronicle_embeddings_hnsw
    ON chronicle_embeddings USING hnsw (embedding vector_cosine_ops);
`

// DB is the database surface used by [PGLog] and [PGIndex]. *pgxpool.Pool,
// *pgx.Conn and pgx.Tx all satisfy it.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// NewPGPool opens a pgx pool for the chronicle tables with pgvector types
// registered on every connection, so vector columns scan into and insert
// from pgvector.Vector values. The pool is pinged before it is returned.
func NewPGPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "chronicle", "parse dsn", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "chronicle", "create pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.Transient, "chronicle", "ping", err)
	}
	return pool, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PGLog
// ─────────────────────────────────────────────────────────────────────────────

// PGLog is a [Log] backed by a PostgreSQL chronicle_records table. Safe for
// concurrent use.
type PGLog struct {
	db DB
}

// Compile-time interface check.
var _ Log = (*PGLog)(nil)

// NewPGLog creates a log over the given connection or pool. Call
// [PGLog.Migrate] once before issuing queries.
func NewPGLog(db DB) *PGLog {
	return &PGLog{db: db}
}

// Migrate executes the [LogSchema] DDL.
func (l *PGLog) Migrate(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, LogSchema); err != nil {
		return fault.Wrap(fault.Internal, "chronicle", "migrate log", err)
	}
	return nil
}

const recordColumns = `id, session_id, turn_id, kind, actor_id, actor_name,
       body, metadata, happened`

// Append implements [Log].
func (l *PGLog) Append(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fault.New(fault.Validation, "chronicle", "record must not be nil")
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(orEmptyMeta(rec.Metadata))
	if err != nil {
		return fault.Wrap(fault.Internal, "chronicle", "marshal metadata", err)
	}

	const query = `
		INSERT INTO chronicle_records (
			id, session_id, turn_id, kind, actor_id, actor_name,
			body, metadata, happened
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = l.db.Exec(ctx, query,
		rec.ID, rec.SessionID, rec.TurnID, string(rec.Kind),
		rec.ActorID, rec.ActorName, rec.Text, metaJSON, rec.Timestamp,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fault.New(fault.Validation, "chronicle", "record with id %q already exists", rec.ID)
		}
		return fault.Wrap(fault.Internal, "chronicle", "append record", err)
	}
	return nil
}

// Recent implements [Log]. The newest rows are fetched in reverse append
// order and flipped, so a positive limit trims the oldest records.
func (l *PGLog) Recent(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + `
		FROM chronicle_records
		WHERE session_id = $1
		ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	records, err := l.collect(ctx, query, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "chronicle", "recent records", err)
	}
	slices.Reverse(records)
	return records, nil
}

// Search implements [Log]. Every query word must appear in the record body,
// case-insensitively.
func (l *PGLog) Search(ctx context.Context, query string, filter Filter) ([]*Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	words := strings.Fields(query)
	if len(words) == 0 {
		return []*Record{}, nil
	}

	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	for _, word := range words {
		conds = append(conds, "body ILIKE "+next("%"+escapeLike(word)+"%")+" ESCAPE '\\'")
	}
	if filter.SessionID != "" {
		conds = append(conds, "session_id = "+next(filter.SessionID))
	}
	if filter.TurnID != "" {
		conds = append(conds, "turn_id = "+next(filter.TurnID))
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = "+next(string(filter.Kind)))
	}
	if filter.ActorID != "" {
		conds = append(conds, "actor_id = "+next(filter.ActorID))
	}
	if !filter.After.IsZero() {
		conds = append(conds, "happened > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "happened < "+next(filter.Before))
	}

	sql := `
		SELECT ` + recordColumns + `
		FROM chronicle_records
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY seq`
	if filter.Limit > 0 {
		sql += " LIMIT " + next(filter.Limit)
	}

	records, err := l.collect(ctx, sql, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "chronicle", "search records", err)
	}
	return records, nil
}

// collect runs a record query and scans every row.
func (l *PGLog) collect(ctx context.Context, sql string, args ...any) ([]*Record, error) {
	rows, err := l.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Record, error) {
		return scanRecord(row)
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*Record{}
	}
	return records, nil
}

// scanRecord scans a row whose columns match [recordColumns].
func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec      Record
		metaJSON []byte
	)
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.TurnID, &rec.Kind, &rec.ActorID,
		&rec.ActorName, &rec.Text, &metaJSON, &rec.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
		return nil, fault.Wrap(fault.Internal, "chronicle", "unmarshal metadata", err)
	}
	if len(rec.Metadata) == 0 {
		rec.Metadata = nil
	}
	return &rec, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// PGIndex
// ─────────────────────────────────────────────────────────────────────────────

// PGIndex is a [SemanticIndex] backed by a pgvector column with an HNSW
// index for approximate nearest-neighbour search. It shares the records
// table with [PGLog]: every embedding row references a logged record, and
// indexing an unlogged record is a not-found fault. Safe for concurrent use.
//
// The connection must have pgvector types registered; open it with
// [NewPGPool] or register them yourself.
type PGIndex struct {
	db         DB
	dimensions int
}

// Compile-time interface check.
var _ SemanticIndex = (*PGIndex)(nil)

// NewPGIndex creates an index over the given connection or pool. dimensions
// must match the embedding model's output width and cannot change after the
// first migration without a manual schema change. Call [PGIndex.Migrate]
// once before issuing queries; the log's tables must already exist.
func NewPGIndex(db DB, dimensions int) (*PGIndex, error) {
	if dimensions <= 0 {
		return nil, fault.New(fault.Validation, "chronicle", "embedding dimensions must be positive, got %d", dimensions)
	}
	return &PGIndex{db: db, dimensions: dimensions}, nil
}

// Migrate creates the vector extension, the embeddings table and its HNSW
// index.
func (idx *PGIndex) Migrate(ctx context.Context) error {
	if _, err := idx.db.Exec(ctx, fmt.Sprintf(indexSchema, idx.dimensions)); err != nil {
		return fault.Wrap(fault.Internal, "chronicle", "migrate index", err)
	}
	return nil
}

// Index implements [SemanticIndex]. Indexing an ID again replaces the
// stored embedding.
func (idx *PGIndex) Index(ctx context.Context, rec *Record, embedding []float32) error {
	if rec == nil {
		return fault.New(fault.Validation, "chronicle", "record must not be nil")
	}
	if rec.ID == "" {
		return fault.New(fault.Validation, "chronicle", "record id must not be empty")
	}
	if len(embedding) != idx.dimensions {
		return fault.New(fault.Validation, "chronicle",
			"embedding has %d dimensions, index expects %d", len(embedding), idx.dimensions)
	}

	const query = `
		INSERT INTO chronicle_embeddings (record_id, embedding)
		VALUES ($1, $2)
		ON CONFLICT (record_id) DO UPDATE SET embedding = EXCLUDED.embedding`

	_, err := idx.db.Exec(ctx, query, rec.ID, pgvector.NewVector(embedding))
	if err != nil {
		if isForeignKeyViolation(err) {
			return fault.New(fault.NotFound, "chronicle", "record %q is not in the log", rec.ID)
		}
		return fault.Wrap(fault.Internal, "chronicle", "index record", err)
	}
	return nil
}

// Similar implements [SemanticIndex] with a cosine-distance join against the
// records table, nearest first.
func (idx *PGIndex) Similar(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SimilarResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) != idx.dimensions {
		return nil, fault.New(fault.Validation, "chronicle",
			"embedding has %d dimensions, index expects %d", len(embedding), idx.dimensions)
	}
	if topK <= 0 {
		return []SimilarResult{}, nil
	}

	args := []any{pgvector.NewVector(embedding)}
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conds []string
	if filter.SessionID != "" {
		conds = append(conds, "r.session_id = "+next(filter.SessionID))
	}
	if filter.TurnID != "" {
		conds = append(conds, "r.turn_id = "+next(filter.TurnID))
	}
	if filter.Kind != "" {
		conds = append(conds, "r.kind = "+next(string(filter.Kind)))
	}
	if filter.ActorID != "" {
		conds = append(conds, "r.actor_id = "+next(filter.ActorID))
	}
	if !filter.After.IsZero() {
		conds = append(conds, "r.happened > "+next(filter.After))
	}
	if !filter.Before.IsZero() {
		conds = append(conds, "r.happened < "+next(filter.Before))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}

	sql := fmt.Sprintf(`
		SELECT r.id, r.session_id, r.turn_id, r.kind, r.actor_id, r.actor_name,
		       r.body, r.metadata, r.happened,
		       e.embedding <=> $1 AS distance
		FROM chronicle_embeddings e
		JOIN chronicle_records r ON r.id = e.record_id
		%s
		ORDER BY distance, r.id
		LIMIT %s`, where, next(topK))

	rows, err := idx.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "chronicle", "similar records", err)
	}
	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SimilarResult, error) {
		var (
			rec      Record
			metaJSON []byte
			distance float64
		)
		err := row.Scan(
			&rec.ID, &rec.SessionID, &rec.TurnID, &rec.Kind, &rec.ActorID,
			&rec.ActorName, &rec.Text, &metaJSON, &rec.Timestamp, &distance,
		)
		if err != nil {
			return SimilarResult{}, err
		}
		if err := json.Unmarshal(metaJSON, &rec.Metadata); err != nil {
			return SimilarResult{}, err
		}
		if len(rec.Metadata) == 0 {
			rec.Metadata = nil
		}
		return SimilarResult{Record: &rec, Distance: distance}, nil
	})
	if err != nil {
		return nil, fault.Wrap(fault.Internal, "chronicle", "scan similar records", err)
	}
	if results == nil {
		results = []SimilarResult{}
	}
	return results, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

// escapeLike escapes the LIKE metacharacters in a search word.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

// orEmptyMeta returns m if non-nil, otherwise an empty non-nil map, so the
// JSONB column gets "{}" instead of "null".
func orEmptyMeta(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

// isDuplicateKey checks for a unique violation (SQLSTATE 23505).
func isDuplicateKey(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isForeignKeyViolation checks for a foreign key violation (SQLSTATE 23503).
func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

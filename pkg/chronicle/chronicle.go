// Package chronicle is the append-only game record log of a running campaign.
//
// Every player input, dispatched task, NPC response and triggered game event
// is written as a [Record] tied to its session and turn. Records are never
// updated or deleted: the log is the durable account of what happened, in
// order. Consumers read it back two ways:
//
//   - [Log.Recent] and [Log.Search] serve chronological and keyword recall,
//     used by the prompt context assembler and the session notes tool.
//   - An optional [SemanticIndex] keeps an embedding vector per record and
//     recalls the closest records by cosine distance, surfacing older
//     context that keyword search would miss.
//
// [Chronicle] couples a Log with an optional SemanticIndex and the
// [embeddings.Provider] that feeds it: [Chronicle.Record] and
// [Chronicle.RecordBatch] append and index in one call, and
// [Chronicle.Recall] embeds a free-text query and searches the index. The
// package ships in-memory ([MemLog], [MemIndex]) and PostgreSQL ([PGLog],
// [PGIndex], the latter backed by pgvector) implementations of both
// interfaces.
package chronicle

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
	"github.com/MrWong99/scribax/pkg/provider/embeddings"
)

// RecordKind classifies what a chronicle record describes.
type RecordKind string

// The closed set of record kinds.
const (
	// KindInput is a raw player input as it entered the turn.
	KindInput RecordKind = "INPUT"

	// KindTask is a task dispatched from a classified input.
	KindTask RecordKind = "TASK"

	// KindNPCResponse is an NPC's reply to a task routed to it.
	KindNPCResponse RecordKind = "NPC_RESPONSE"

	// KindEvent is a game event fired by the time system.
	KindEvent RecordKind = "EVENT"

	// KindNote is a free-form note written through the DM tooling.
	KindNote RecordKind = "NOTE"
)

// IsValid reports whether k is one of the declared record kinds.
func (k RecordKind) IsValid() bool {
	switch k {
	case KindInput, KindTask, KindNPCResponse, KindEvent, KindNote:
		return true
	}
	return false
}

// Record is one entry in the chronicle. Records are immutable once appended.
type Record struct {
	// ID uniquely identifies the record. Generated when left empty on append.
	ID string

	// SessionID is the game session the record belongs to.
	SessionID string

	// TurnID identifies the turn that produced the record. Empty for
	// records written outside a turn, such as DM notes.
	TurnID string

	// Kind classifies the record.
	Kind RecordKind

	// ActorID names the player or NPC the record is about. Empty for
	// records with no single actor, such as game events.
	ActorID string

	// ActorName is the display name for ActorID.
	ActorName string

	// Text is the human-readable record body. Keyword search and the
	// semantic index both operate on this field.
	Text string

	// Metadata carries structured extras, such as the task type or the
	// name of the event rule that fired.
	Metadata map[string]string

	// Timestamp is when the recorded thing happened. Filled with the
	// current time when left zero on append.
	Timestamp time.Time
}

// Validate checks that the record can be appended.
func (r *Record) Validate() error {
	if r.SessionID == "" {
		return fault.New(fault.Validation, "chronicle", "record session id must not be empty")
	}
	if !r.Kind.IsValid() {
		return fault.New(fault.Validation, "chronicle", "record kind %q is not valid", r.Kind)
	}
	if strings.TrimSpace(r.Text) == "" {
		return fault.New(fault.Validation, "chronicle", "record text must not be empty")
	}
	return nil
}

// Clone returns a deep copy of the record. Cloning a nil record yields nil.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Metadata = maps.Clone(r.Metadata)
	return &cp
}

// Filter narrows Search and Similar results. Zero-valued fields are ignored.
type Filter struct {
	// SessionID restricts results to one game session.
	SessionID string

	// TurnID restricts results to one turn.
	TurnID string

	// Kind restricts results to one record kind.
	Kind RecordKind

	// ActorID restricts results to records about one player or NPC.
	ActorID string

	// After excludes records stamped at or before this time.
	After time.Time

	// Before excludes records stamped at or after this time.
	Before time.Time

	// Limit caps the number of Search results. Zero means no cap.
	// Similar ignores it and caps by topK instead.
	Limit int
}

// Validate checks filter consistency.
func (f Filter) Validate() error {
	if f.Kind != "" && !f.Kind.IsValid() {
		return fault.New(fault.Validation, "chronicle", "filter kind %q is not valid", f.Kind)
	}
	if f.Limit < 0 {
		return fault.New(fault.Validation, "chronicle", "filter limit must not be negative")
	}
	return nil
}

// SimilarResult is one semantic index hit.
type SimilarResult struct {
	// Record is the matched record.
	Record *Record

	// Distance is the cosine distance between the query embedding and the
	// record's embedding. Smaller is closer; identical directions score 0.
	Distance float64
}

// ─────────────────────────────────────────────────────────────────────────────
// Storage interfaces
// ─────────────────────────────────────────────────────────────────────────────

// Log is the append-only record store. Implementations must be safe for
// concurrent use.
type Log interface {
	// Append stores a new record. A missing ID is generated and a zero
	// Timestamp is filled with the current time, both written back to rec.
	// Appending a record whose ID already exists is a validation fault.
	Append(ctx context.Context, rec *Record) error

	// Recent returns the latest limit records of the session in append
	// order, oldest first. A limit of zero or less returns every record
	// of the session.
	Recent(ctx context.Context, sessionID string, limit int) ([]*Record, error)

	// Search returns records whose text matches every word of query,
	// narrowed by filter, in append order. A query with no words matches
	// nothing.
	Search(ctx context.Context, query string, filter Filter) ([]*Record, error)
}

// SemanticIndex stores one embedding vector per record and recalls records
// by vector similarity. Implementations must be safe for concurrent use.
type SemanticIndex interface {
	// Index stores or replaces the embedding for rec. The record should
	// already be appended to the log; [PGIndex] enforces this with a
	// not-found fault.
	Index(ctx context.Context, rec *Record, embedding []float32) error

	// Similar returns the topK records closest to embedding by cosine
	// distance, nearest first, narrowed by filter. Filter.Limit is
	// ignored.
	Similar(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SimilarResult, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// Chronicle
// ─────────────────────────────────────────────────────────────────────────────

// Chronicle couples a [Log] with an optional [SemanticIndex] and the
// embeddings provider that feeds it. The log write is the durable one:
// embedding and index failures are logged and swallowed so a degraded
// embeddings backend never loses game records or stalls a turn.
type Chronicle struct {
	log      Log
	index    SemanticIndex
	embedder embeddings.Provider
	logger   *slog.Logger
}

// Option configures a [Chronicle].
type Option func(*Chronicle)

// WithSemanticIndex enables semantic recall: every record written through
// the chronicle is embedded via provider and stored in index, and
// [Chronicle.Recall] becomes available.
func WithSemanticIndex(index SemanticIndex, provider embeddings.Provider) Option {
	return func(c *Chronicle) {
		c.index = index
		c.embedder = provider
	}
}

// WithLogger sets the logger used to report embedding and index failures.
// Defaults to [slog.Default].
func WithLogger(logger *slog.Logger) Option {
	return func(c *Chronicle) {
		c.logger = logger
	}
}

// New creates a Chronicle writing to log.
func New(log Log, opts ...Option) *Chronicle {
	c := &Chronicle{log: log, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HasSemanticIndex reports whether [Chronicle.Recall] is available.
func (c *Chronicle) HasSemanticIndex() bool {
	return c.index != nil && c.embedder != nil
}

// Record appends rec to the log. When a semantic index is configured, the
// record text is embedded and indexed as well.
func (c *Chronicle) Record(ctx context.Context, rec *Record) error {
	if err := c.log.Append(ctx, rec); err != nil {
		return err
	}
	if !c.HasSemanticIndex() {
		return nil
	}
	embedding, err := c.embedder.Embed(ctx, rec.Text)
	if err != nil {
		c.logger.Warn("chronicle: embedding record failed", "record_id", rec.ID, "error", err)
		return nil
	}
	c.indexRecord(ctx, rec, embedding)
	return nil
}

// RecordBatch appends recs in order, then embeds and indexes them with a
// single batch embedding call. The first append failure aborts the batch
// and is returned; records appended before it remain in the log.
func (c *Chronicle) RecordBatch(ctx context.Context, recs []*Record) error {
	for i, rec := range recs {
		if err := c.log.Append(ctx, rec); err != nil {
			return fault.Wrap(fault.KindOf(err), "chronicle",
				fmt.Sprintf("append record %d of %d", i+1, len(recs)), err)
		}
	}
	if !c.HasSemanticIndex() || len(recs) == 0 {
		return nil
	}

	texts := make([]string, len(recs))
	for i, rec := range recs {
		texts[i] = rec.Text
	}
	vectors, err := c.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		c.logger.Warn("chronicle: batch embedding failed", "records", len(recs), "error", err)
		return nil
	}
	if len(vectors) != len(recs) {
		c.logger.Warn("chronicle: batch embedding count mismatch", "want", len(recs), "got", len(vectors))
		return nil
	}
	for i, rec := range recs {
		c.indexRecord(ctx, rec, vectors[i])
	}
	return nil
}

// indexRecord stores one embedding, logging instead of returning failures.
func (c *Chronicle) indexRecord(ctx context.Context, rec *Record, embedding []float32) {
	if err := c.index.Index(ctx, rec, embedding); err != nil {
		c.logger.Warn("chronicle: indexing record failed", "record_id", rec.ID, "error", err)
	}
}

// Recent returns the latest limit records of the session, oldest first.
func (c *Chronicle) Recent(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	return c.log.Recent(ctx, sessionID, limit)
}

// Search performs a keyword search over record text.
func (c *Chronicle) Search(ctx context.Context, query string, filter Filter) ([]*Record, error) {
	return c.log.Search(ctx, query, filter)
}

// Recall embeds query and returns the topK records closest to it, nearest
// first. It fails with a validation fault when no semantic index is
// configured; probe with [Chronicle.HasSemanticIndex].
func (c *Chronicle) Recall(ctx context.Context, query string, topK int, filter Filter) ([]SimilarResult, error) {
	if !c.HasSemanticIndex() {
		return nil, fault.New(fault.Validation, "chronicle", "semantic recall requires an index and an embeddings provider")
	}
	embedding, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fault.Wrap(fault.KindOf(err), "chronicle", "embed recall query", err)
	}
	return c.index.Similar(ctx, embedding, topK, filter)
}

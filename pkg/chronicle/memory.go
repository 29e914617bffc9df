package chronicle

import (
	"cmp"
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/scribax/pkg/fault"
)

// MemLog is an in-memory [Log] intended for tests and single-process
// deployments. Records are cloned on the way in and out, so callers can keep
// mutating their copies without corrupting the log. Safe for concurrent use.
type MemLog struct {
	mu   sync.RWMutex
	recs []*Record // append order
	ids  map[string]struct{}
}

// Compile-time interface check.
var _ Log = (*MemLog)(nil)

// NewMemLog creates an empty in-memory log.
func NewMemLog() *MemLog {
	return &MemLog{ids: make(map[string]struct{})}
}

// Append implements [Log].
func (l *MemLog) Append(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fault.New(fault.Validation, "chronicle", "record must not be nil")
	}
	if err := rec.Validate(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, ok := l.ids[rec.ID]; ok {
		return fault.New(fault.Validation, "chronicle", "record with id %q already exists", rec.ID)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	l.ids[rec.ID] = struct{}{}
	l.recs = append(l.recs, rec.Clone())
	return nil
}

// Recent implements [Log].
func (l *MemLog) Recent(ctx context.Context, sessionID string, limit int) ([]*Record, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	matched := make([]*Record, 0)
	for _, rec := range l.recs {
		if rec.SessionID == sessionID {
			matched = append(matched, rec)
		}
	}
	if limit > 0 && len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}

// Search implements [Log]. A record matches when its text contains every
// word of query, case-insensitively.
func (l *MemLog) Search(ctx context.Context, query string, filter Filter) ([]*Record, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	words := strings.Fields(strings.ToLower(query))
	if len(words) == 0 {
		return []*Record{}, nil
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Record, 0)
	for _, rec := range l.recs {
		if !matchesFilter(rec, filter) || !containsAllWords(rec.Text, words) {
			continue
		}
		out = append(out, rec.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

// containsAllWords reports whether text contains every word, ignoring case.
func containsAllWords(text string, words []string) bool {
	text = strings.ToLower(text)
	for _, w := range words {
		if !strings.Contains(text, w) {
			return false
		}
	}
	return true
}

// matchesFilter applies every set field of filter except Limit.
func matchesFilter(rec *Record, filter Filter) bool {
	if filter.SessionID != "" && rec.SessionID != filter.SessionID {
		return false
	}
	if filter.TurnID != "" && rec.TurnID != filter.TurnID {
		return false
	}
	if filter.Kind != "" && rec.Kind != filter.Kind {
		return false
	}
	if filter.ActorID != "" && rec.ActorID != filter.ActorID {
		return false
	}
	if !filter.After.IsZero() && !rec.Timestamp.After(filter.After) {
		return false
	}
	if !filter.Before.IsZero() && !rec.Timestamp.Before(filter.Before) {
		return false
	}
	return true
}

// ─────────────────────────────────────────────────────────────────────────────
// In-memory semantic index
// ─────────────────────────────────────────────────────────────────────────────

// MemIndex is an in-memory [SemanticIndex] using exact cosine distance over
// every stored vector. It keeps its own copy of each indexed record, so it
// works standalone without a backing log. Safe for concurrent use.
type MemIndex struct {
	mu      sync.RWMutex
	records map[string]*Record
	vectors map[string][]float32
}

// Compile-time interface check.
var _ SemanticIndex = (*MemIndex)(nil)

// NewMemIndex creates an empty in-memory semantic index.
func NewMemIndex() *MemIndex {
	return &MemIndex{
		records: make(map[string]*Record),
		vectors: make(map[string][]float32),
	}
}

// Index implements [SemanticIndex]. Indexing an ID again replaces both the
// stored record and its embedding.
func (idx *MemIndex) Index(ctx context.Context, rec *Record, embedding []float32) error {
	if rec == nil {
		return fault.New(fault.Validation, "chronicle", "record must not be nil")
	}
	if rec.ID == "" {
		return fault.New(fault.Validation, "chronicle", "record id must not be empty")
	}
	if len(embedding) == 0 {
		return fault.New(fault.Validation, "chronicle", "embedding must not be empty")
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.records[rec.ID] = rec.Clone()
	idx.vectors[rec.ID] = slices.Clone(embedding)
	return nil
}

// Similar implements [SemanticIndex]. Ties on distance are broken by record
// ID so results are deterministic.
func (idx *MemIndex) Similar(ctx context.Context, embedding []float32, topK int, filter Filter) ([]SimilarResult, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if len(embedding) == 0 {
		return nil, fault.New(fault.Validation, "chronicle", "embedding must not be empty")
	}
	if topK <= 0 {
		return []SimilarResult{}, nil
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	results := make([]SimilarResult, 0)
	for id, vec := range idx.vectors {
		rec := idx.records[id]
		if !matchesFilter(rec, filter) {
			continue
		}
		dist, err := cosineDistance(embedding, vec)
		if err != nil {
			return nil, err
		}
		results = append(results, SimilarResult{Record: rec.Clone(), Distance: dist})
	}

	slices.SortFunc(results, func(a, b SimilarResult) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.Record.ID, b.Record.ID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// cosineDistance returns 1 - cos(a, b). Vectors of differing length or zero
// magnitude cannot be compared.
func cosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fault.New(fault.Validation, "chronicle", "embedding dimensions differ: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, fault.New(fault.Validation, "chronicle", "embedding magnitude must not be zero")
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB)), nil
}

package chronicle

import (
	"context"
	"testing"
	"time"

	"github.com/MrWong99/scribax/pkg/fault"
)

func appendRecord(t *testing.T, log Log, rec *Record) *Record {
	t.Helper()
	if err := log.Append(context.Background(), rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	return rec
}

func inputRecord(sessionID, actor, text string) *Record {
	return &Record{SessionID: sessionID, Kind: KindInput, ActorID: actor, ActorName: actor, Text: text}
}

func TestMemLogAppendFillsDefaults(t *testing.T) {
	t.Parallel()
	log := NewMemLog()

	rec := appendRecord(t, log, inputRecord("session-1", "toren", "enters the tavern"))
	if rec.ID == "" {
		t.Error("ID not generated")
	}
	if rec.Timestamp.IsZero() {
		t.Error("Timestamp not filled")
	}

	if err := log.Append(context.Background(), &Record{ID: rec.ID, SessionID: "session-1", Kind: KindInput, Text: "dup"}); !fault.IsValidation(err) {
		t.Errorf("duplicate id: got %v, want validation fault", err)
	}
}

func TestMemLogAppendValidates(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	ctx := context.Background()

	tests := []struct {
		name string
		rec  *Record
	}{
		{"nil record", nil},
		{"missing session", &Record{Kind: KindInput, Text: "x"}},
		{"bad kind", &Record{SessionID: "s", Kind: "BOGUS", Text: "x"}},
		{"blank text", &Record{SessionID: "s", Kind: KindInput, Text: "   "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := log.Append(ctx, tt.rec); !fault.IsValidation(err) {
				t.Errorf("got %v, want validation fault", err)
			}
		})
	}
}

func TestMemLogRecent(t *testing.T) {
	t.Parallel()
	log := NewMemLog()

	for _, text := range []string{"first", "second", "third"} {
		appendRecord(t, log, inputRecord("session-1", "toren", text))
	}
	appendRecord(t, log, inputRecord("session-2", "mira", "elsewhere"))

	got, err := log.Recent(context.Background(), "session-1", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "second" || got[1].Text != "third" {
		t.Errorf("Recent = %v, want the newest two oldest-first", texts(got))
	}

	all, err := log.Recent(context.Background(), "session-1", 0)
	if err != nil || len(all) != 3 {
		t.Errorf("Recent(0) = %d records, err %v; want all 3", len(all), err)
	}

	// Clones: mutating a result must not corrupt the log.
	all[0].Text = "mutated"
	again, _ := log.Recent(context.Background(), "session-1", 0)
	if again[0].Text != "first" {
		t.Error("log record mutated through a returned clone")
	}
}

func TestMemLogSearch(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	ctx := context.Background()

	appendRecord(t, log, inputRecord("session-1", "toren", "Toren searches the dusty cellar"))
	appendRecord(t, log, inputRecord("session-1", "mira", "Mira searches the attic"))
	appendRecord(t, log, &Record{SessionID: "session-1", Kind: KindEvent, Text: "the cellar door creaks"})
	appendRecord(t, log, inputRecord("session-2", "toren", "Toren searches a different cellar"))

	got, err := log.Search(ctx, "searches cellar", Filter{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].ActorID != "toren" {
		t.Errorf("Search = %v, want the one record with both words", texts(got))
	}

	byKind, err := log.Search(ctx, "cellar", Filter{SessionID: "session-1", Kind: KindEvent})
	if err != nil || len(byKind) != 1 || byKind[0].Kind != KindEvent {
		t.Errorf("kind filter = %v, err %v", texts(byKind), err)
	}

	if got, err := log.Search(ctx, "   ", Filter{}); err != nil || len(got) != 0 {
		t.Errorf("empty query = %v, err %v; want no matches", texts(got), err)
	}
	if _, err := log.Search(ctx, "cellar", Filter{Kind: "BOGUS"}); !fault.IsValidation(err) {
		t.Errorf("bad filter: got %v, want validation fault", err)
	}
}

func TestMemLogSearchTimeWindow(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	ctx := context.Background()

	base := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range []string{"cellar early", "cellar middle", "cellar late"} {
		rec := inputRecord("session-1", "toren", text)
		rec.Timestamp = base.Add(time.Duration(i) * time.Hour)
		appendRecord(t, log, rec)
	}

	got, err := log.Search(ctx, "cellar", Filter{After: base, Before: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 1 || got[0].Text != "cellar middle" {
		t.Errorf("window = %v, want the middle record only", texts(got))
	}
}

func TestMemIndexSimilar(t *testing.T) {
	t.Parallel()
	idx := NewMemIndex()
	ctx := context.Background()

	index := func(id, session string, vec []float32) {
		t.Helper()
		rec := &Record{ID: id, SessionID: session, Kind: KindInput, Text: id}
		if err := idx.Index(ctx, rec, vec); err != nil {
			t.Fatalf("Index(%s): %v", id, err)
		}
	}
	index("east", "session-1", []float32{1, 0})
	index("north", "session-1", []float32{0, 1})
	index("northeast", "session-1", []float32{1, 1})
	index("other", "session-2", []float32{1, 0})

	got, err := idx.Similar(ctx, []float32{1, 0.1}, 2, Filter{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("Similar: %v", err)
	}
	if len(got) != 2 || got[0].Record.ID != "east" || got[1].Record.ID != "northeast" {
		t.Errorf("Similar = %v, want [east northeast]", resultIDs(got))
	}
	if got[0].Distance >= got[1].Distance {
		t.Errorf("distances not ascending: %v then %v", got[0].Distance, got[1].Distance)
	}

	if got, err := idx.Similar(ctx, []float32{1, 0}, 0, Filter{}); err != nil || len(got) != 0 {
		t.Errorf("topK 0 = %v, err %v; want empty", got, err)
	}
	if _, err := idx.Similar(ctx, []float32{1, 0, 0}, 1, Filter{SessionID: "session-1"}); !fault.IsValidation(err) {
		t.Errorf("dimension mismatch: got %v, want validation fault", err)
	}
}

func TestMemIndexValidates(t *testing.T) {
	t.Parallel()
	idx := NewMemIndex()
	ctx := context.Background()

	if err := idx.Index(ctx, nil, []float32{1}); !fault.IsValidation(err) {
		t.Errorf("nil record: got %v, want validation fault", err)
	}
	if err := idx.Index(ctx, &Record{}, []float32{1}); !fault.IsValidation(err) {
		t.Errorf("empty id: got %v, want validation fault", err)
	}
	if err := idx.Index(ctx, &Record{ID: "r1"}, nil); !fault.IsValidation(err) {
		t.Errorf("empty embedding: got %v, want validation fault", err)
	}
	if _, err := idx.Similar(ctx, nil, 3, Filter{}); !fault.IsValidation(err) {
		t.Errorf("empty query embedding: got %v, want validation fault", err)
	}
}

func TestMemIndexReindexReplaces(t *testing.T) {
	t.Parallel()
	idx := NewMemIndex()
	ctx := context.Background()

	rec := &Record{ID: "r1", SessionID: "session-1", Kind: KindInput, Text: "v1"}
	if err := idx.Index(ctx, rec, []float32{1, 0}); err != nil {
		t.Fatal(err)
	}
	rec.Text = "v2"
	if err := idx.Index(ctx, rec, []float32{0, 1}); err != nil {
		t.Fatal(err)
	}

	got, err := idx.Similar(ctx, []float32{0, 1}, 1, Filter{})
	if err != nil || len(got) != 1 {
		t.Fatalf("Similar = %v, err %v", got, err)
	}
	if got[0].Record.Text != "v2" || got[0].Distance > 0.001 {
		t.Errorf("reindex kept the old entry: %+v", got[0])
	}
}

func texts(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, rec := range recs {
		out[i] = rec.Text
	}
	return out
}

func resultIDs(results []SimilarResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Record.ID
	}
	return out
}

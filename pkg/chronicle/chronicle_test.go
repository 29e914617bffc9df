package chronicle

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/scribax/pkg/fault"
	embedmock "github.com/MrWong99/scribax/pkg/provider/embeddings/mock"
)

func TestChronicleRecordWithoutIndex(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	c := New(log)

	if c.HasSemanticIndex() {
		t.Error("HasSemanticIndex = true without an index")
	}
	if err := c.Record(context.Background(), inputRecord("session-1", "toren", "enters")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, err := c.Recent(context.Background(), "session-1", 0)
	if err != nil || len(got) != 1 {
		t.Errorf("Recent = %v, err %v; want one record", texts(got), err)
	}

	if _, err := c.Recall(context.Background(), "enters", 3, Filter{}); !fault.IsValidation(err) {
		t.Errorf("Recall without index: got %v, want validation fault", err)
	}
}

func TestChronicleRecordEmbedsAndIndexes(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	idx := NewMemIndex()
	embedder := &embedmock.Provider{EmbedResult: []float32{1, 0}}
	c := New(log, WithSemanticIndex(idx, embedder))

	rec := inputRecord("session-1", "toren", "asks about the cellar")
	if err := c.Record(context.Background(), rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(embedder.EmbedCalls) != 1 || embedder.EmbedCalls[0].Text != rec.Text {
		t.Errorf("EmbedCalls = %+v, want one call with the record text", embedder.EmbedCalls)
	}

	hits, err := c.Recall(context.Background(), "cellar", 5, Filter{SessionID: "session-1"})
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if len(hits) != 1 || hits[0].Record.ID != rec.ID {
		t.Errorf("Recall = %v, want the indexed record", resultIDs(hits))
	}
}

func TestChronicleEmbeddingFailureKeepsRecord(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	idx := NewMemIndex()
	embedder := &embedmock.Provider{EmbedErr: errors.New("provider down")}
	c := New(log, WithSemanticIndex(idx, embedder))

	if err := c.Record(context.Background(), inputRecord("session-1", "toren", "enters")); err != nil {
		t.Fatalf("Record with failing embedder: %v", err)
	}
	got, err := c.Recent(context.Background(), "session-1", 0)
	if err != nil || len(got) != 1 {
		t.Errorf("log write lost: %v, err %v", texts(got), err)
	}
}

func TestChronicleRecordBatch(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	idx := NewMemIndex()
	embedder := &embedmock.Provider{
		EmbedResult:      []float32{0, 1},
		EmbedBatchResult: [][]float32{{1, 0}, {0, 1}},
	}
	c := New(log, WithSemanticIndex(idx, embedder))

	recs := []*Record{
		inputRecord("session-1", "toren", "enters the tavern"),
		inputRecord("session-1", "mira", "orders an ale"),
	}
	if err := c.RecordBatch(context.Background(), recs); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	if len(embedder.EmbedBatchCalls) != 1 || len(embedder.EmbedBatchCalls[0].Texts) != 2 {
		t.Errorf("EmbedBatchCalls = %+v, want one call with both texts", embedder.EmbedBatchCalls)
	}

	hits, err := c.Recall(context.Background(), "ale", 1, Filter{})
	if err != nil || len(hits) != 1 {
		t.Fatalf("Recall = %v, err %v", hits, err)
	}
}

func TestChronicleRecordBatchAbortsOnAppendFailure(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	c := New(log)

	recs := []*Record{
		inputRecord("session-1", "toren", "valid"),
		{SessionID: "", Kind: KindInput, Text: "invalid"},
		inputRecord("session-1", "mira", "never appended"),
	}
	if err := c.RecordBatch(context.Background(), recs); !fault.IsValidation(err) {
		t.Fatalf("RecordBatch: got %v, want validation fault", err)
	}

	got, _ := c.Recent(context.Background(), "session-1", 0)
	if len(got) != 1 || got[0].Text != "valid" {
		t.Errorf("log after aborted batch = %v, want the first record only", texts(got))
	}
}

func TestChronicleBatchCountMismatchSkipsIndexing(t *testing.T) {
	t.Parallel()
	log := NewMemLog()
	idx := NewMemIndex()
	embedder := &embedmock.Provider{EmbedBatchResult: [][]float32{{1, 0}}}
	c := New(log, WithSemanticIndex(idx, embedder))

	recs := []*Record{
		inputRecord("session-1", "toren", "one"),
		inputRecord("session-1", "mira", "two"),
	}
	if err := c.RecordBatch(context.Background(), recs); err != nil {
		t.Fatalf("RecordBatch: %v", err)
	}
	// One vector for two records: indexing is skipped, the log keeps both.
	embedder.EmbedResult = []float32{1, 0}
	hits, err := c.Recall(context.Background(), "one", 5, Filter{})
	if err != nil || len(hits) != 0 {
		t.Errorf("Recall = %v, err %v; want nothing indexed", hits, err)
	}
	got, _ := c.Recent(context.Background(), "session-1", 0)
	if len(got) != 2 {
		t.Errorf("log lost records: %v", texts(got))
	}
}
